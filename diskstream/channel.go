package diskstream

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// defaultBufferSize is the buffered-I/O size for file channels and the
// slice size used when draining declared lengths.
const defaultBufferSize = 256 * 1024

// ChannelConfig carries transport options. Buffering is explicit here so
// callers decide it per transfer instead of a process-wide flag.
type ChannelConfig struct {
	// Unbuffered disables the bufio layers on file-backed channels.
	Unbuffered bool
	// BufferSize overrides defaultBufferSize when positive.
	BufferSize int
}

func (c ChannelConfig) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return defaultBufferSize
}

// Channel is an open, transport-agnostic byte pipe. It is owned by exactly
// one transfer and must be closed exactly once, on success and on failure.
type Channel interface {
	// ReadFull fills p entirely or fails.
	ReadFull(p []byte) error
	// WriteFull writes all of p or fails.
	WriteFull(p []byte) error
	// Skip advances the write position by n bytes. Seekable channels seek;
	// byte-stream channels emit literal zeros, since the peer consumes the
	// stream sequentially.
	Skip(n int64) error
	Close() error
}

// Preallocator is implemented by channels whose destination can be sized
// up front. A freshly extended file reads back as zeros, which is what
// makes a file destination pre-zeroed.
type Preallocator interface {
	Preallocate(size int64) error
}

// OpenChannel materializes the transport for an endpoint. HTTP endpoints
// are opened by NegotiateHTTP instead, because their channel only exists
// after the PUT handshake.
func OpenChannel(e Endpoint, cfg ChannelConfig) (Channel, error) {
	switch e.Kind {
	case EndpointNull:
		return &nullChannel{}, nil
	case EndpointStdout:
		return newFileChannel(os.Stdout, cfg, false), nil
	case EndpointFD:
		f := os.NewFile(uintptr(e.FD), fmt.Sprintf("fd %d", e.FD))
		if f == nil {
			return nil, ErrArgument.WithMessage(fmt.Sprintf("file descriptor %d is not open", e.FD))
		}
		return newFileChannel(f, cfg, true), nil
	case EndpointFile:
		f, err := os.OpenFile(e.Path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, NewTransportError("open destination file", err)
		}
		return newFileChannel(f, cfg, true), nil
	case EndpointTCP:
		conn, err := net.Dial("tcp", e.Addr)
		if err != nil {
			return nil, NewTransportError("connect "+e.Addr, err)
		}
		logger.Debug("connected to %s", e.Addr)
		return newConnChannel(conn, nil), nil
	case EndpointUnix:
		conn, err := net.Dial("unix", e.Path)
		if err != nil {
			return nil, NewTransportError("connect "+e.Path, err)
		}
		return newConnChannel(conn, nil), nil
	case EndpointHTTP:
		return nil, NewUnsupportedError("http endpoints are opened during protocol negotiation")
	default:
		return nil, NewUnsupportedError(fmt.Sprintf("cannot open endpoint kind %v", e.Kind))
	}
}

// fileChannel serves file-like destinations: regular files, inherited
// descriptors, stdout. Whether Skip can seek is probed once at open.
type fileChannel struct {
	f         *os.File
	r         *bufio.Reader
	w         *bufio.Writer
	seekable  bool
	closeFile bool
}

func newFileChannel(f *os.File, cfg ChannelConfig, closeFile bool) *fileChannel {
	ch := &fileChannel{f: f, closeFile: closeFile}
	if _, err := f.Seek(0, io.SeekCurrent); err == nil {
		ch.seekable = true
	}
	if !cfg.Unbuffered {
		ch.r = bufio.NewReaderSize(f, cfg.bufferSize())
		ch.w = bufio.NewWriterSize(f, cfg.bufferSize())
	}
	return ch
}

func (c *fileChannel) ReadFull(p []byte) error {
	var r io.Reader = c.f
	if c.r != nil {
		r = c.r
	}
	if _, err := io.ReadFull(r, p); err != nil {
		return NewTransportError("read", err)
	}
	return nil
}

func (c *fileChannel) WriteFull(p []byte) error {
	var w io.Writer = c.f
	if c.w != nil {
		w = c.w
	}
	if _, err := w.Write(p); err != nil {
		return NewTransportError("write", err)
	}
	return nil
}

func (c *fileChannel) Skip(n int64) error {
	if n == 0 {
		return nil
	}
	if !c.seekable {
		return zeroFill(c, n)
	}
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			return NewTransportError("flush", err)
		}
	}
	if _, err := c.f.Seek(n, io.SeekCurrent); err != nil {
		return NewTransportError("seek", err)
	}
	return nil
}

func (c *fileChannel) Preallocate(size int64) error {
	if !c.seekable {
		return nil
	}
	if err := c.f.Truncate(size); err != nil {
		return NewTransportError("truncate destination", err)
	}
	return nil
}

func (c *fileChannel) Close() error {
	var flushErr error
	if c.w != nil {
		flushErr = c.w.Flush()
	}
	if c.closeFile {
		if err := c.f.Close(); flushErr == nil && err != nil {
			flushErr = err
		}
	}
	if flushErr != nil {
		return NewTransportError("close", flushErr)
	}
	return nil
}

// connChannel serves socket transports. The optional reader carries bytes
// already buffered during HTTP negotiation.
type connChannel struct {
	conn net.Conn
	r    *bufio.Reader
}

func newConnChannel(conn net.Conn, r *bufio.Reader) *connChannel {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &connChannel{conn: conn, r: r}
}

func (c *connChannel) ReadFull(p []byte) error {
	if _, err := io.ReadFull(c.r, p); err != nil {
		return NewTransportError("read", err)
	}
	return nil
}

func (c *connChannel) WriteFull(p []byte) error {
	if _, err := c.conn.Write(p); err != nil {
		return NewTransportError("write", err)
	}
	return nil
}

// Skip on a socket writes literal zeros; the peer has no seek to mirror.
func (c *connChannel) Skip(n int64) error {
	return zeroFill(c, n)
}

func (c *connChannel) Close() error {
	if err := c.conn.Close(); err != nil {
		return NewTransportError("close", err)
	}
	return nil
}

// nullChannel discards everything.
type nullChannel struct{}

func (*nullChannel) ReadFull(p []byte) error  { return NewUnsupportedError("null: is write-only") }
func (*nullChannel) WriteFull(p []byte) error { return nil }
func (*nullChannel) Skip(n int64) error       { return nil }
func (*nullChannel) Preallocate(int64) error  { return nil }
func (*nullChannel) Close() error             { return nil }

var zeroBuf [64 * 1024]byte

func zeroFill(ch Channel, n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(len(zeroBuf)) {
			chunk = int64(len(zeroBuf))
		}
		if err := ch.WriteFull(zeroBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader exposes the channel's underlying stream for decoders built on
// io.Reader consumers (tar, gzip).
func (c *fileChannel) Reader() io.Reader {
	if c.r != nil {
		return c.r
	}
	return c.f
}

func (c *connChannel) Reader() io.Reader { return c.r }

// channelToReader adapts a Channel to io.Reader. Channels backed by real
// streams hand out that stream; the fallback reads a byte per call, since
// ReadFull on a larger slice would drop a partial read at end of stream.
func channelToReader(ch Channel) io.Reader {
	if sr, ok := ch.(interface{ Reader() io.Reader }); ok {
		return sr.Reader()
	}
	return channelReader{ch}
}

type channelReader struct {
	ch Channel
}

func (r channelReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.ch.ReadFull(p[:1]); err != nil {
		if te, ok := err.(*TransferError); ok {
			if cause := te.Unwrap(); cause == io.EOF || cause == io.ErrUnexpectedEOF {
				return 0, io.EOF
			}
		}
		return 0, err
	}
	return 1, nil
}
