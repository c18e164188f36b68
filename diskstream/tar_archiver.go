package diskstream

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	godigest "github.com/opencontainers/go-digest"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

const (
	// TarChunkSize is the fixed virtual-disk span of one tar data entry.
	TarChunkSize = 1 << 20

	// ChecksumSuffix names the checksum entry that follows each data entry.
	ChecksumSuffix = ".checksum"

	checksumAlgorithm = godigest.Algorithm("sha1")
	checksumHexLen    = 40
)

// channelWriter adapts a Channel to io.Writer for stream encoders.
type channelWriter struct {
	ch Channel
}

func (w channelWriter) Write(p []byte) (int, error) {
	if err := w.ch.WriteFull(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// tarArchiver re-chunks the sector stream into fixed-size tar entries,
// each followed by a checksum entry holding the hex SHA-1 of the chunk
// payload. It is either between chunks (remaining == 0) or mid-chunk.
type tarArchiver struct {
	tw     *tar.Writer
	prefix string
	total  int64

	position   int64 // virtual bytes consumed so far
	chunkIndex int64 // next (or currently open) chunk counter
	remaining  int64 // bytes left in the open chunk, 0 between chunks
	sum        hash.Hash
	chunkName  string
}

func newTarArchiver(tw *tar.Writer, prefix string, total int64) *tarArchiver {
	return &tarArchiver{tw: tw, prefix: prefix, total: total}
}

func (a *tarArchiver) lastChunkIndex() int64 {
	if a.total == 0 {
		return 0
	}
	return (a.total - 1) / TarChunkSize
}

// chunkSize returns the virtual span of chunk index: TarChunkSize except
// for a short final chunk.
func (a *tarArchiver) chunkSize(index int64) int64 {
	start := index * TarChunkSize
	size := a.total - start
	if size > TarChunkSize {
		size = TarChunkSize
	}
	return size
}

func (a *tarArchiver) openChunk() error {
	a.chunkName = fmt.Sprintf("%s%08d", a.prefix, a.chunkIndex)
	hdr := &tar.Header{
		Name:     a.chunkName,
		Mode:     0644,
		Size:     a.chunkSize(a.chunkIndex),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return NewTransportError("write tar header", err)
	}
	a.sum = sha1.New()
	a.remaining = hdr.Size
	return nil
}

// closeChunk emits the checksum entry for the chunk just completed and
// advances the counter. The tar writer pads both bodies to the block
// boundary itself.
func (a *tarArchiver) closeChunk() error {
	sumHex := hex.EncodeToString(a.sum.Sum(nil))
	dgst := godigest.NewDigestFromEncoded(checksumAlgorithm, sumHex)
	hdr := &tar.Header{
		Name:     a.chunkName + ChecksumSuffix,
		Mode:     0644,
		Size:     checksumHexLen,
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return NewTransportError("write tar checksum header", err)
	}
	if _, err := a.tw.Write([]byte(dgst.Encoded())); err != nil {
		return NewTransportError("write tar checksum", err)
	}
	logger.Debug("chunk %s: %s", a.chunkName, dgst)
	a.chunkIndex++
	a.sum = nil
	a.chunkName = ""
	return nil
}

// writeData feeds literal bytes through the open chunk, opening and
// closing chunks as boundaries pass.
func (a *tarArchiver) writeData(p []byte) error {
	for len(p) > 0 {
		if a.remaining == 0 {
			if err := a.openChunk(); err != nil {
				return err
			}
		}
		n := a.remaining
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if _, err := a.tw.Write(p[:n]); err != nil {
			return NewTransportError("write tar chunk", err)
		}
		a.sum.Write(p[:n])
		a.remaining -= n
		a.position += n
		p = p[n:]
		if a.remaining == 0 {
			if err := a.closeChunk(); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeZeros pushes n literal zero bytes through the normal chunk path.
func (a *tarArchiver) writeZeros(n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(len(zeroBuf)) {
			chunk = int64(len(zeroBuf))
		}
		if err := a.writeData(zeroBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// writeEmpty consumes an empty run of n bytes. A chunk already open is
// completed with zero fill so its checksum still covers the full span.
// Whole aligned chunks are elided, except the first and last chunks of the
// disk, which are always materialized so the archive bounds the full
// virtual size. Sub-chunk leftovers become literal zeros.
func (a *tarArchiver) writeEmpty(n int64) error {
	if a.remaining > 0 {
		fill := a.remaining
		if fill > n {
			fill = n
		}
		if err := a.writeZeros(fill); err != nil {
			return err
		}
		n -= fill
	}
	last := a.lastChunkIndex()
	for n >= TarChunkSize && a.chunkIndex != 0 && a.chunkIndex != last {
		// Elided: the counter advances but no entries are emitted.
		a.chunkIndex++
		a.position += TarChunkSize
		n -= TarChunkSize
	}
	for n > 0 {
		span := a.chunkSize(a.chunkIndex)
		if span > n {
			span = n
		}
		if err := a.writeZeros(span); err != nil {
			return err
		}
		n -= span
		// An interior chunk boundary may have been crossed; retry elision
		// for whatever full chunks remain.
		for n >= TarChunkSize && a.chunkIndex != 0 && a.chunkIndex != last && a.remaining == 0 {
			a.chunkIndex++
			a.position += TarChunkSize
			n -= TarChunkSize
		}
	}
	return nil
}

// finish validates that the stream covered the whole virtual size and
// flushes the archive trailer.
func (a *tarArchiver) finish() error {
	if a.position != a.total {
		return NewFramingError(fmt.Sprintf("stream ended at byte %d of %d", a.position, a.total))
	}
	if a.remaining != 0 {
		return NewFramingError("stream ended mid-chunk")
	}
	if err := a.tw.Close(); err != nil {
		return NewTransportError("close tar stream", err)
	}
	return nil
}

// SerializeTar packages the stream as <prefix><8-digit-counter> tar
// entries of TarChunkSize each, every one followed by its checksum entry.
// Progress undercounts slightly (headers and filler are not budgeted); it
// drives an indicator, never completion.
func SerializeTar(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error) {
	work := s.TotalWork(opts.PreZeroed)
	t := newProgressTracker(work, progress)

	var w io.Writer = channelWriter{ch}
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(w)
		w = gz
	}
	a := newTarArchiver(tar.NewWriter(w), opts.TarPrefix, s.Size.TotalBytes)

	for i, el := range s.Elements {
		switch el := el.(type) {
		case DataElement:
			if err := a.writeData(el.Payload); err != nil {
				return 0, err
			}
			t.add(int64(len(el.Payload)))
		case EmptyElement:
			if !opts.PreZeroed {
				return 0, NewFramingError(fmt.Sprintf("element %d: empty run reached the tar serializer but the destination is not pre-zeroed", i))
			}
			if err := a.writeEmpty(el.SectorCount * SectorSize); err != nil {
				return 0, err
			}
		case CopyElement:
			return 0, NewFramingError(fmt.Sprintf("element %d: copy run reached the tar serializer; streams must be copy-expanded first", i))
		}
	}
	if err := a.finish(); err != nil {
		return 0, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, NewTransportError("close gzip stream", err)
		}
	}
	t.finish()
	return work, nil
}
