package diskstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// progressTracker drives a ProgressCallback with monotonic values ending
// exactly at the work total.
type progressTracker struct {
	total   int64
	current int64
	cb      ProgressCallback
}

func newProgressTracker(total int64, cb ProgressCallback) *progressTracker {
	t := &progressTracker{total: total, cb: cb}
	t.report()
	return t
}

func (t *progressTracker) add(n int64) {
	t.current += n
	if t.current > t.total {
		t.current = t.total
	}
	t.report()
}

func (t *progressTracker) finish() {
	t.current = t.total
	t.report()
}

func (t *progressTracker) report() {
	if t.cb != nil {
		t.cb(t.current, t.total)
	}
}

// SerializeRaw writes data payloads verbatim. Empty runs are only legal on
// a pre-zeroed destination and are skipped by seeking; copy runs must have
// been expanded away.
func SerializeRaw(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error) {
	work := s.TotalWork(opts.PreZeroed)
	t := newProgressTracker(work, progress)
	for i, el := range s.Elements {
		switch el := el.(type) {
		case DataElement:
			if err := ch.WriteFull(el.Payload); err != nil {
				return 0, err
			}
			t.add(int64(len(el.Payload)))
		case EmptyElement:
			if !opts.PreZeroed {
				return 0, NewFramingError(fmt.Sprintf("element %d: empty run reached the raw serializer but the destination is not pre-zeroed", i))
			}
			if err := ch.Skip(el.SectorCount * SectorSize); err != nil {
				return 0, err
			}
		case CopyElement:
			return 0, NewFramingError(fmt.Sprintf("element %d: copy run reached the raw serializer; streams must be copy-expanded first", i))
		}
	}
	t.finish()
	return work, nil
}

// Chunked wire format: 12-byte header, big-endian {offset uint64,
// length uint32}, then length payload bytes. A zero/zero header ends the
// stream.
const chunkedHeaderSize = 12

func putChunkedHeader(hdr []byte, offset int64, length int) {
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(length))
}

// SerializeChunked wraps every data element in an offset/length header and
// terminates with an end marker. Empty runs advance the virtual offset
// without producing a chunk, which is only legal on a pre-zeroed
// destination.
func SerializeChunked(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error) {
	work := s.TotalWork(opts.PreZeroed)
	t := newProgressTracker(work, progress)
	var hdr [chunkedHeaderSize]byte
	var offset int64
	for i, el := range s.Elements {
		switch el := el.(type) {
		case DataElement:
			putChunkedHeader(hdr[:], offset, len(el.Payload))
			if err := ch.WriteFull(hdr[:]); err != nil {
				return 0, err
			}
			if err := ch.WriteFull(el.Payload); err != nil {
				return 0, err
			}
			offset += int64(len(el.Payload))
			t.add(int64(len(el.Payload)))
		case EmptyElement:
			if !opts.PreZeroed {
				return 0, NewFramingError(fmt.Sprintf("element %d: empty run reached the chunked serializer but the destination is not pre-zeroed", i))
			}
			offset += el.SectorCount * SectorSize
		case CopyElement:
			return 0, NewFramingError(fmt.Sprintf("element %d: copy run reached the chunked serializer; streams must be copy-expanded first", i))
		}
	}
	putChunkedHeader(hdr[:], 0, 0)
	if err := ch.WriteFull(hdr[:]); err != nil {
		return 0, err
	}
	t.finish()
	return work, nil
}

// SerializeHuman prints one line per element plus summary totals. It is
// purely diagnostic: no wire framing, no work accounting.
func SerializeHuman(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error) {
	t := newProgressTracker(0, progress)
	var offset int64
	for _, el := range s.Elements {
		length := el.Sectors() * SectorSize
		var kind string
		switch el.(type) {
		case DataElement:
			kind = "data"
		case EmptyElement:
			kind = "empty"
		case CopyElement:
			kind = "copy"
		}
		line := fmt.Sprintf("%12d %-5s %12d\n", offset, kind, length)
		if err := ch.WriteFull([]byte(line)); err != nil {
			return 0, err
		}
		offset += length
	}
	summary := fmt.Sprintf("total %d bytes (%d metadata, %d empty, %d copy)\n",
		s.Size.TotalBytes, s.Size.MetadataBytes, s.Size.EmptyBytes, s.Size.CopyBytes)
	if err := ch.WriteFull([]byte(summary)); err != nil {
		return 0, err
	}
	t.finish()
	return 0, nil
}

// DecodeRaw copies the channel's bytes into the destination sequentially
// from offset zero, until the stream ends.
func DecodeRaw(ch Channel, out io.WriterAt, opts DecodeOptions) error {
	r := channelToReader(ch)
	buf := make([]byte, defaultBufferSize)
	var offset int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := out.WriteAt(buf[:n], offset); werr != nil {
				return NewTransportError("write destination", werr)
			}
			offset += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewTransportError("read stream", err)
		}
	}
}

// DecodeChunked reconstructs a raw image from a chunked stream, writing
// each payload at its declared offset. Payloads are drained in bounded
// slices so a slow transport cannot force a huge buffer.
func DecodeChunked(ch Channel, out io.WriterAt, opts DecodeOptions) error {
	var hdr [chunkedHeaderSize]byte
	buf := make([]byte, defaultBufferSize)
	for {
		if err := ch.ReadFull(hdr[:]); err != nil {
			return err
		}
		offset := int64(binary.BigEndian.Uint64(hdr[0:8]))
		length := int64(binary.BigEndian.Uint32(hdr[8:12]))
		if length == 0 {
			if offset != 0 {
				return NewFramingError(fmt.Sprintf("end marker carries non-zero offset %d", offset))
			}
			logger.Debug("chunked stream complete")
			return nil
		}
		var done int64
		for done < length {
			n := length - done
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			if err := ch.ReadFull(buf[:n]); err != nil {
				return err
			}
			if _, err := out.WriteAt(buf[:n], offset+done); err != nil {
				return NewTransportError("write destination", err)
			}
			done += n
		}
	}
}
