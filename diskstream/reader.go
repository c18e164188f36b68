package diskstream

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// SourceFormat identifies the on-disk format of a transfer source.
type SourceFormat string

const (
	// FormatRaw is a flat raw image file.
	FormatRaw SourceFormat = "raw"
	// FormatRawDiff is a raw image read against a raw reference backing
	// file; sectors equal to the reference become copy runs.
	FormatRawDiff SourceFormat = "rawdiff"
	// FormatVHD is the differencing-chain container format. Parsing it is
	// the image reader collaborator's job, not this engine's.
	FormatVHD SourceFormat = "vhd"
)

// StreamReader maps a source path (and optional reference image path) to a
// Stream. Concrete readers for the proprietary container format are
// external collaborators; the raw readers below are built in.
type StreamReader func(path, reference string) (*Stream, error)

// readerChunkSectors is how many sectors the raw readers classify per
// element at most.
const readerChunkSectors = maxExpandedPayload / SectorSize

// OpenStream resolves a source format to a reader and produces the Stream.
func OpenStream(format SourceFormat, path, reference string) (*Stream, error) {
	if path == "" {
		return nil, NewArgumentError("source path")
	}
	switch format {
	case FormatRaw:
		return ReadRawStream(path)
	case FormatRawDiff:
		if reference == "" {
			return nil, NewArgumentError("reference image")
		}
		return ReadRawDiffStream(path, reference)
	default:
		return nil, NewUnsupportedError(fmt.Sprintf("source format %q requires an external image reader", format))
	}
}

// ReadRawStream scans a raw image file and produces a Stream whose all-zero
// sector runs are represented as EmptyElements.
func ReadRawStream(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewTransportError("open source", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewTransportError("stat source", err)
	}
	if info.Size()%SectorSize != 0 {
		return nil, NewFramingError(fmt.Sprintf("source size %d is not a multiple of the sector size", info.Size()))
	}

	s := &Stream{Size: SizeSummary{TotalBytes: info.Size()}}
	buf := make([]byte, readerChunkSectors*SectorSize)
	for {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, NewTransportError("read source", err)
		}
		appendClassified(s, buf[:n], nil, 0)
		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	logger.Debug("raw stream %s: %d bytes, %d empty, %d elements",
		path, s.Size.TotalBytes, s.Size.EmptyBytes, len(s.Elements))
	return s, nil
}

// ReadRawDiffStream scans a raw image against a raw reference backing file.
// Sector runs identical to the reference become CopyElements, all-zero runs
// become EmptyElements, the rest is literal data.
func ReadRawDiffStream(path, reference string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewTransportError("open source", err)
	}
	defer f.Close()

	ref, err := os.Open(reference)
	if err != nil {
		return nil, NewTransportError("open reference", err)
	}
	defer ref.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewTransportError("stat source", err)
	}
	refInfo, err := ref.Stat()
	if err != nil {
		return nil, NewTransportError("stat reference", err)
	}
	if info.Size()%SectorSize != 0 {
		return nil, NewFramingError(fmt.Sprintf("source size %d is not a multiple of the sector size", info.Size()))
	}

	s := &Stream{Size: SizeSummary{TotalBytes: info.Size()}}
	buf := make([]byte, readerChunkSectors*SectorSize)
	refBuf := make([]byte, readerChunkSectors*SectorSize)
	var offset int64
	for offset < info.Size() {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, NewTransportError("read source", err)
		}
		refN := 0
		if offset < refInfo.Size() {
			want := int64(n)
			if offset+want > refInfo.Size() {
				want = refInfo.Size() - offset
			}
			// The reference may be shorter than the source; compare what
			// overlaps and treat the rest as fresh data.
			if _, err := ref.ReadAt(refBuf[:want], offset); err != nil && err != io.EOF {
				return nil, NewTransportError("read reference", err)
			}
			refN = int(want)
		}
		appendClassified(s, buf[:n], refBuf[:refN], offset)
		offset += int64(n)
	}
	logger.Debug("rawdiff stream %s over %s: %d bytes, %d empty, %d copy",
		path, reference, s.Size.TotalBytes, s.Size.EmptyBytes, s.Size.CopyBytes)
	return s, nil
}

var zeroSector [SectorSize]byte

// appendClassified splits buf into sector runs of the same kind and appends
// them to the stream, coalescing with the previous element when possible.
// ref holds the reference bytes for the same offsets (may be shorter than
// buf); offset is buf's byte offset in the virtual disk.
func appendClassified(s *Stream, buf, ref []byte, offset int64) {
	for pos := 0; pos < len(buf); pos += SectorSize {
		sector := buf[pos : pos+SectorSize]
		switch {
		case pos+SectorSize <= len(ref) && bytes.Equal(sector, ref[pos:pos+SectorSize]):
			appendCopySector(s, offset+int64(pos))
		case bytes.Equal(sector, zeroSector[:]):
			appendEmptySector(s)
		default:
			appendDataSector(s, sector)
		}
	}
}

func appendEmptySector(s *Stream) {
	s.Size.EmptyBytes += SectorSize
	if n := len(s.Elements); n > 0 {
		if prev, ok := s.Elements[n-1].(EmptyElement); ok {
			s.Elements[n-1] = EmptyElement{SectorCount: prev.SectorCount + 1}
			return
		}
	}
	s.Elements = append(s.Elements, EmptyElement{SectorCount: 1})
}

func appendCopySector(s *Stream, srcOffset int64) {
	s.Size.CopyBytes += SectorSize
	if n := len(s.Elements); n > 0 {
		if prev, ok := s.Elements[n-1].(CopyElement); ok &&
			prev.SourceOffset+prev.SectorCount*SectorSize == srcOffset {
			s.Elements[n-1] = CopyElement{SourceOffset: prev.SourceOffset, SectorCount: prev.SectorCount + 1}
			return
		}
	}
	s.Elements = append(s.Elements, CopyElement{SourceOffset: srcOffset, SectorCount: 1})
}

func appendDataSector(s *Stream, sector []byte) {
	if n := len(s.Elements); n > 0 {
		if prev, ok := s.Elements[n-1].(DataElement); ok &&
			len(prev.Payload) < readerChunkSectors*SectorSize {
			s.Elements[n-1] = DataElement{Payload: append(prev.Payload, sector...)}
			return
		}
	}
	s.Elements = append(s.Elements, DataElement{Payload: append([]byte(nil), sector...)})
}
