package diskstream

import "fmt"

// SectorSize is the virtual disk sector size. All element lengths are
// multiples of it.
const SectorSize = 512

// Element is one contiguous run of virtual-disk sectors. A Stream is an
// ordered sequence of elements covering the whole virtual disk with no gaps
// or overlaps; an element's virtual offset is the running sum of the sector
// counts before it.
type Element interface {
	// Sectors returns the length of the run in sectors.
	Sectors() int64

	element()
}

// DataElement carries literal bytes that must be transmitted.
// len(Payload) is a multiple of SectorSize.
type DataElement struct {
	Payload []byte
}

func (e DataElement) Sectors() int64 { return int64(len(e.Payload)) / SectorSize }
func (e DataElement) element()       {}

// EmptyElement is a logically zero-filled run. It may be skipped when the
// destination is known to be pre-zeroed.
type EmptyElement struct {
	SectorCount int64
}

func (e EmptyElement) Sectors() int64 { return e.SectorCount }
func (e EmptyElement) element()       {}

// CopyElement is a run whose bytes already exist in a reference image at
// SourceOffset. Protocols that need literal bytes require it to be expanded
// first (see ExpandCopy).
type CopyElement struct {
	SourceOffset int64
	SectorCount  int64
}

func (e CopyElement) Sectors() int64 { return e.SectorCount }
func (e CopyElement) element()       {}

// SizeSummary is the byte accounting of a Stream, computed once when the
// stream is produced. TotalBytes is the full virtual size; MetadataBytes is
// the portion of literal data that is container metadata rather than guest
// data; EmptyBytes and CopyBytes are the bytes covered by EmptyElement and
// CopyElement runs.
type SizeSummary struct {
	TotalBytes    int64
	MetadataBytes int64
	EmptyBytes    int64
	CopyBytes     int64
}

// Stream is a read-only ordered element sequence plus its size summary.
// It is produced fresh per transfer and never mutated; the normalizer
// passes return new Streams.
type Stream struct {
	Size     SizeSummary
	Elements []Element
}

// TotalWork returns the number of bytes a transfer of this stream has to
// move. Empty runs cost nothing when the destination is pre-zeroed.
func (s *Stream) TotalWork(preZeroed bool) int64 {
	if preZeroed {
		return s.Size.TotalBytes - s.Size.EmptyBytes
	}
	return s.Size.TotalBytes
}

// Validate checks the stream invariants: every element length is positive
// and sector-aligned, and the element sector counts sum to
// TotalBytes/SectorSize.
func (s *Stream) Validate() error {
	var sectors int64
	for i, el := range s.Elements {
		n := el.Sectors()
		if n <= 0 {
			return NewFramingError(fmt.Sprintf("element %d has non-positive length", i))
		}
		if d, ok := el.(DataElement); ok && int64(len(d.Payload))%SectorSize != 0 {
			return NewFramingError(fmt.Sprintf("element %d payload is not sector aligned", i))
		}
		sectors += n
	}
	if sectors*SectorSize != s.Size.TotalBytes {
		return NewFramingError(fmt.Sprintf("element sectors cover %d bytes, summary says %d",
			sectors*SectorSize, s.Size.TotalBytes))
	}
	if s.Size.MetadataBytes+s.Size.EmptyBytes+s.Size.CopyBytes > s.Size.TotalBytes {
		return NewFramingError("size summary components exceed total")
	}
	return nil
}
