package diskstream

import (
	"fmt"
	"io"
)

// maxExpandedPayload caps the payload size of elements produced by the
// normalizer so that huge empty or copy runs never materialize in one
// allocation.
const maxExpandedPayload = 2 << 20

// ExpandEmpty returns a new Stream in which every EmptyElement has been
// replaced by zero-filled DataElements of the same total length. Element
// order and the total sector count are preserved. Apply it whenever the
// destination is not pre-zeroed; skipping it for a pre-zeroed destination
// is an optimization, skipping it for anything else corrupts the result.
func ExpandEmpty(s *Stream) *Stream {
	out := &Stream{
		Size: SizeSummary{
			TotalBytes:    s.Size.TotalBytes,
			MetadataBytes: s.Size.MetadataBytes,
			CopyBytes:     s.Size.CopyBytes,
		},
	}
	out.Elements = make([]Element, 0, len(s.Elements))
	for _, el := range s.Elements {
		empty, ok := el.(EmptyElement)
		if !ok {
			out.Elements = append(out.Elements, el)
			continue
		}
		remaining := empty.SectorCount * SectorSize
		for remaining > 0 {
			n := remaining
			if n > maxExpandedPayload {
				n = maxExpandedPayload
			}
			out.Elements = append(out.Elements, DataElement{Payload: make([]byte, n)})
			remaining -= n
		}
	}
	return out
}

// ExpandCopy returns a new Stream in which every CopyElement has been
// replaced by DataElements holding the bytes read from the reference image
// at the element's source offset. Required before any protocol here: they
// all need literal bytes at the wire.
func ExpandCopy(s *Stream, reference io.ReaderAt) (*Stream, error) {
	out := &Stream{
		Size: SizeSummary{
			TotalBytes:    s.Size.TotalBytes,
			MetadataBytes: s.Size.MetadataBytes,
			EmptyBytes:    s.Size.EmptyBytes,
		},
	}
	out.Elements = make([]Element, 0, len(s.Elements))
	for i, el := range s.Elements {
		cp, ok := el.(CopyElement)
		if !ok {
			out.Elements = append(out.Elements, el)
			continue
		}
		if reference == nil {
			return nil, NewFramingError(fmt.Sprintf("element %d copies from a reference image but none was supplied", i))
		}
		offset := cp.SourceOffset
		remaining := cp.SectorCount * SectorSize
		for remaining > 0 {
			n := remaining
			if n > maxExpandedPayload {
				n = maxExpandedPayload
			}
			buf := make([]byte, n)
			if _, err := reference.ReadAt(buf, offset); err != nil {
				return nil, NewTransportError("read reference", err)
			}
			out.Elements = append(out.Elements, DataElement{Payload: buf})
			offset += n
			remaining -= n
		}
	}
	return out, nil
}
