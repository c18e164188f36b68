package diskstream

import (
	"bytes"
	"testing"
)

func TestStreamValidate(t *testing.T) {
	s := exampleStream()
	if err := s.Validate(); err != nil {
		t.Fatalf("valid stream rejected: %v", err)
	}

	bad := &Stream{
		Size:     SizeSummary{TotalBytes: 4096},
		Elements: []Element{DataElement{Payload: make([]byte, 1024)}},
	}
	if err := bad.Validate(); GetErrorCode(err) != "FRAMING_ERROR" {
		t.Errorf("sector/total mismatch: got %v, want framing error", err)
	}

	unaligned := &Stream{
		Size:     SizeSummary{TotalBytes: 100},
		Elements: []Element{DataElement{Payload: make([]byte, 100)}},
	}
	if err := unaligned.Validate(); err == nil {
		t.Error("unaligned payload accepted")
	}
}

func TestTotalWork(t *testing.T) {
	s := exampleStream()
	if got := s.TotalWork(false); got != 2048 {
		t.Errorf("TotalWork(false) = %d, want 2048", got)
	}
	if got := s.TotalWork(true); got != 1024 {
		t.Errorf("TotalWork(true) = %d, want 1024", got)
	}
}

func TestElementSectors(t *testing.T) {
	cases := []struct {
		el   Element
		want int64
	}{
		{DataElement{Payload: make([]byte, 3*SectorSize)}, 3},
		{EmptyElement{SectorCount: 7}, 7},
		{CopyElement{SourceOffset: 4096, SectorCount: 2}, 2},
	}
	for _, c := range cases {
		if got := c.el.Sectors(); got != c.want {
			t.Errorf("%T.Sectors() = %d, want %d", c.el, got, c.want)
		}
	}
}

func TestExpandEmpty(t *testing.T) {
	orig := exampleStream()
	expanded := ExpandEmpty(orig)

	if expanded.Size.EmptyBytes != 0 {
		t.Errorf("expanded stream still reports %d empty bytes", expanded.Size.EmptyBytes)
	}
	if expanded.Size.TotalBytes != orig.Size.TotalBytes {
		t.Errorf("total changed: %d -> %d", orig.Size.TotalBytes, expanded.Size.TotalBytes)
	}
	if err := expanded.Validate(); err != nil {
		t.Fatalf("expanded stream invalid: %v", err)
	}
	var concat []byte
	for _, el := range expanded.Elements {
		d, ok := el.(DataElement)
		if !ok {
			t.Fatalf("non-data element %T survived expansion", el)
		}
		concat = append(concat, d.Payload...)
	}
	if int64(len(concat)) != orig.Size.TotalBytes {
		t.Errorf("concatenated length %d, want %d", len(concat), orig.Size.TotalBytes)
	}
	if !bytes.Equal(concat[1024:1536], make([]byte, 512)) {
		t.Error("empty run did not expand to zeros")
	}

	// The original stream must be untouched.
	if _, ok := orig.Elements[1].(EmptyElement); !ok {
		t.Error("normalizer mutated the input stream")
	}
}

func TestExpandCopy(t *testing.T) {
	refData := bytes.Repeat([]byte{0xcd}, 4*SectorSize)
	s := &Stream{
		Size: SizeSummary{TotalBytes: 3 * SectorSize, CopyBytes: 2 * SectorSize},
		Elements: []Element{
			DataElement{Payload: bytes.Repeat([]byte{0x11}, SectorSize)},
			CopyElement{SourceOffset: 2 * SectorSize, SectorCount: 2},
		},
	}

	expanded, err := ExpandCopy(s, bytes.NewReader(refData))
	if err != nil {
		t.Fatalf("ExpandCopy failed: %v", err)
	}
	if expanded.Size.CopyBytes != 0 {
		t.Errorf("expanded stream still reports %d copy bytes", expanded.Size.CopyBytes)
	}
	if err := expanded.Validate(); err != nil {
		t.Fatalf("expanded stream invalid: %v", err)
	}
	last := expanded.Elements[len(expanded.Elements)-1].(DataElement)
	if !bytes.Equal(last.Payload, refData[2*SectorSize:]) {
		t.Error("copy run payload does not match reference bytes")
	}

	if _, err := ExpandCopy(s, nil); GetErrorCode(err) != "FRAMING_ERROR" {
		t.Errorf("missing reference: got %v, want framing error", err)
	}
}

func TestExpandEmptyThenCopy_OnlyData(t *testing.T) {
	ref := bytes.Repeat([]byte{0x42}, 2*SectorSize)
	s := &Stream{
		Size: SizeSummary{TotalBytes: 5 * SectorSize, EmptyBytes: 2 * SectorSize, CopyBytes: 2 * SectorSize},
		Elements: []Element{
			EmptyElement{SectorCount: 2},
			DataElement{Payload: make([]byte, SectorSize)},
			CopyElement{SourceOffset: 0, SectorCount: 2},
		},
	}
	out, err := ExpandCopy(ExpandEmpty(s), bytes.NewReader(ref))
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, el := range out.Elements {
		if _, ok := el.(DataElement); !ok {
			t.Fatalf("element %T survived full normalization", el)
		}
		total += el.Sectors() * SectorSize
	}
	if total != s.Size.TotalBytes {
		t.Errorf("normalized stream covers %d bytes, want %d", total, s.Size.TotalBytes)
	}
}
