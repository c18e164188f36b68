package diskstream

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeTempImage(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadRawStream(t *testing.T) {
	content := make([]byte, 8*SectorSize)
	copy(content[0:], bytes.Repeat([]byte{0x01}, 2*SectorSize))
	// sectors 2..5 stay zero
	copy(content[6*SectorSize:], bytes.Repeat([]byte{0x02}, 2*SectorSize))
	path := writeTempImage(t, "img.raw", content)

	s, err := ReadRawStream(path)
	if err != nil {
		t.Fatalf("ReadRawStream failed: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("stream invalid: %v", err)
	}
	if s.Size.TotalBytes != int64(len(content)) {
		t.Errorf("total = %d, want %d", s.Size.TotalBytes, len(content))
	}
	if s.Size.EmptyBytes != 4*SectorSize {
		t.Errorf("empty = %d, want %d", s.Size.EmptyBytes, 4*SectorSize)
	}
	if len(s.Elements) != 3 {
		t.Fatalf("got %d elements, want data/empty/data", len(s.Elements))
	}
	if _, ok := s.Elements[1].(EmptyElement); !ok {
		t.Errorf("middle element is %T, want EmptyElement", s.Elements[1])
	}
}

func TestReadRawStream_UnalignedSize(t *testing.T) {
	path := writeTempImage(t, "odd.raw", make([]byte, 700))
	if _, err := ReadRawStream(path); GetErrorCode(err) != "FRAMING_ERROR" {
		t.Errorf("got %v, want framing error", err)
	}
}

func TestReadRawDiffStream(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	ref := make([]byte, 6*SectorSize)
	rnd.Read(ref)
	refPath := writeTempImage(t, "ref.raw", ref)

	// Source: sectors 0-1 match the reference, 2-3 modified, 4-5 zero.
	src := append([]byte(nil), ref...)
	copy(src[2*SectorSize:], bytes.Repeat([]byte{0x99}, 2*SectorSize))
	copy(src[4*SectorSize:], make([]byte, 2*SectorSize))
	srcPath := writeTempImage(t, "src.raw", src)

	s, err := ReadRawDiffStream(srcPath, refPath)
	if err != nil {
		t.Fatalf("ReadRawDiffStream failed: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("stream invalid: %v", err)
	}
	if s.Size.CopyBytes != 2*SectorSize {
		t.Errorf("copy = %d, want %d", s.Size.CopyBytes, 2*SectorSize)
	}
	if s.Size.EmptyBytes != 2*SectorSize {
		t.Errorf("empty = %d, want %d", s.Size.EmptyBytes, 2*SectorSize)
	}
	cp, ok := s.Elements[0].(CopyElement)
	if !ok || cp.SourceOffset != 0 || cp.SectorCount != 2 {
		t.Errorf("first element = %#v, want 2-sector copy at 0", s.Elements[0])
	}

	// Full normalization against the reference restores the source bytes.
	refFile, err := os.Open(refPath)
	if err != nil {
		t.Fatal(err)
	}
	defer refFile.Close()
	normalized, err := ExpandCopy(ExpandEmpty(s), refFile)
	if err != nil {
		t.Fatal(err)
	}
	var concat []byte
	for _, el := range normalized.Elements {
		concat = append(concat, el.(DataElement).Payload...)
	}
	if !bytes.Equal(concat, src) {
		t.Error("normalized stream does not reproduce the source")
	}
}

func TestOpenStream_UnsupportedFormat(t *testing.T) {
	if _, err := OpenStream(FormatVHD, "whatever.vhd", ""); GetErrorCode(err) != "UNSUPPORTED_COMBINATION" {
		t.Errorf("got %v, want unsupported combination", err)
	}
	if _, err := OpenStream(FormatRaw, "", ""); GetErrorCode(err) != "ARGUMENT_MISSING" {
		t.Errorf("got %v, want missing argument", err)
	}
	if _, err := OpenStream(FormatRawDiff, "src.raw", ""); GetErrorCode(err) != "ARGUMENT_MISSING" {
		t.Errorf("got %v, want missing argument for reference", err)
	}
}
