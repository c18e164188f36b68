package diskstream

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestFileChannel_WriteSkipClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	ch := newFileChannel(f, ChannelConfig{BufferSize: 16}, true)
	if !ch.seekable {
		t.Fatal("regular file probed as non-seekable")
	}

	if err := ch.WriteFull([]byte("head")); err != nil {
		t.Fatal(err)
	}
	if err := ch.Skip(4); err != nil {
		t.Fatal(err)
	}
	if err := ch.WriteFull([]byte("tail")); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("head"), 0, 0, 0, 0)
	want = append(want, []byte("tail")...)
	if !bytes.Equal(got, want) {
		t.Errorf("file content %q, want %q", got, want)
	}
}

func TestFileChannel_Preallocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prealloc.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	ch := newFileChannel(f, ChannelConfig{}, true)
	if err := ch.Preallocate(4096); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4096 {
		t.Errorf("size = %d, want 4096", info.Size())
	}
}

func TestConnChannel_SkipEmitsZeros(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan []byte, 1)
	go func() {
		buf, _ := io.ReadAll(server)
		done <- buf
	}()

	ch := newConnChannel(client, nil)
	if err := ch.WriteFull([]byte{0xab}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Skip(3); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	got := <-done
	if !bytes.Equal(got, []byte{0xab, 0, 0, 0}) {
		t.Errorf("peer saw % x, want ab 00 00 00", got)
	}
}

func TestOpenChannel_Null(t *testing.T) {
	e, err := ParseEndpoint("null:")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := OpenChannel(e, ChannelConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.WriteFull(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := ch.Skip(1 << 20); err != nil {
		t.Fatal(err)
	}
	if err := ch.ReadFull(make([]byte, 1)); err == nil {
		t.Error("null: allowed a read")
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
}

// bareChannel implements only the Channel interface, forcing
// channelToReader onto its fallback path.
type bareChannel struct {
	in *bytes.Reader
}

func (c *bareChannel) ReadFull(p []byte) error {
	if _, err := io.ReadFull(c.in, p); err != nil {
		return NewTransportError("read", err)
	}
	return nil
}
func (c *bareChannel) WriteFull(p []byte) error { return nil }
func (c *bareChannel) Skip(n int64) error       { return nil }
func (c *bareChannel) Close() error             { return nil }

func TestChannelToReader_Fallback(t *testing.T) {
	ch := &bareChannel{in: bytes.NewReader([]byte("fallback bytes"))}
	got, err := io.ReadAll(channelToReader(ch))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fallback bytes" {
		t.Errorf("read %q", got)
	}
}
