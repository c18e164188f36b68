package diskstream

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
)

type nbdWrite struct {
	offset  int64
	payload []byte
}

// fakeNBDServer speaks just enough oldstyle NBD to collect write commands.
func fakeNBDServer(t *testing.T, conn net.Conn, exportSize int64, writes chan<- nbdWrite) {
	t.Helper()
	go func() {
		defer conn.Close()
		defer close(writes)

		var greeting [152]byte
		copy(greeting[0:8], nbdPassword)
		binary.BigEndian.PutUint64(greeting[8:16], nbdCliservMagic)
		binary.BigEndian.PutUint64(greeting[16:24], uint64(exportSize))
		if _, err := conn.Write(greeting[:]); err != nil {
			return
		}

		var req [nbdRequestSize]byte
		for {
			if _, err := io.ReadFull(conn, req[:]); err != nil {
				return
			}
			if binary.BigEndian.Uint32(req[0:4]) != nbdRequestMagic {
				t.Error("server saw bad request magic")
				return
			}
			cmd := binary.BigEndian.Uint32(req[4:8])
			handle := binary.BigEndian.Uint64(req[8:16])
			offset := int64(binary.BigEndian.Uint64(req[16:24]))
			length := binary.BigEndian.Uint32(req[24:28])
			switch cmd {
			case nbdCmdWrite:
				payload := make([]byte, length)
				if _, err := io.ReadFull(conn, payload); err != nil {
					return
				}
				writes <- nbdWrite{offset: offset, payload: payload}

				var reply [nbdReplySize]byte
				binary.BigEndian.PutUint32(reply[0:4], nbdReplyMagic)
				binary.BigEndian.PutUint64(reply[8:16], handle)
				if _, err := conn.Write(reply[:]); err != nil {
					return
				}
			case nbdCmdDisconnect:
				return
			default:
				t.Errorf("server saw unexpected command %d", cmd)
				return
			}
		}
	}()
}

func TestSerializeNBD(t *testing.T) {
	client, server := net.Pipe()
	writes := make(chan nbdWrite, 4)
	fakeNBDServer(t, server, 1<<30, writes)

	s := exampleStream()
	rec := &progressRecorder{}
	work, err := SerializeNBD(newConnChannel(client, nil), s, SerializeOptions{PreZeroed: true}, rec.callback())
	if err != nil {
		t.Fatalf("SerializeNBD failed: %v", err)
	}
	if work != 1024 {
		t.Errorf("work = %d, want 1024", work)
	}
	rec.checkMonotonic(t, 1024)

	var got []nbdWrite
	for w := range writes {
		got = append(got, w)
	}
	if len(got) != 2 {
		t.Fatalf("server saw %d writes, want 2", len(got))
	}
	if got[0].offset != 0 || got[1].offset != 1536 {
		t.Errorf("write offsets %d, %d; want 0, 1536", got[0].offset, got[1].offset)
	}
	if !bytes.Equal(got[0].payload, bytes.Repeat([]byte{0xaa}, SectorSize)) {
		t.Error("first write payload corrupted")
	}
	if !bytes.Equal(got[1].payload, bytes.Repeat([]byte{0xbb}, SectorSize)) {
		t.Error("second write payload corrupted")
	}
}

func TestSerializeNBD_ExportTooSmall(t *testing.T) {
	client, server := net.Pipe()
	writes := make(chan nbdWrite, 1)
	fakeNBDServer(t, server, 1024, writes)
	defer client.Close()

	_, err := SerializeNBD(newConnChannel(client, nil), exampleStream(), SerializeOptions{PreZeroed: true}, nil)
	if GetErrorCode(err) != "UNSUPPORTED_COMBINATION" {
		t.Errorf("got %v, want unsupported combination", err)
	}
}

func TestNBDNegotiate_RejectsBadMagic(t *testing.T) {
	ch := newMemChannel(bytes.Repeat([]byte{0x00}, 152))
	if _, err := nbdNegotiate(ch); GetErrorCode(err) != "FRAMING_ERROR" {
		t.Errorf("got %v, want framing error", err)
	}
}
