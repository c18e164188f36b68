package diskstream

import (
	"encoding/binary"
	"fmt"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// NBD oldstyle negotiation and command framing, server to client first:
// "NBDMAGIC", the cliserv magic, export size, feature flags, 124 reserved
// bytes. Then the sender issues one write command per data element.
const (
	nbdPassword     = "NBDMAGIC"
	nbdCliservMagic = 0x00420281861253
	nbdRequestMagic = 0x25609513
	nbdReplyMagic   = 0x67446698

	nbdCmdWrite      = 1
	nbdCmdDisconnect = 2

	nbdRequestSize = 28
	nbdReplySize   = 16
)

// nbdNegotiation is the size and feature flags the server announced.
type nbdNegotiation struct {
	Size  int64
	Flags uint32
}

// nbdNegotiate reads the server's oldstyle greeting off the channel.
func nbdNegotiate(ch Channel) (nbdNegotiation, error) {
	var greeting [152]byte
	if err := ch.ReadFull(greeting[:]); err != nil {
		return nbdNegotiation{}, err
	}
	if string(greeting[0:8]) != nbdPassword {
		return nbdNegotiation{}, NewFramingError("peer is not an NBD server (bad password magic)")
	}
	if binary.BigEndian.Uint64(greeting[8:16]) != nbdCliservMagic {
		return nbdNegotiation{}, NewFramingError("bad NBD cliserv magic")
	}
	neg := nbdNegotiation{
		Size:  int64(binary.BigEndian.Uint64(greeting[16:24])),
		Flags: binary.BigEndian.Uint32(greeting[24:28]),
	}
	logger.Debug("nbd export: %d bytes, flags %#x", neg.Size, neg.Flags)
	return neg, nil
}

func nbdWriteCommand(ch Channel, handle uint64, offset int64, payload []byte) error {
	var req [nbdRequestSize]byte
	binary.BigEndian.PutUint32(req[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint32(req[4:8], nbdCmdWrite)
	binary.BigEndian.PutUint64(req[8:16], handle)
	binary.BigEndian.PutUint64(req[16:24], uint64(offset))
	binary.BigEndian.PutUint32(req[24:28], uint32(len(payload)))
	if err := ch.WriteFull(req[:]); err != nil {
		return err
	}
	if err := ch.WriteFull(payload); err != nil {
		return err
	}

	var reply [nbdReplySize]byte
	if err := ch.ReadFull(reply[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(reply[0:4]) != nbdReplyMagic {
		return NewFramingError("bad NBD reply magic")
	}
	if errno := binary.BigEndian.Uint32(reply[4:8]); errno != 0 {
		return NewRejectedError(fmt.Sprintf("NBD write at offset %d failed with error %d", offset, errno))
	}
	if got := binary.BigEndian.Uint64(reply[8:16]); got != handle {
		return NewFramingError(fmt.Sprintf("NBD reply handle %d does not match request %d", got, handle))
	}
	return nil
}

func nbdDisconnect(ch Channel, handle uint64) error {
	var req [nbdRequestSize]byte
	binary.BigEndian.PutUint32(req[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint32(req[4:8], nbdCmdDisconnect)
	binary.BigEndian.PutUint64(req[8:16], handle)
	return ch.WriteFull(req[:])
}

// SerializeNBD negotiates with an NBD server on the channel, then issues
// one write command per data element at its virtual offset. Empty runs are
// skipped like the raw serializer skips them; the export is assumed
// pre-zeroed by the same caller assertion.
func SerializeNBD(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error) {
	neg, err := nbdNegotiate(ch)
	if err != nil {
		return 0, err
	}
	if neg.Size < s.Size.TotalBytes {
		return 0, NewUnsupportedError(fmt.Sprintf("NBD export holds %d bytes, stream needs %d", neg.Size, s.Size.TotalBytes))
	}

	work := s.TotalWork(opts.PreZeroed)
	t := newProgressTracker(work, progress)
	var offset int64
	var handle uint64
	for i, el := range s.Elements {
		switch el := el.(type) {
		case DataElement:
			handle++
			if err := nbdWriteCommand(ch, handle, offset, el.Payload); err != nil {
				return 0, err
			}
			offset += int64(len(el.Payload))
			t.add(int64(len(el.Payload)))
		case EmptyElement:
			if !opts.PreZeroed {
				return 0, NewFramingError(fmt.Sprintf("element %d: empty run reached the NBD serializer but the destination is not pre-zeroed", i))
			}
			offset += el.SectorCount * SectorSize
		case CopyElement:
			return 0, NewFramingError(fmt.Sprintf("element %d: copy run reached the NBD serializer; streams must be copy-expanded first", i))
		}
	}
	handle++
	if err := nbdDisconnect(ch, handle); err != nil {
		return 0, err
	}
	t.finish()
	return work, nil
}
