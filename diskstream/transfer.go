package diskstream

import (
	"context"
	"os"
	"time"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// SendOptions parameterizes one whole transfer. Transfers are
// all-or-nothing; retries, if wanted, are the caller's business.
type SendOptions struct {
	Source       string
	SourceFormat SourceFormat
	// Reference is the backing image read for copy runs.
	Reference   string
	Destination string
	// Protocol forces a wire encoding. Nil lets the endpoint's preference
	// order (or HTTP negotiation) decide.
	Protocol *Protocol
	// PreZeroed asserts the destination reads back zero wherever the
	// transfer does not write.
	PreZeroed bool
	TarPrefix string
	Gzip      bool
	Channel   ChannelConfig
}

// TransferStats summarizes a completed transfer.
type TransferStats struct {
	Protocol Protocol
	Work     int64
	Duration time.Duration
}

// Throughput returns the effective transfer rate in MiB/s.
func (st *TransferStats) Throughput() float64 {
	secs := st.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(st.Work) / (1 << 20) / secs
}

// Send runs the conversion pipeline: read the source into a Stream,
// normalize it for the selected protocol, open the destination channel and
// serialize. The channel is closed exactly once on every path; a close
// failure after an earlier error is logged, never allowed to mask it.
func Send(ctx context.Context, opts SendOptions, progress ProgressCallback) (*TransferStats, error) {
	if opts.Destination == "" {
		return nil, NewArgumentError("destination")
	}
	format := opts.SourceFormat
	if format == "" {
		format = FormatRaw
	}

	stream, err := OpenStream(format, opts.Source, opts.Reference)
	if err != nil {
		return nil, err
	}
	if err := stream.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := ParseEndpoint(opts.Destination)
	if err != nil {
		return nil, err
	}

	ch, proto, err := Negotiate(ctx, endpoint, opts.Protocol, opts.Channel)
	if err != nil {
		return nil, err
	}
	logger.Info("sending %s (%d bytes) to %s via %v",
		opts.Source, stream.Size.TotalBytes, endpoint, proto)

	stats, err := sendOnChannel(ch, proto, stream, opts, progress)
	cerr := ch.Close()
	if err != nil {
		if cerr != nil {
			logger.Warn("close after failed transfer also failed: %v", cerr)
		}
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	return stats, nil
}

func sendOnChannel(ch Channel, proto Protocol, stream *Stream, opts SendOptions, progress ProgressCallback) (*TransferStats, error) {
	// Sizing the destination up front makes trailing skips land inside the
	// file instead of past its end.
	if pa, ok := ch.(Preallocator); ok && proto == ProtocolRaw {
		if err := pa.Preallocate(stream.Size.TotalBytes); err != nil {
			return nil, err
		}
	}

	// The human encoder describes runs as they are; every other protocol
	// needs literal bytes for copy runs, and for empty runs too unless the
	// destination is pre-zeroed.
	if proto != ProtocolHuman {
		if !opts.PreZeroed {
			stream = ExpandEmpty(stream)
		}
		var reference *os.File
		if opts.Reference != "" {
			var err error
			reference, err = os.Open(opts.Reference)
			if err != nil {
				return nil, NewTransportError("open reference", err)
			}
			defer reference.Close()
		}
		expanded, err := expandCopyMaybe(stream, reference)
		if err != nil {
			return nil, err
		}
		stream = expanded
	}

	enc, err := proto.Encoder()
	if err != nil {
		return nil, err
	}
	sopts := SerializeOptions{
		PreZeroed: opts.PreZeroed,
		TarPrefix: opts.TarPrefix,
		Gzip:      opts.Gzip,
	}

	start := time.Now()
	work, err := enc(ch, stream, sopts, progress)
	if err != nil {
		return nil, err
	}
	stats := &TransferStats{
		Protocol: proto,
		Work:     work,
		Duration: time.Since(start),
	}
	logger.Info("transferred %d bytes in %v (%.1f MiB/s)", stats.Work, stats.Duration, stats.Throughput())
	return stats, nil
}

// expandCopyMaybe is the unconditional expand-copy pass; it is a no-op for
// streams without copy runs so sources with no reference stay cheap.
func expandCopyMaybe(stream *Stream, reference *os.File) (*Stream, error) {
	if stream.Size.CopyBytes == 0 {
		return stream, nil
	}
	if reference == nil {
		return nil, NewArgumentError("reference image")
	}
	return ExpandCopy(stream, reference)
}
