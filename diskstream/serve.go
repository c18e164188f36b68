package diskstream

import (
	"context"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// ReceiveOptions parameterizes the server side of a transfer: where to
// listen (or read), which protocol to decode, and where the reconstructed
// image lands.
type ReceiveOptions struct {
	// Listen is an endpoint specifier: tcp:// and unix:// listen and
	// accept one connection, file:// and fd:/// read directly.
	Listen   string
	Protocol Protocol
	Output   string
	Decode   DecodeOptions
	Channel  ChannelConfig
}

// Receive reconstructs a raw image from one incoming encoded stream. The
// output file is created fresh (so untouched regions read back zero) and
// written at explicit offsets only.
func Receive(ctx context.Context, opts ReceiveOptions) error {
	if opts.Output == "" {
		return NewArgumentError("output file")
	}
	endpoint, err := ParseEndpoint(opts.Listen)
	if err != nil {
		return err
	}
	dec, err := opts.Protocol.DecoderFor()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(opts.Output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return NewTransportError("create output", err)
	}
	defer out.Close()

	ch, err := receiveChannel(ctx, endpoint, opts.Channel)
	if err != nil {
		return err
	}
	logger.Info("receiving %v stream from %s into %s", opts.Protocol, endpoint, opts.Output)

	decodeErr := dec(ch, out, opts.Decode)
	cerr := ch.Close()
	if decodeErr != nil {
		if cerr != nil {
			logger.Warn("close after failed receive also failed: %v", cerr)
		}
		return decodeErr
	}
	if cerr != nil {
		return cerr
	}
	if err := out.Sync(); err != nil {
		return NewTransportError("sync output", err)
	}
	return nil
}

// receiveChannel materializes the read side of a receive: sockets listen
// and accept exactly one transfer, everything else opens directly.
func receiveChannel(ctx context.Context, e Endpoint, cfg ChannelConfig) (Channel, error) {
	switch e.Kind {
	case EndpointTCP, EndpointUnix:
		network, addr := "tcp", e.Addr
		if e.Kind == EndpointUnix {
			network, addr = "unix", e.Path
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, NewTransportError("listen "+addr, err)
		}
		conn, err := acceptOne(ctx, ln)
		if err != nil {
			return nil, err
		}
		return newConnChannel(conn, nil), nil
	case EndpointFile, EndpointFD:
		return OpenChannel(e, cfg)
	default:
		return nil, NewUnsupportedError("cannot receive from endpoint kind " + e.Kind.String())
	}
}

// acceptOne waits for a single connection, honoring context cancellation
// by closing the listener. The listener is closed before returning either
// way; one transfer per invocation.
func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var conn net.Conn
	g.Go(func() error {
		c, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return NewTransportError("accept", err)
		}
		conn = c
		cancel()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	err := g.Wait()
	if conn != nil {
		return conn, nil
	}
	if err == nil || err == context.Canceled {
		err = NewTransportError("accept", ctx.Err())
	}
	return nil, err
}
