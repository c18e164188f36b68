package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vdisk-tools/diskstream/diskstream"
	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

var (
	logLevel     string
	protocolName string
	formatName   string
	reference    string
	preZeroed    bool
	tarPrefix    string
	gzipStream   bool
	unbuffered   bool
	noProgress   bool
	recvPrefix   string
	noVerify     bool
)

const timeRound = 10 * time.Millisecond

func main() {
	rootCmd := &cobra.Command{
		Use:   "diskstream",
		Short: "Convert virtual disk images into wire streams and back",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLogLevel(logger.ParseLevel(logLevel))
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level: silent, error, warn, info, debug")

	sendCmd := &cobra.Command{
		Use:   "send <SOURCE> <DESTINATION>",
		Short: "Stream a disk image to a destination (stdout:, null:, fd:///N, file:///path, tcp://host:port, unix:///path, http(s)://...)",
		Args:  cobra.ExactArgs(2),
		Run:   runSend,
	}
	sendCmd.Flags().StringVar(&protocolName, "protocol", "", "Force a wire protocol: raw, chunked, nbd, tar, human")
	sendCmd.Flags().StringVar(&formatName, "format", "raw", "Source format: raw, rawdiff")
	sendCmd.Flags().StringVar(&reference, "reference", "", "Reference image backing copy runs (rawdiff format)")
	sendCmd.Flags().BoolVar(&preZeroed, "pre-zeroed", false, "Assert the destination reads back zero where not written")
	sendCmd.Flags().StringVar(&tarPrefix, "tar-prefix", "disk.", "Chunk entry name prefix for the tar protocol")
	sendCmd.Flags().BoolVar(&gzipStream, "gzip", false, "Compress the tar stream with gzip")
	sendCmd.Flags().BoolVar(&unbuffered, "unbuffered", false, "Disable buffered file I/O")
	sendCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	receiveCmd := &cobra.Command{
		Use:   "receive <LISTEN> <OUTPUT>",
		Short: "Reconstruct a raw image from an incoming stream (listen on tcp:///unix://, or read file:///fd:///)",
		Args:  cobra.ExactArgs(2),
		Run:   runReceive,
	}
	receiveCmd.Flags().StringVar(&protocolName, "protocol", "chunked", "Wire protocol to decode: raw, chunked, tar")
	receiveCmd.Flags().StringVar(&recvPrefix, "prefix", "", "Required tar entry name prefix")
	receiveCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip tar chunk checksum verification")
	receiveCmd.Flags().BoolVar(&unbuffered, "unbuffered", false, "Disable buffered file I/O")

	describeCmd := &cobra.Command{
		Use:   "describe <SOURCE>",
		Short: "Print the element map of a disk image without transferring it",
		Args:  cobra.ExactArgs(1),
		Run:   runDescribe,
	}
	describeCmd.Flags().StringVar(&formatName, "format", "raw", "Source format: raw, rawdiff")
	describeCmd.Flags().StringVar(&reference, "reference", "", "Reference image backing copy runs (rawdiff format)")

	rootCmd.AddCommand(sendCmd, receiveCmd, describeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) {
	opts := diskstream.SendOptions{
		Source:       args[0],
		Destination:  args[1],
		SourceFormat: diskstream.SourceFormat(formatName),
		Reference:    reference,
		PreZeroed:    preZeroed,
		TarPrefix:    tarPrefix,
		Gzip:         gzipStream,
		Channel:      diskstream.ChannelConfig{Unbuffered: unbuffered},
	}
	if protocolName != "" {
		proto, err := diskstream.ParseProtocol(protocolName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.Protocol = &proto
	}

	// Progress bar is enabled by default, but never on top of the human
	// protocol's own stdout output.
	showProgress := !noProgress && protocolName != "human" && args[1] != "stdout:"

	var progressCallback diskstream.ProgressCallback
	var bar *progressbar.ProgressBar
	var initOnce bool

	if showProgress {
		// Initialize the bar lazily, once the work total is known
		progressCallback = func(current, total int64) {
			if !initOnce && total > 0 {
				bar = progressbar.DefaultBytes(total, fmt.Sprintf("Sending %s", args[0]))
				initOnce = true
			}
			if bar != nil {
				bar.Set64(current)
			}
		}
	}

	stats, err := diskstream.Send(context.Background(), opts, progressCallback)
	if err != nil {
		if showProgress && bar != nil {
			fmt.Fprintln(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if showProgress && bar != nil {
		fmt.Println()
	}
	fmt.Printf("Transferred %d bytes via %v in %v (%.1f MiB/s)\n",
		stats.Work, stats.Protocol, stats.Duration.Round(timeRound), stats.Throughput())
}

func runReceive(cmd *cobra.Command, args []string) {
	proto, err := diskstream.ParseProtocol(protocolName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	opts := diskstream.ReceiveOptions{
		Listen:   args[0],
		Output:   args[1],
		Protocol: proto,
		Decode: diskstream.DecodeOptions{
			Prefix:          recvPrefix,
			VerifyChecksums: !noVerify,
		},
		Channel: diskstream.ChannelConfig{Unbuffered: unbuffered},
	}
	if err := diskstream.Receive(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reconstructed %s\n", args[1])
}

func runDescribe(cmd *cobra.Command, args []string) {
	human := diskstream.ProtocolHuman
	opts := diskstream.SendOptions{
		Source:       args[0],
		Destination:  "stdout:",
		SourceFormat: diskstream.SourceFormat(formatName),
		Reference:    reference,
		Protocol:     &human,
	}
	if _, err := diskstream.Send(context.Background(), opts, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
