package diskstream

import (
	"archive/tar"
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	godigest "github.com/opencontainers/go-digest"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// chunkIndexFromName extracts the 8-digit counter that ends every chunk
// entry name.
func chunkIndexFromName(name string) (int64, error) {
	if len(name) < 8 {
		return 0, NewFramingError(fmt.Sprintf("tar entry %q has no chunk counter", name))
	}
	idx, err := strconv.ParseInt(name[len(name)-8:], 10, 64)
	if err != nil || idx < 0 {
		return 0, NewFramingError(fmt.Sprintf("tar entry %q has no chunk counter", name))
	}
	return idx, nil
}

// DecodeTar reconstructs a raw image from a chunk/checksum tar stream.
// Each chunk entry lands at counter*TarChunkSize in the destination;
// checksum entries are verified against the chunk that preceded them (when
// opts.VerifyChecksums) and never written to disk. A gzip-compressed
// archive is detected and unwrapped transparently.
func DecodeTar(ch Channel, out io.WriterAt, opts DecodeOptions) error {
	br := bufio.NewReaderSize(channelToReader(ch), defaultBufferSize)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return NewFramingError("bad gzip stream: " + err.Error())
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	buf := make([]byte, defaultBufferSize)
	var lastChunkName string
	var lastDigest godigest.Digest
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewFramingError("bad tar header: " + err.Error())
		}
		name := hdr.Name
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			return NewFramingError(fmt.Sprintf("tar entry %q does not start with expected prefix %q", name, opts.Prefix))
		}

		if strings.HasSuffix(name, ChecksumSuffix) {
			if hdr.Size > 2*checksumHexLen {
				return NewFramingError(fmt.Sprintf("checksum entry %q is implausibly large (%d bytes)", name, hdr.Size))
			}
			payload := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, payload); err != nil {
				return NewTransportError("read checksum entry", err)
			}
			if !opts.VerifyChecksums {
				continue
			}
			if lastChunkName == "" || name != lastChunkName+ChecksumSuffix {
				return NewFramingError(fmt.Sprintf("checksum entry %q does not follow its chunk", name))
			}
			declared := godigest.NewDigestFromEncoded(checksumAlgorithm, string(payload))
			if declared != lastDigest {
				return NewFramingError(fmt.Sprintf("chunk %s checksum mismatch: archive says %s, payload hashes to %s",
					lastChunkName, declared, lastDigest))
			}
			lastChunkName = ""
			continue
		}

		idx, err := chunkIndexFromName(name)
		if err != nil {
			return err
		}
		offset := idx * TarChunkSize
		sum := sha1.New()
		var done int64
		for done < hdr.Size {
			n := hdr.Size - done
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			if _, err := io.ReadFull(tr, buf[:n]); err != nil {
				return NewTransportError("read chunk entry", err)
			}
			if _, err := out.WriteAt(buf[:n], offset+done); err != nil {
				return NewTransportError("write destination", err)
			}
			sum.Write(buf[:n])
			done += n
		}
		lastChunkName = name
		lastDigest = godigest.NewDigestFromEncoded(checksumAlgorithm, hex.EncodeToString(sum.Sum(nil)))
		logger.Debug("restored chunk %s at offset %d (%d bytes)", name, offset, hdr.Size)
	}
}
