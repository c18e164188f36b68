package diskstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vdisk-tools/diskstream/diskstream/logger"
)

// Protocol identifies a wire encoding of the element stream.
type Protocol int

const (
	// ProtocolRaw writes payload bytes verbatim, seeking over empty runs.
	ProtocolRaw Protocol = iota
	// ProtocolChunked frames each data element with an offset/length header.
	ProtocolChunked
	// ProtocolNBD negotiates with an NBD server and issues write commands.
	ProtocolNBD
	// ProtocolTar packages the disk as fixed-size tar entries with
	// per-chunk checksum entries.
	ProtocolTar
	// ProtocolHuman prints a diagnostic element map.
	ProtocolHuman
)

var protocolNames = map[Protocol]string{
	ProtocolRaw:     "raw",
	ProtocolChunked: "chunked",
	ProtocolNBD:     "nbd",
	ProtocolTar:     "tar",
	ProtocolHuman:   "human",
}

func (p Protocol) String() string { return protocolNames[p] }

// ParseProtocol maps a protocol name to its Protocol.
func ParseProtocol(name string) (Protocol, error) {
	for p, n := range protocolNames {
		if n == strings.ToLower(name) {
			return p, nil
		}
	}
	return 0, NewUnsupportedError(fmt.Sprintf("unknown protocol %q", name))
}

// ProgressCallback is called during a transfer to report progress.
// current: bytes of work done so far; total: the precomputed work total.
// Calls are monotonic and the final call equals total exactly.
type ProgressCallback func(current, total int64)

// SerializeOptions carries per-transfer serializer parameters.
type SerializeOptions struct {
	// PreZeroed asserts the destination reads back zero wherever we do not
	// write. Un-expanded empty runs are only legal when this is set.
	PreZeroed bool
	// TarPrefix names the tar chunk entries (tar protocol only).
	TarPrefix string
	// Gzip compresses the tar byte stream (tar protocol only).
	Gzip bool
}

// Serializer consumes a normalized stream and writes it to a channel,
// reporting progress after every element. It returns the work total.
type Serializer func(ch Channel, s *Stream, opts SerializeOptions, progress ProgressCallback) (int64, error)

// DecodeOptions carries per-transfer decoder parameters.
type DecodeOptions struct {
	// Prefix, when non-empty, is required of every tar entry name.
	Prefix string
	// VerifyChecksums checks each chunk against its checksum entry.
	VerifyChecksums bool
}

// Decoder reconstructs a raw image from a channel, writing at explicit
// byte offsets.
type Decoder func(ch Channel, out io.WriterAt, opts DecodeOptions) error

type protocolHandler struct {
	encode Serializer
	decode Decoder
}

// protocolTable is the single dispatch point for protocol behavior.
// Endpoint.Protocols holds the per-endpoint compatibility lists.
var protocolTable = map[Protocol]protocolHandler{
	ProtocolRaw:     {encode: SerializeRaw, decode: DecodeRaw},
	ProtocolChunked: {encode: SerializeChunked, decode: DecodeChunked},
	ProtocolNBD:     {encode: SerializeNBD},
	ProtocolTar:     {encode: SerializeTar, decode: DecodeTar},
	ProtocolHuman:   {encode: SerializeHuman},
}

// Encoder returns the serializer for p.
func (p Protocol) Encoder() (Serializer, error) {
	h, ok := protocolTable[p]
	if !ok || h.encode == nil {
		return nil, NewUnsupportedError(fmt.Sprintf("protocol %v has no encoder", p))
	}
	return h.encode, nil
}

// DecoderFor returns the decoder for p.
func (p Protocol) DecoderFor() (Decoder, error) {
	h, ok := protocolTable[p]
	if !ok || h.decode == nil {
		return nil, NewUnsupportedError(fmt.Sprintf("protocol %v has no decoder", p))
	}
	return h.decode, nil
}

// Negotiation headers. The sender advertises what it can speak on the PUT
// request; the server answers with the encoding it wants, nbd meaning the
// block protocol. Anything else, or no answer, selects chunked.
const (
	transferProtocolHeader = "X-Disk-Transfer"
	transferEncodingHeader = "X-Disk-Transfer-Encoding"
)

// Negotiate resolves the protocol for a transfer and opens its channel.
// forced, when non-nil, must be supported by the endpoint; the check
// happens before any byte is sent. For HTTP endpoints the server picks the
// protocol during the PUT handshake.
func Negotiate(ctx context.Context, e Endpoint, forced *Protocol, cfg ChannelConfig) (Channel, Protocol, error) {
	if forced != nil && !e.SupportsProtocol(*forced) {
		return nil, 0, NewUnsupportedError(fmt.Sprintf("endpoint %v does not carry protocol %v", e.Kind, *forced))
	}
	if e.Kind == EndpointHTTP {
		ch, proto, err := NegotiateHTTP(ctx, e)
		if err != nil {
			return nil, 0, err
		}
		if forced != nil && *forced != proto {
			// Best-effort close; the negotiation mismatch is the error
			// that matters.
			ch.Close()
			return nil, 0, NewUnsupportedError(fmt.Sprintf("server selected %v but %v was requested", proto, *forced))
		}
		return ch, proto, nil
	}

	proto := e.Protocols()[0]
	if forced != nil {
		proto = *forced
	}
	ch, err := OpenChannel(e, cfg)
	if err != nil {
		return nil, 0, err
	}
	return ch, proto, nil
}

// NegotiateHTTP opens a connection to an HTTP(S) endpoint, issues the PUT
// handshake and returns the raw channel the stream will flow over, plus
// the protocol the server selected.
func NegotiateHTTP(ctx context.Context, e Endpoint) (Channel, Protocol, error) {
	u := e.URL
	addr := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			addr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, NewTransportError("connect "+addr, err)
	}
	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, 0, NewTransportError("tls handshake", err)
		}
		conn = tlsConn
	}

	ch, proto, err := negotiateOverConn(conn, u)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	return ch, proto, nil
}

// negotiateOverConn runs the PUT handshake on an established connection.
// Split out so tests can drive it over a pipe.
func negotiateOverConn(conn net.Conn, u *url.URL) (Channel, Protocol, error) {
	req, err := http.NewRequest(http.MethodPut, u.String(), nil)
	if err != nil {
		return nil, 0, NewTransportError("build request", err)
	}
	req.Header.Set(transferProtocolHeader, "chunked,nbd")
	req.Header.Set("Content-Type", "application/octet-stream")
	if u.User != nil {
		pass, _ := u.User.Password()
		req.SetBasicAuth(u.User.Username(), pass)
	}

	logger.Debug("PUT %s advertising chunked,nbd", u.Redacted())
	if err := req.Write(conn); err != nil {
		return nil, 0, NewTransportError("send request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, 0, NewTransportError("read response", err)
	}
	// The handshake response has no body of interest; anything it does
	// carry must not be consumed from the stream that follows.
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, NewRejectedError(reasonPhrase(resp.Status, resp.StatusCode))
	}

	proto := ProtocolChunked
	if strings.EqualFold(resp.Header.Get(transferEncodingHeader), "nbd") {
		proto = ProtocolNBD
	}
	logger.Info("server selected %v transfer", proto)
	return newConnChannel(conn, br), proto, nil
}

func reasonPhrase(status string, code int) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
	if phrase == "" {
		phrase = status
	}
	return phrase
}
