package diskstream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// EndpointKind classifies a resolved destination.
type EndpointKind int

const (
	EndpointNull EndpointKind = iota
	EndpointStdout
	EndpointFD
	EndpointFile
	EndpointTCP
	EndpointUnix
	EndpointHTTP
)

var endpointKindNames = map[EndpointKind]string{
	EndpointNull:   "null",
	EndpointStdout: "stdout",
	EndpointFD:     "fd",
	EndpointFile:   "file",
	EndpointTCP:    "tcp",
	EndpointUnix:   "unix",
	EndpointHTTP:   "http",
}

func (k EndpointKind) String() string { return endpointKindNames[k] }

// Endpoint is a resolved, not-yet-opened destination. Parsing an endpoint
// performs no I/O; materializing its transport is OpenChannel's job.
type Endpoint struct {
	Kind EndpointKind

	// FD is set for fd:// endpoints.
	FD int
	// Path is set for file:// and unix:// endpoints.
	Path string
	// Addr is the host:port for tcp:// endpoints.
	Addr string
	// URL is set for http(s):// endpoints.
	URL *url.URL

	spec string
}

// ParseEndpoint resolves a destination specifier string into an Endpoint.
// Grammar: stdout: | null: | fd:///<int> | tcp://<host>:<port> |
// unix:///<path> | file:///<path> | http(s)://[user:pass@]host[:port]/path.
func ParseEndpoint(spec string) (Endpoint, error) {
	if spec == "" {
		return Endpoint{}, NewArgumentError("destination specifier")
	}
	switch spec {
	case "stdout:":
		return Endpoint{Kind: EndpointStdout, spec: spec}, nil
	case "null:":
		return Endpoint{Kind: EndpointNull, spec: spec}, nil
	}

	u, err := url.Parse(spec)
	if err != nil {
		return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("cannot parse destination %q", spec)).WithCause(err)
	}
	switch u.Scheme {
	case "fd":
		fd, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("bad file descriptor in %q", spec)).WithCause(err)
		}
		return Endpoint{Kind: EndpointFD, FD: fd, spec: spec}, nil
	case "tcp":
		if u.Port() == "" {
			return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("tcp destination %q needs host:port", spec))
		}
		return Endpoint{Kind: EndpointTCP, Addr: u.Host, spec: spec}, nil
	case "unix":
		if u.Path == "" {
			return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("unix destination %q needs a socket path", spec))
		}
		return Endpoint{Kind: EndpointUnix, Path: u.Path, spec: spec}, nil
	case "file":
		if u.Path == "" {
			return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("file destination %q needs a path", spec))
		}
		return Endpoint{Kind: EndpointFile, Path: u.Path, spec: spec}, nil
	case "http", "https":
		if u.Host == "" {
			return Endpoint{}, ErrArgument.WithMessage(fmt.Sprintf("http destination %q needs a host", spec))
		}
		return Endpoint{Kind: EndpointHTTP, URL: u, spec: spec}, nil
	default:
		return Endpoint{}, NewUnsupportedError(fmt.Sprintf("unknown destination scheme %q", u.Scheme))
	}
}

// String returns the original specifier.
func (e Endpoint) String() string { return e.spec }

// Protocols returns the protocols this endpoint kind can carry, in default
// preference order. The first entry is used when the caller does not force
// a protocol.
func (e Endpoint) Protocols() []Protocol {
	switch e.Kind {
	case EndpointNull, EndpointFile, EndpointFD:
		return []Protocol{ProtocolRaw, ProtocolChunked, ProtocolTar, ProtocolHuman}
	case EndpointStdout:
		return []Protocol{ProtocolRaw, ProtocolChunked, ProtocolTar, ProtocolHuman}
	case EndpointTCP, EndpointUnix:
		return []Protocol{ProtocolChunked, ProtocolNBD, ProtocolTar, ProtocolRaw}
	case EndpointHTTP:
		return []Protocol{ProtocolChunked, ProtocolNBD}
	default:
		return nil
	}
}

// SupportsProtocol reports whether the endpoint can carry p.
func (e Endpoint) SupportsProtocol(p Protocol) bool {
	for _, q := range e.Protocols() {
		if q == p {
			return true
		}
	}
	return false
}
