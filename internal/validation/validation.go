package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidAddr     = errors.New("invalid listen address")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrOutOfRange      = errors.New("value out of range")
)

// ValidateAddr checks a host:port listen address. The host may be empty.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateWebSocketURL accepts ws, wss, http and https URLs with a host.
func ValidateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}
	return nil
}

// ValidateQUICEndpoint accepts host, host:port or a URL whose scheme and path
// are ignored. Ports must be numeric or a known service name.
func ValidateQUICEndpoint(raw string) error {
	hostport := raw
	if i := strings.Index(hostport, "://"); i >= 0 {
		hostport = hostport[i+3:]
	}
	if i := strings.IndexByte(hostport, '/'); i >= 0 {
		hostport = hostport[:i]
	}
	if hostport == "" {
		return fmt.Errorf("%w: empty quic endpoint", ErrInvalidEndpoint)
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port; a bare host is allowed
		if strings.ContainsRune(hostport, ' ') {
			return fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
		}
		return nil
	}
	if host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, raw)
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
