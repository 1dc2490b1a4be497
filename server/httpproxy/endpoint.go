package httpproxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/migadu/bender/httpmsg"
)

// Endpoint is a destination host and port.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ResolveEndpoint derives the destination of a request. The Host header
// wins; a Host without a port gets defaultPort. Without a Host header the
// host and port of an absolute request URI are used.
func ResolveEndpoint(h *httpmsg.Header, defaultPort int) (Endpoint, error) {
	if host := strings.TrimSpace(httpmsg.Host(h.Headers)); host != "" {
		return parseHostPort(host, defaultPort)
	}

	u, err := url.Parse(h.URI)
	if err != nil || u.Host == "" {
		return Endpoint{}, &httpmsg.ParseError{Element: "host", Input: h.URI, Reason: "request names no destination host", Err: err}
	}
	port := defaultPort
	if strings.EqualFold(u.Scheme, "https") {
		port = 443
	}
	return parseHostPort(u.Host, port)
}

func parseHostPort(s string, defaultPort int) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if host == "" {
			return Endpoint{}, &httpmsg.ParseError{Element: "host", Input: s, Reason: "empty host"}
		}
		return Endpoint{Host: host, Port: defaultPort}, nil
	}
	if host == "" {
		return Endpoint{}, &httpmsg.ParseError{Element: "host", Input: s, Reason: "empty host"}
	}
	if portStr == "" {
		return Endpoint{Host: host, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, &httpmsg.ParseError{Element: "host", Input: s, Reason: "invalid port", Err: err}
	}
	return Endpoint{Host: host, Port: port}, nil
}
