package httpmsg

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/migadu/bender/helpers"
)

// Kind tags a Header as a request or a response. Each kind owns its
// start-line policy.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

var (
	requestLineRegex  = regexp.MustCompile(`^(\w+)\s+(\S.*?)\s+HTTP/(\d\.\d)\s*$`)
	responseLineRegex = regexp.MustCompile(`^HTTP/(\d\.\d)\s+(\d{3})(?:\s+(.*))?$`)
)

// startLinePolicy parses and formats the first line of one message kind.
type startLinePolicy interface {
	parse(h *Header, line string) error
	format(h *Header) string
}

type requestLinePolicy struct{}

func (requestLinePolicy) parse(h *Header, line string) error {
	m := requestLineRegex.FindStringSubmatch(line)
	if m == nil {
		return newParseError("request-line", line, "expected METHOD URI HTTP/VERSION")
	}
	h.Method, h.URI, h.Version = m[1], m[2], m[3]
	return nil
}

func (requestLinePolicy) format(h *Header) string {
	return fmt.Sprintf("%s %s HTTP/%s", h.Method, h.URI, h.Version)
}

type responseLinePolicy struct{}

func (responseLinePolicy) parse(h *Header, line string) error {
	m := responseLineRegex.FindStringSubmatch(line)
	if m == nil {
		return newParseError("status-line", line, "expected HTTP/VERSION STATUS REASON")
	}
	status, err := strconv.Atoi(m[2])
	if err != nil {
		return &ParseError{Element: "status-line", Input: line, Reason: "bad status code", Err: err}
	}
	h.Version, h.StatusCode, h.Reason = m[1], status, strings.TrimSpace(m[3])
	return nil
}

func (responseLinePolicy) format(h *Header) string {
	return fmt.Sprintf("HTTP/%s %d %s", h.Version, h.StatusCode, h.Reason)
}

var startLinePolicies = map[Kind]startLinePolicy{
	KindRequest:  requestLinePolicy{},
	KindResponse: responseLinePolicy{},
}

// Header is an HTTP message header: a start-line plus an ordered header
// collection. Once parsed, the typed start-line fields are the source of
// truth and StartLine rebuilds the canonical form from them.
type Header struct {
	kind Kind

	// Request fields
	Method string
	URI    string

	// Response fields
	StatusCode int
	Reason     string

	Version string
	Headers *Headers
}

// NewRequestHeader parses a request line into a request header with no
// header fields.
func NewRequestHeader(startLine string) (*Header, error) {
	return newHeader(KindRequest, startLine, NewHeaders())
}

// NewResponseHeader parses a status line into a response header with no
// header fields.
func NewResponseHeader(startLine string) (*Header, error) {
	return newHeader(KindResponse, startLine, NewHeaders())
}

// NewResponse builds a response header from its parts.
func NewResponse(statusCode int, reason, version string) *Header {
	return &Header{
		kind:       KindResponse,
		StatusCode: statusCode,
		Reason:     reason,
		Version:    version,
		Headers:    NewHeaders(),
	}
}

func newHeader(kind Kind, startLine string, headers *Headers) (*Header, error) {
	if headers == nil {
		headers = NewHeaders()
	}
	h := &Header{kind: kind, Headers: headers}
	if err := h.SetStartLine(startLine); err != nil {
		return nil, err
	}
	return h, nil
}

// Kind returns whether this is a request or a response header.
func (h *Header) Kind() Kind {
	return h.kind
}

// StartLine rebuilds the first line from the typed fields.
func (h *Header) StartLine() string {
	return startLinePolicies[h.kind].format(h)
}

// SetStartLine re-derives the typed fields from line. On failure the header
// is left unchanged.
func (h *Header) SetStartLine(line string) error {
	next := *h
	if err := startLinePolicies[h.kind].parse(&next, line); err != nil {
		return err
	}
	h.Method, h.URI, h.Version = next.Method, next.URI, next.Version
	h.StatusCode, h.Reason = next.StatusCode, next.Reason
	return nil
}

// Chunked reports whether Transfer-Encoding carries the chunked token.
func (h *Header) Chunked() bool {
	return strings.Contains(TransferEncoding(h.Headers), "chunked")
}

// String renders the header block without the terminating blank line.
func (h *Header) String() string {
	var sb strings.Builder
	sb.WriteString(h.StartLine())
	for _, line := range h.Headers.Lines() {
		sb.WriteString("\n")
		sb.WriteString(line)
	}
	return sb.String()
}

// LogValue renders the header as a structured trace for slog. Credential
// header values are masked.
func (h *Header) LogValue() slog.Value {
	if h == nil {
		return slog.StringValue("")
	}
	lines := h.Headers.Lines()
	for i, line := range lines {
		lines[i] = helpers.MaskHeaderLine(line, helpers.DefaultSensitiveHeaders...)
	}
	return slog.GroupValue(
		slog.String("start_line", h.StartLine()),
		slog.Any("headers", lines),
	)
}

// NewGatewayTimeout builds the synthetic response sent to a client when the
// upstream server did not answer in time.
func NewGatewayTimeout() (*Header, []byte) {
	body := []byte("Gateway Timeout")
	h := NewResponse(504, "Gateway Timeout", "1.1")
	SetContentType(h.Headers, "text/plain")
	SetContentLength(h.Headers, int64(len(body)))
	SetConnection(h.Headers, "close")
	return h, body
}

// HasResponseBody reports whether a response to requestMethod with the
// given status may carry a body.
func HasResponseBody(requestMethod string, status int) bool {
	if strings.EqualFold(requestMethod, "HEAD") {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}
