package httpmsg

import (
	"strconv"
	"strings"
)

// General header names.
const (
	HeaderCacheControl     = "Cache-Control"
	HeaderConnection       = "Connection"
	HeaderPragma           = "Pragma"
	HeaderProxyConnection  = "Proxy-Connection"
	HeaderTrailer          = "Trailer"
	HeaderTransferEncoding = "Transfer-Encoding"
)

// Entity header names.
const (
	HeaderAllow           = "Allow"
	HeaderContentEncoding = "Content-Encoding"
	HeaderContentLanguage = "Content-Language"
	HeaderContentLength   = "Content-Length"
	HeaderContentLocation = "Content-Location"
	HeaderContentRange    = "Content-Range"
	HeaderContentType     = "Content-Type"
	HeaderExpires         = "Expires"
	HeaderLastModified    = "Last-Modified"
)

// Request header names.
const (
	HeaderAccept             = "Accept"
	HeaderAcceptEncoding     = "Accept-Encoding"
	HeaderAuthorization      = "Authorization"
	HeaderExpect             = "Expect"
	HeaderHost               = "Host"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderReferer            = "Referer"
	HeaderUserAgent          = "User-Agent"
)

// Response header names.
const (
	HeaderAge               = "Age"
	HeaderLocation          = "Location"
	HeaderProxyAuthenticate = "Proxy-Authenticate"
	HeaderRetryAfter        = "Retry-After"
	HeaderServer            = "Server"
)

// The accessors below are views over a Headers collection; they hold no
// state of their own.

func CacheControl(h *Headers) string { return h.Get(HeaderCacheControl) }
func SetCacheControl(h *Headers, v string) { h.Set(HeaderCacheControl, v) }
func Connection(h *Headers) string { return h.Get(HeaderConnection) }
func SetConnection(h *Headers, v string) { h.Set(HeaderConnection, v) }
func Pragma(h *Headers) string { return h.Get(HeaderPragma) }
func ProxyConnection(h *Headers) string { return h.Get(HeaderProxyConnection) }
func Trailer(h *Headers) string { return h.Get(HeaderTrailer) }
func TransferEncoding(h *Headers) string { return h.Get(HeaderTransferEncoding) }
func SetTransferEncoding(h *Headers, v string) { h.Set(HeaderTransferEncoding, v) }

func ContentType(h *Headers) string { return h.Get(HeaderContentType) }
func SetContentType(h *Headers, v string) { h.Set(HeaderContentType, v) }
func ContentEncoding(h *Headers) string { return h.Get(HeaderContentEncoding) }

func Host(h *Headers) string { return h.Get(HeaderHost) }
func SetHost(h *Headers, v string) { h.Set(HeaderHost, v) }
func UserAgent(h *Headers) string { return h.Get(HeaderUserAgent) }
func Referer(h *Headers) string { return h.Get(HeaderReferer) }
func Server(h *Headers) string { return h.Get(HeaderServer) }
func Location(h *Headers) string { return h.Get(HeaderLocation) }

// ContentLength parses the Content-Length header. It reports false when the
// header is absent or not a non-negative integer.
func ContentLength(h *Headers) (int64, bool) {
	v, ok := h.Lookup(HeaderContentLength)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SetContentLength writes the Content-Length header.
func SetContentLength(h *Headers, n int64) {
	h.Set(HeaderContentLength, strconv.FormatInt(n, 10))
}

// WantsClose reports whether the Connection header carries the close token.
func WantsClose(h *Headers) bool {
	for _, token := range strings.FieldsFunc(Connection(h), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\r' || r == '\n' || r == '\t'
	}) {
		if strings.EqualFold(token, "close") {
			return true
		}
	}
	return false
}
