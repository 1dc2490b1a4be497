// Package httpmsg implements the HTTP/1.x message framing used by the proxy.
//
// The package is deliberately small and streaming: it never buffers a whole
// message body. It covers three concerns:
//   - Header model: an ordered header collection (Headers) and a message
//     header (Header) tagged as either a request or a response
//   - Reader: start-line, header and chunk-size parsing over a bufio.Reader
//   - Writer: serialization of a header plus a fixed-length, chunked or raw
//     body onto an io.Writer
//
// # Header semantics
//
// Lookups are case-insensitive and join repeated headers with CRLF:
//
//	h := httpmsg.NewHeaders()
//	h.Add("Set-Cookie", "a=1")
//	h.Add("set-cookie", "b=2")
//	h.Get("SET-COOKIE") // "a=1\r\nb=2"
//
// Set replaces the first exact-case match only, so mixed-case duplicates
// are merged on read but never on write.
//
// # Body framing
//
// Writer.Write picks a framing with SelectFraming, in priority order:
// chunked re-framing, Content-Length copy, raw copy of a known-length
// source, or no body at all.
package httpmsg
