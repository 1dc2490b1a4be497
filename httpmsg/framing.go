package httpmsg

// Framing is the body strategy chosen for one message.
type Framing int

const (
	// FramingNone writes the header only.
	FramingNone Framing = iota
	// FramingChunked re-frames an already chunk-framed source.
	FramingChunked
	// FramingContentLength copies exactly Content-Length bytes.
	FramingContentLength
	// FramingRaw copies a source of out-of-band known length until it ends.
	FramingRaw
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingChunked:
		return "chunked"
	case FramingContentLength:
		return "content-length"
	case FramingRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Definite reports whether the framing delimits the body on its own, so the
// stream is positioned at the next message once the body has been copied.
func (f Framing) Definite() bool {
	return f != FramingRaw
}

// SelectFraming decides how the body of h is written. hasBody is false when
// there is no body source at all; knownLength is the number of body bytes
// known to be available out-of-band (for instance already buffered from the
// peer).
func SelectFraming(h *Header, hasBody bool, knownLength int64) Framing {
	if !hasBody {
		return FramingNone
	}
	if h.Chunked() {
		return FramingChunked
	}
	if n, ok := ContentLength(h.Headers); ok && n > 0 {
		return FramingContentLength
	}
	if knownLength > 0 {
		return FramingRaw
	}
	return FramingNone
}
