package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/bender/logger"
)

const bufferSize = 8192

// Writer serializes message headers and bodies onto an output stream.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, bufferSize)}
}

// Write emits h followed by its body and returns the framing that was used.
// The header block is flushed before the first body byte. body may be nil
// for a message without a body; knownLength is the number of body bytes
// known to be available on body out-of-band.
func (w *Writer) Write(h *Header, body io.Reader, knownLength int64) (Framing, error) {
	if err := w.writeHeader(h); err != nil {
		return FramingNone, err
	}

	framing := SelectFraming(h, body != nil, knownLength)

	var err error
	switch framing {
	case FramingNone:
		if body != nil {
			logger.Debug("Message body is empty", "start_line", h.StartLine())
		}
		return framing, nil
	case FramingChunked:
		err = w.copyChunked(body)
	case FramingContentLength:
		n, _ := ContentLength(h.Headers)
		err = w.copyN(body, n)
	case FramingRaw:
		_, err = io.Copy(w.bw, body)
	}
	if err != nil {
		return framing, err
	}

	if _, err := w.bw.WriteString("\r\n"); err != nil {
		return framing, err
	}
	return framing, w.bw.Flush()
}

// WriteGatewayTimeout emits the synthetic 504 response.
func (w *Writer) WriteGatewayTimeout() error {
	h, body := NewGatewayTimeout()
	_, err := w.Write(h, bytes.NewReader(body), int64(len(body)))
	return err
}

func (w *Writer) writeHeader(h *Header) error {
	w.bw.WriteString(h.StartLine())
	w.bw.WriteString("\r\n")
	for _, line := range h.Headers.Lines() {
		w.bw.WriteString(line)
		w.bw.WriteString("\r\n")
	}
	w.bw.WriteString("\r\n")
	return w.bw.Flush()
}

func (w *Writer) copyN(src io.Reader, n int64) error {
	copied, err := io.CopyN(w.bw, src, n)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("body ended after %d of %d bytes: %w", copied, n, io.ErrUnexpectedEOF)
	}
	return err
}

// copyChunked re-frames a source that is already chunk-framed: each chunk is
// read with its size line and re-emitted, and trailer lines following the
// last chunk are forwarded.
func (w *Writer) copyChunked(body io.Reader) error {
	br, ok := body.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(body, bufferSize)
	}
	cr := NewReader(br)

	for {
		size, err := cr.ReadNextChunkSize()
		if err != nil {
			return err
		}
		if size == 0 {
			break
		}

		fmt.Fprintf(w.bw, "%x\r\n", size)
		if err := w.bw.Flush(); err != nil {
			return err
		}
		if err := w.copyN(br, size); err != nil {
			return err
		}
		if err := cr.ReadChunkTerminator(); err != nil {
			return err
		}
		w.bw.WriteString("\r\n")
		if err := w.bw.Flush(); err != nil {
			return err
		}
	}

	w.bw.WriteString("0\r\n")
	trailers, err := cr.ReadTrailers()
	if err != nil {
		return err
	}
	for _, line := range trailers {
		w.bw.WriteString(line)
		w.bw.WriteString("\r\n")
	}
	return w.bw.Flush()
}
