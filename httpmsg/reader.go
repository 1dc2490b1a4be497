package httpmsg

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/migadu/bender/logger"
)

// DefaultMaxLineLength bounds a single start-line, header line or chunk-size
// line.
const DefaultMaxLineLength = 64 * 1024

// Reader parses message framing from a buffered byte stream. Blocking reads
// are bounded by whatever deadline the underlying connection carries.
type Reader struct {
	br *bufio.Reader

	// MaxLineLength caps the length of one line, 0 means DefaultMaxLineLength.
	MaxLineLength int
}

// NewReader wraps br. The caller keeps ownership of br; bytes it buffers
// beyond the header stay available to the body copy.
func NewReader(br *bufio.Reader) *Reader {
	return &Reader{br: br}
}

// Buffered returns the number of bytes already read from the underlying
// stream and not yet consumed.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadFirstLine skips empty and all-whitespace lines and returns the first
// line with content. It returns io.EOF if the stream ends before one arrives.
func (r *Reader) ReadFirstLine() (string, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

// ReadHeaders reads header lines up to the blank delimiter line or the end
// of input. Lines are returned raw.
func (r *Reader) ReadHeaders() ([]string, error) {
	var lines []string
	for {
		line, err := r.readLine()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// ReadMessageHeader reads a start-line and the header block that follows it.
func (r *Reader) ReadMessageHeader() (string, *Headers, error) {
	startLine, err := r.ReadFirstLine()
	if err != nil {
		return "", nil, err
	}
	headers, err := r.readHeaderBlock()
	if err != nil {
		return "", nil, err
	}
	return startLine, headers, nil
}

// ReadRequestHeader reads a request header. A malformed request line fails
// before any header line is consumed.
func (r *Reader) ReadRequestHeader() (*Header, error) {
	return r.readTyped(KindRequest)
}

// ReadResponseHeader reads a response header.
func (r *Reader) ReadResponseHeader() (*Header, error) {
	return r.readTyped(KindResponse)
}

func (r *Reader) readTyped(kind Kind) (*Header, error) {
	startLine, err := r.ReadFirstLine()
	if err != nil {
		return nil, err
	}
	h := &Header{kind: kind}
	if err := h.SetStartLine(startLine); err != nil {
		return nil, err
	}
	h.Headers, err = r.readHeaderBlock()
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Reader) readHeaderBlock() (*Headers, error) {
	lines, err := r.ReadHeaders()
	if err != nil {
		return nil, err
	}
	return ParseHeaders(lines)
}

// ReadNextChunkSize returns the size of the next chunk of a chunked body.
// At end of stream it returns 0. Chunk extensions are ignored.
func (r *Reader) ReadNextChunkSize() (int64, error) {
	if _, err := r.br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	line, err := r.ReadFirstLine()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	size, err := parseChunkSize(line)
	if err != nil {
		logger.Error("Wrong chunk size", "line", line, "error", err)
		return 0, err
	}
	return size, nil
}

// ReadChunkTerminator consumes the CRLF that follows a chunk payload.
func (r *Reader) ReadChunkTerminator() error {
	var crlf [2]byte
	n, err := io.ReadFull(r.br, crlf[:])
	if err != nil {
		return &ParseError{Element: "chunk", Input: string(crlf[:n]), Reason: "missing CRLF after chunk data", Err: err}
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return newParseError("chunk", string(crlf[:]), "expected CRLF after chunk data")
	}
	return nil
}

// ReadTrailers reads the trailer section after the last chunk, up to the
// blank line or end of input.
func (r *Reader) ReadTrailers() ([]string, error) {
	return r.ReadHeaders()
}

func parseChunkSize(line string) (int64, error) {
	raw := line
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] == '+' || raw[0] == '-' {
		return 0, newParseError("chunk-size", line, "not a hexadecimal size")
	}
	size, err := strconv.ParseInt(raw, 16, 64)
	if err != nil {
		return 0, &ParseError{Element: "chunk-size", Input: line, Reason: "not a hexadecimal size", Err: err}
	}
	return size, nil
}

// readLine returns one line without its CR LF terminator. A final line
// without a terminator is returned as is; the next call then reports io.EOF.
func (r *Reader) readLine() (string, error) {
	limit := r.MaxLineLength
	if limit <= 0 {
		limit = DefaultMaxLineLength
	}

	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		if len(line)+len(frag) > limit+2 {
			return "", &ParseError{Element: "line", Input: string(line[:min(len(line), 64)]), Reason: "exceeds maximum length", Err: ErrLineTooLong}
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			break
		}
		return "", err
	}

	line = trimEOL(line)
	if len(line) > limit {
		return "", &ParseError{Element: "line", Input: string(line[:min(len(line), 64)]), Reason: "exceeds maximum length", Err: ErrLineTooLong}
	}
	return string(line), nil
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
