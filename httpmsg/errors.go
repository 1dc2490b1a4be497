package httpmsg

import (
	"errors"
	"fmt"

	"github.com/migadu/bender/helpers"
)

// ErrLineTooLong is wrapped by a ParseError when a line exceeds the reader's
// MaxLineLength.
var ErrLineTooLong = errors.New("line too long")

// ParseError reports malformed framing: a bad start-line, header line or
// chunk-size line. It is always fatal to the message being parsed.
type ParseError struct {
	Element string // "request-line", "status-line", "header", "chunk-size", "chunk"
	Input   string
	Reason  string
	Err     error
}

func newParseError(element, input, reason string) *ParseError {
	return &ParseError{Element: element, Input: input, Reason: reason}
}

// Error quotes Input after dropping invalid UTF-8 and truncating it, since
// it comes straight off the wire.
func (e *ParseError) Error() string {
	input := helpers.SanitizeForLog(e.Input)
	if e.Err != nil {
		return fmt.Sprintf("httpmsg: invalid %s %q: %s: %v", e.Element, input, e.Reason, e.Err)
	}
	return fmt.Sprintf("httpmsg: invalid %s %q: %s", e.Element, input, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
