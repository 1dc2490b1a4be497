package httpproxy

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/server"
)

// ErrInvalidContext is returned when a stage runs without the context
// fields it depends on.
var ErrInvalidContext = errors.New("invalid processing context")

// FailureKind classifies why processing of a connection ended early.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureParse
	FailureClientDisconnect
	FailureUpstreamTimeout
	FailureUpstreamDisconnect
	FailureUnexpectedEOF
	FailurePrecondition
	FailureUnclassified
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureParse:
		return "parse"
	case FailureClientDisconnect:
		return "client_disconnect"
	case FailureUpstreamTimeout:
		return "upstream_timeout"
	case FailureUpstreamDisconnect:
		return "upstream_disconnect"
	case FailureUnexpectedEOF:
		return "unexpected_eof"
	case FailurePrecondition:
		return "precondition"
	default:
		return "unclassified"
	}
}

// Failure is the terminal failure captured in a Context.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Classify maps an error from a processing stage onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrInvalidContext) {
		return FailurePrecondition
	}
	if httpmsg.IsParseError(err) {
		return FailureParse
	}

	var se *server.StreamError
	if errors.As(err, &se) {
		lost := server.IsReset(err) || errors.Is(err, net.ErrClosed) || errors.Is(err, server.ErrInterrupted)
		if se.Side == server.SideClient {
			if lost || server.IsTimeout(err) {
				return FailureClientDisconnect
			}
		} else {
			if server.IsTimeout(err) {
				return FailureUpstreamTimeout
			}
			if lost {
				return FailureUpstreamDisconnect
			}
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureUnexpectedEOF
	}
	return FailureUnclassified
}
