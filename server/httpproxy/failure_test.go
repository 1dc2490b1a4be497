package httpproxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/server"
)

func streamErr(side server.Side, err error) error {
	return &server.StreamError{Side: side, Op: "read", Err: err}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"precondition", fmt.Errorf("%w: request header missing", ErrInvalidContext), FailurePrecondition},
		{"parse error", &httpmsg.ParseError{Element: "request-line", Input: "x", Reason: "bad"}, FailureParse},
		{"wrapped parse error", fmt.Errorf("read: %w", &httpmsg.ParseError{Element: "header"}), FailureParse},
		{"client timeout", streamErr(server.SideClient, os.ErrDeadlineExceeded), FailureClientDisconnect},
		{"client reset", streamErr(server.SideClient, syscall.ECONNRESET), FailureClientDisconnect},
		{"client closed", streamErr(server.SideClient, net.ErrClosed), FailureClientDisconnect},
		{"client interrupted", streamErr(server.SideClient, server.ErrInterrupted), FailureClientDisconnect},
		{"upstream timeout", streamErr(server.SideServer, os.ErrDeadlineExceeded), FailureUpstreamTimeout},
		{"upstream reset", streamErr(server.SideServer, syscall.ECONNRESET), FailureUpstreamDisconnect},
		{"upstream broken pipe", streamErr(server.SideServer, syscall.EPIPE), FailureUpstreamDisconnect},
		{"upstream interrupted", streamErr(server.SideServer, server.ErrInterrupted), FailureUpstreamDisconnect},
		{"eof", io.EOF, FailureUnexpectedEOF},
		{"short body", fmt.Errorf("body ended: %w", io.ErrUnexpectedEOF), FailureUnexpectedEOF},
		{"anything else", errors.New("boom"), FailureUnclassified},
		{"dial failure", fmt.Errorf("connect to x:80: %w", errors.New("no route")), FailureUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureError(t *testing.T) {
	f := &Failure{Kind: FailureUpstreamTimeout, Message: "Request to remote server has timed out", Err: os.ErrDeadlineExceeded}
	assert.Contains(t, f.Error(), "upstream_timeout")
	assert.ErrorIs(t, f, os.ErrDeadlineExceeded)

	assert.Equal(t, "parse: bad", (&Failure{Kind: FailureParse, Message: "bad"}).Error())
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "client_disconnect", FailureClientDisconnect.String())
	assert.Equal(t, "unclassified", FailureKind(99).String())
	assert.Equal(t, "send_response", StageSendResponse.String())
	assert.Equal(t, "stage(9)", Stage(9).String())
}
