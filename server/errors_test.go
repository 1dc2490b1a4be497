package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("body: %w", io.ErrUnexpectedEOF), true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"broken pipe", &StreamError{Side: SideClient, Op: "write", Err: syscall.EPIPE}, true},
		{"closed", &StreamError{Side: SideServer, Op: "read", Err: net.ErrClosed}, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestIsTimeoutAndReset(t *testing.T) {
	assert.True(t, IsTimeout(&StreamError{Err: os.ErrDeadlineExceeded}))
	assert.False(t, IsTimeout(io.EOF))
	assert.True(t, IsReset(fmt.Errorf("x: %w", syscall.ECONNABORTED)))
	assert.False(t, IsReset(io.EOF))
}
