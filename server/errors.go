package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network
// connection error: the peer went away or a deadline expired. Such errors
// close the connection but are not server problems.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if IsTimeout(err) {
		return true
	}
	if IsReset(err) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrInterrupted) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		// Some platforms only report this as text.
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsReset reports whether err means the peer reset or aborted the
// connection, or the pipe was broken.
func IsReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsAddrInUse reports whether a listen failed because the address is taken.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
