//go:build unix

package httpproxy

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// alive reports whether an idle upstream connection can carry the next
// request. Only an empty, open socket (EAGAIN on a non-blocking peek)
// qualifies. Unread bytes on an idle connection were never asked for, so
// they make it unusable just like a FIN (zero-byte peek) or an error.
func alive(u *Upstream) bool {
	if u.Reader.Buffered() > 0 {
		return false
	}

	raw := u.Conn.NetConn()
	sc, ok := raw.(syscall.Conn)
	if !ok {
		return peekAlive(u)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	// A deadline left from the last exchange would fail the raw read early.
	raw.SetReadDeadline(time.Time{})

	var open bool
	err = rc.Read(func(fd uintptr) bool {
		var b [1]byte
		_, _, rerr := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		open = errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK)
		return true
	})
	return err == nil && open
}
