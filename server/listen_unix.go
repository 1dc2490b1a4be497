//go:build dragonfly || freebsd || linux || netbsd || openbsd || darwin

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenWithBacklog creates a TCP listener with a custom listen backlog.
// The socket is built by hand so that listen() gets the requested queue
// length instead of the runtime default. A backlog <= 0 uses SOMAXCONN.
//
// The socket gets SO_REUSEADDR so a restarted proxy can rebind while old
// connections sit in TIME_WAIT. A wildcard address listens dual-stack.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	var (
		family   int
		sockaddr unix.Sockaddr
		ipv6only = 1
	)
	switch {
	case addr.IP == nil:
		family = unix.AF_INET6
		sockaddr = &unix.SockaddrInet6{Port: addr.Port}
		ipv6only = 0
	case addr.IP.To4() != nil:
		family = unix.AF_INET
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		sockaddr = sa
	default:
		family = unix.AF_INET6
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		sockaddr = sa
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		syscall.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	// IPV6_V6ONLY has to be set before anything else on FreeBSD.
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, ipv6only); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set IPV6_V6ONLY: %w", err)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set nonblock: %w", err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	// FileListener dups the fd.
	file := os.NewFile(uintptr(fd), "listener")
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
