package server

import (
	"net"
	"strconv"
)

// GetHostPortFromAddr extracts the host and port from a net.Addr.
// If parsing fails, it returns best-effort values.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		// This can happen for addresses without a port.
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// GetAddrString formats addr for logs, tolerating nil.
func GetAddrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

// GetIPFromAddr returns the host part of addr, or the whole address if it
// has no port.
func GetIPFromAddr(addr net.Addr) string {
	host, _ := GetHostPortFromAddr(addr)
	return host
}
