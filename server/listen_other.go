//go:build !(dragonfly || freebsd || linux || netbsd || openbsd || darwin)

package server

import (
	"context"
	"net"
)

// ListenWithBacklog falls back to the runtime listener; the backlog is left
// to the operating system default.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}
