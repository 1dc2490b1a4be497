package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenWithBacklog(t *testing.T) {
	ln, err := ListenWithBacklog(context.Background(), "tcp", "127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	sc, ok := <-accepted
	require.True(t, ok)
	sc.Close()
}

func TestListenWithBacklogCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ListenWithBacklog(ctx, "tcp", "127.0.0.1:0", 16)
	assert.Error(t, err)
}

func TestListenWithBacklogBadAddress(t *testing.T) {
	_, err := ListenWithBacklog(context.Background(), "tcp", "not-an-address", 16)
	assert.Error(t, err)
}

func TestListenWithBacklogAddressInUse(t *testing.T) {
	ln, err := ListenWithBacklog(context.Background(), "tcp", "127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	_, err = ListenWithBacklog(context.Background(), "tcp", ln.Addr().String(), 16)
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err), "got %v", err)
}
