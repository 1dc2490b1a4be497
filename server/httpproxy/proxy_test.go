package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/pkg/metrics"
)

type countingDialer struct {
	dials atomic.Int32
	d     net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.dials.Add(1)
	return c.d.DialContext(ctx, network, address)
}

func startProxy(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	srv, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// send writes raw to the proxy and reads back one response.
func send(t *testing.T, proxyAddr net.Addr, raw string, method string) (*http.Response, string, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body), br
}

func get(host, path string, extra ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET http://%s%s HTTP/1.1\r\nHost: %s\r\n", host, path, host)
	for _, line := range extra {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

func upstreamHost(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestProxyForwardsRequest(t *testing.T) {
	var mu sync.Mutex
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	srv := startProxy(t, Options{KeepAlive: true})
	resp, body, _ := send(t, srv.Addr(), get(upstreamHost(upstream), "/hello", "Proxy-Connection: keep-alive", "X-Test: 1"), "GET")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "1", seen.Get("X-Test"))
	assert.Empty(t, seen.Get("Proxy-Connection"), "Proxy-Connection must not reach the upstream")
}

func TestProxyForwardsRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, b)
	}))
	defer upstream.Close()

	host := upstreamHost(upstream)
	raw := "POST http://" + host + "/echo HTTP/1.1\r\nHost: " + host + "\r\nContent-Length: 7\r\n\r\npayload"

	srv := startProxy(t, Options{})
	resp, body, _ := send(t, srv.Addr(), raw, "POST")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST payload", body)
}

func TestProxyChunkedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello ")
		w.(http.Flusher).Flush()
		io.WriteString(w, "world")
		w.(http.Flusher).Flush()
	}))
	defer upstream.Close()

	srv := startProxy(t, Options{})
	resp, body, _ := send(t, srv.Addr(), get(upstreamHost(upstream), "/stream"), "GET")
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "hello world", body)
}

func TestProxyHeadResponseHasNoBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		if r.Method != http.MethodHead {
			io.WriteString(w, "hello")
		}
	}))
	defer upstream.Close()

	host := upstreamHost(upstream)
	raw := "HEAD http://" + host + "/ HTTP/1.1\r\nHost: " + host + "\r\n\r\n"

	srv := startProxy(t, Options{})
	resp, body, br := send(t, srv.Addr(), raw, "HEAD")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Empty(t, body)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Empty(t, rest, "nothing follows the header of a HEAD response")
}

func TestProxyGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		io.WriteString(w, "too late")
	}))
	defer upstream.Close()
	defer close(release)

	srv := startProxy(t, Options{ServerReadTimeout: 100 * time.Millisecond})
	before := testutil.ToFloat64(metrics.GatewayTimeoutsTotal.WithLabelValues(srv.Name()))

	resp, body, br := send(t, srv.Addr(), get(upstreamHost(upstream), "/slow"), "GET")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "Gateway Timeout", body)

	rest, err := io.ReadAll(br)
	require.NoError(t, err, "the proxy closes the connection after the 504")
	assert.Empty(t, strings.TrimSpace(string(rest)))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GatewayTimeoutsTotal.WithLabelValues(srv.Name())))
}

func TestProxyKeepAliveReusesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	dialer := &countingDialer{}
	srv := startProxy(t, Options{KeepAlive: true, Dialer: dialer})
	host := upstreamHost(upstream)
	pooled := func() bool { return srv.Proxy().Pool().Len() == 1 }

	_, body, _ := send(t, srv.Addr(), get(host, "/one"), "GET")
	assert.Equal(t, "ok", body)
	require.Eventually(t, pooled, 2*time.Second, 10*time.Millisecond)

	_, body, _ = send(t, srv.Addr(), get(host, "/two"), "GET")
	assert.Equal(t, "ok", body)
	assert.Equal(t, int32(1), dialer.dials.Load(), "second request reuses the pooled connection")
	require.Eventually(t, pooled, 2*time.Second, 10*time.Millisecond)

	upstream.CloseClientConnections()
	time.Sleep(50 * time.Millisecond)

	_, body, _ = send(t, srv.Addr(), get(host, "/three"), "GET")
	assert.Equal(t, "ok", body)
	assert.Equal(t, int32(2), dialer.dials.Load(), "a closed pooled connection is replaced exactly once")
}

func TestProxyKeepAliveDiscardsUnsolicitedUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, b)
	}))
	defer upstream.Close()

	dialer := &countingDialer{}
	srv := startProxy(t, Options{KeepAlive: true, Dialer: dialer})
	host := upstreamHost(upstream)

	// The blank line after the body is answered with a 400 by servers that
	// only tolerate it after POST. That answer must never reach a client.
	put := "PUT http://" + host + "/one HTTP/1.1\r\nHost: " + host + "\r\nContent-Length: 4\r\n\r\nbody"
	resp, body, _ := send(t, srv.Addr(), put, "PUT")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PUT body", body)
	time.Sleep(100 * time.Millisecond)

	resp, body, _ = send(t, srv.Addr(), get(host, "/two"), "GET")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET ", body)
	assert.Equal(t, int32(2), dialer.dials.Load(), "the tainted pooled connection is replaced")
}

func TestProxyKeepAliveDisabled(t *testing.T) {
	var closeRequested atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		closeRequested.Store(r.Close)
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	dialer := &countingDialer{}
	srv := startProxy(t, Options{KeepAlive: false, Dialer: dialer})
	host := upstreamHost(upstream)

	send(t, srv.Addr(), get(host, "/one"), "GET")
	send(t, srv.Addr(), get(host, "/two"), "GET")

	assert.True(t, closeRequested.Load(), "upstream is asked to close the connection")
	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Equal(t, 0, srv.Proxy().Pool().Len())
}

// handle runs p.HandleClient over an in-memory pipe fed with raw and
// returns its error and whatever the client received.
func handle(t *testing.T, p *Proxy, raw string) (string, error) {
	t.Helper()
	client, proxySide := net.Pipe()
	defer client.Close()

	received := make(chan string, 1)
	go func() {
		client.SetDeadline(time.Now().Add(5 * time.Second))
		io.WriteString(client, raw)
		b, _ := io.ReadAll(client)
		received <- string(b)
	}()

	err := p.HandleClient(context.Background(), proxySide)
	return <-received, err
}

func TestProxyMalformedRequestLine(t *testing.T) {
	dialer := &countingDialer{}
	p := NewProxy(Options{Name: t.Name(), Dialer: dialer})

	received, err := handle(t, p, "NOT A REQUEST\r\nHost: example.com\r\n\r\n")
	require.Error(t, err)
	assert.True(t, httpmsg.IsParseError(err))
	assert.Equal(t, FailureParse, Classify(err))
	assert.Empty(t, received)
	assert.Zero(t, dialer.dials.Load(), "no upstream contact for a malformed request")
}

func TestProxyRequestWithoutDestination(t *testing.T) {
	dialer := &countingDialer{}
	p := NewProxy(Options{Name: t.Name(), Dialer: dialer})

	_, err := handle(t, p, "GET /relative HTTP/1.1\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, FailureParse, Classify(err))
	assert.Zero(t, dialer.dials.Load())
}

func TestProxyClientClosesBeforeRequest(t *testing.T) {
	p := NewProxy(Options{Name: t.Name()})
	client, proxySide := net.Pipe()
	client.Close()

	err := p.HandleClient(context.Background(), proxySide)
	assert.NoError(t, err, "an early close is recovered, not returned")
}

func TestProxyIdleClientTimesOut(t *testing.T) {
	p := NewProxy(Options{Name: t.Name(), ClientReadTimeout: 50 * time.Millisecond})
	client, proxySide := net.Pipe()
	defer client.Close()

	start := time.Now()
	err := p.HandleClient(context.Background(), proxySide)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProxyCancelInterruptsExchange(t *testing.T) {
	p := NewProxy(Options{Name: t.Name(), ClientReadTimeout: 10 * time.Second})
	client, proxySide := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := p.HandleClient(ctx, proxySide)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation cuts the blocked read")
}

func TestProxyObserversRunInOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	var calls []string
	record := func(tag string) Observer {
		return func(stage Stage, c *Context) {
			calls = append(calls, tag+":"+stage.String())
		}
	}

	p := NewProxy(Options{Name: t.Name(), Observers: []Observer{record("a"), record("b")}})
	defer p.Close()

	received, err := handle(t, p, get(upstreamHost(upstream), "/"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(received, "HTTP/1.1 200 OK\r\n"))

	assert.Equal(t, []string{
		"a:receive_request", "b:receive_request",
		"a:connect_to_server", "b:connect_to_server",
		"a:receive_response", "b:receive_response",
		"a:send_response", "b:send_response",
		"a:completed", "b:completed",
	}, calls)
}

func TestProxyPreconditionViolation(t *testing.T) {
	dialer := &countingDialer{}
	var completed bool
	observers := []Observer{
		func(stage Stage, c *Context) {
			if stage == StageReceiveRequest {
				c.RequestHeader = nil
			}
			if stage == StageCompleted {
				completed = true
			}
		},
	}
	p := NewProxy(Options{Name: t.Name(), Dialer: dialer, Observers: observers})

	_, err := handle(t, p, get("example.com", "/"))
	require.ErrorIs(t, err, ErrInvalidContext)
	assert.Equal(t, FailurePrecondition, Classify(err))
	assert.True(t, completed, "completion runs even when a stage fails")
	assert.Zero(t, dialer.dials.Load())
}

func TestProxyStopProcessingFromObserver(t *testing.T) {
	dialer := &countingDialer{}
	var stages []Stage
	observers := []Observer{
		func(stage Stage, c *Context) {
			stages = append(stages, stage)
			if stage == StageReceiveRequest {
				c.StopProcessing()
			}
		},
	}
	p := NewProxy(Options{Name: t.Name(), Dialer: dialer, Observers: observers})

	_, err := handle(t, p, get("example.com", "/"))
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageReceiveRequest, StageCompleted}, stages)
	assert.Zero(t, dialer.dials.Load())
}

func TestResponseBodyHint(t *testing.T) {
	resp := func(lines ...string) *httpmsg.Header {
		h := httpmsg.NewResponse(200, "OK", "1.1")
		for _, l := range lines {
			f, err := httpmsg.ParseHeaderLine(l)
			require.NoError(t, err)
			h.Headers.Add(f.Name, f.Value)
		}
		return h
	}

	assert.Equal(t, int64(0), responseBodyHint(resp("Content-Length: 0"), 0))
	assert.Equal(t, int64(3), responseBodyHint(resp("Content-Length: 10"), 3))
	assert.Equal(t, int64(0), responseBodyHint(resp("Transfer-Encoding: chunked"), 0))
	assert.Equal(t, int64(1), responseBodyHint(resp(), 0), "close-delimited body is read until EOF")
	assert.Equal(t, int64(7), responseBodyHint(resp(), 7))
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "GET", methodLabel("get"))
	assert.Equal(t, "OTHER", methodLabel("PROPFIND"))
}
