package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/server"
)

func (p *Proxy) receiveRequest(c *Context) error {
	r := httpmsg.NewReader(c.ClientReader)
	r.MaxLineLength = p.opts.MaxLineLength

	req, err := r.ReadRequestHeader()
	if err != nil {
		return p.handleStageError(StageReceiveRequest, c, err)
	}

	req.Headers.Del(httpmsg.HeaderProxyConnection)
	if !p.opts.KeepAlive {
		httpmsg.SetConnection(req.Headers, "close")
	}
	c.RequestHeader = req

	metrics.RequestsTotal.WithLabelValues(p.opts.Name, methodLabel(req.Method)).Inc()
	c.log.DebugLog("Request received", "request", req)
	return nil
}

func (p *Proxy) connectToServer(c *Context) error {
	endpoint, err := ResolveEndpoint(c.RequestHeader, p.opts.DefaultPort)
	if err != nil {
		return err
	}
	c.Endpoint = endpoint

	if p.opts.KeepAlive {
		if up, ok := p.pool.TryTake(endpoint); ok {
			c.setUpstream(up.Conn, up.Reader, true)
			c.log.DebugLog("Reusing pooled server connection", "endpoint", endpoint.String())
			return nil
		}
	}
	return p.dial(c)
}

func (p *Proxy) dial(c *Context) error {
	ctx, cancel := context.WithTimeout(c.base, p.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := p.opts.Streams.ConnectServer(ctx, c.Endpoint, p.opts.Dialer)
	metrics.UpstreamDialDuration.WithLabelValues(p.opts.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamDialsTotal.WithLabelValues(p.opts.Name, "error").Inc()
		return fmt.Errorf("connect to %s: %w", c.Endpoint, err)
	}
	metrics.UpstreamDialsTotal.WithLabelValues(p.opts.Name, "success").Inc()

	dc := server.NewDeadlineConn(conn, server.SideServer, p.opts.ServerReadTimeout, p.opts.ServerWriteTimeout)
	c.setUpstream(dc, bufio.NewReaderSize(dc, readBufferSize), false)
	c.log.DebugLog("Connection established", "endpoint", c.Endpoint.String())
	return nil
}

func (p *Proxy) receiveResponse(c *Context) error {
	mark := c.ServerConn.BytesRead()
	resp, err := p.exchange(c)
	if err != nil && p.retryable(c, mark, err) {
		c.log.DebugLog("Pooled server connection was closed by peer, reconnecting", "endpoint", c.Endpoint.String(), "error", err)
		metrics.KeepAlivePoolTotal.WithLabelValues(p.opts.Name, "stale").Inc()
		c.dropUpstream()
		if err := p.dial(c); err != nil {
			return err
		}
		resp, err = p.exchange(c)
	}
	if err != nil {
		return p.handleStageError(StageReceiveResponse, c, err)
	}

	c.ResponseHeader = resp
	c.log.DebugLog("Response received", "response", resp)
	return nil
}

// exchange writes the request upstream and reads the final response header.
// Interim 1xx responses other than 101 are consumed and dropped.
func (p *Proxy) exchange(c *Context) (*httpmsg.Header, error) {
	known := int64(c.ClientReader.Buffered())
	var body io.Reader = c.ClientReader
	if httpmsg.SelectFraming(c.RequestHeader, true, known) == httpmsg.FramingRaw {
		body = io.LimitReader(c.ClientReader, known)
	}

	framing, err := httpmsg.NewWriter(c.ServerConn).Write(c.RequestHeader, body, known)
	c.requestFraming = framing
	if err != nil {
		return nil, err
	}

	r := httpmsg.NewReader(c.ServerReader)
	r.MaxLineLength = p.opts.MaxLineLength
	for {
		resp, err := r.ReadResponseHeader()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 100 || resp.StatusCode >= 200 || resp.StatusCode == 101 {
			return resp, nil
		}
		c.log.DebugLog("Interim response skipped", "status", resp.StatusCode)
	}
}

// retryable reports whether a failed exchange on a pooled connection can be
// repeated on a fresh one: the peer went away before answering and no
// request body was consumed from the client.
func (p *Proxy) retryable(c *Context, mark int64, err error) bool {
	if !c.reused || c.requestFraming != httpmsg.FramingNone {
		return false
	}
	if c.ServerConn.BytesRead() != mark || c.ClientConn.BytesWritten() > 0 {
		return false
	}
	switch Classify(err) {
	case FailureUpstreamDisconnect, FailureUnexpectedEOF:
		var se *server.StreamError
		return !errors.As(err, &se) || se.Side == server.SideServer
	}
	return false
}

func (p *Proxy) sendResponse(c *Context) error {
	resp := c.ResponseHeader

	var body io.Reader
	var known int64
	if httpmsg.HasResponseBody(c.RequestHeader.Method, resp.StatusCode) {
		body = c.ServerReader
		known = responseBodyHint(resp, c.ServerReader.Buffered())
	}

	framing, err := httpmsg.NewWriter(c.ClientConn).Write(resp, body, known)
	c.responseFraming = framing
	if err != nil {
		return p.handleStageError(StageSendResponse, c, err)
	}

	metrics.ResponsesTotal.WithLabelValues(p.opts.Name, metrics.StatusClass(resp.StatusCode)).Inc()
	return nil
}

// responseBodyHint returns the known body length passed to the writer. A
// response without Content-Length or chunked framing is delimited by the
// server closing the connection, so its body is copied until EOF even when
// nothing is buffered yet.
func responseBodyHint(resp *httpmsg.Header, buffered int) int64 {
	if _, ok := httpmsg.ContentLength(resp.Headers); ok || resp.Chunked() {
		return int64(buffered)
	}
	return int64(max(buffered, 1))
}

func (p *Proxy) complete(c *Context) error {
	if c.ClientConn != nil {
		c.ClientConn.Close()
	}
	p.recordTraffic(c)

	if c.ServerConn != nil {
		if p.reusable(c) {
			conn, reader := c.detachUpstream()
			p.pool.Put(c.Endpoint, &Upstream{Conn: conn, Reader: reader})
			c.log.DebugLog("Server connection returned to pool", "endpoint", c.Endpoint.String())
		} else {
			c.dropUpstream()
		}
	}

	if c.RequestHeader != nil {
		c.log.DebugLog("Request processed",
			"start_line", c.RequestHeader.StartLine(),
			"duration", time.Since(c.StartedAt))
	}
	return nil
}

// reusable reports whether the upstream connection is positioned at a
// message boundary and both peers allow it to carry another exchange.
func (p *Proxy) reusable(c *Context) bool {
	req, resp := c.RequestHeader, c.ResponseHeader
	switch {
	case !p.opts.KeepAlive, c.stop, c.Failure != nil, c.Err != nil:
		return false
	case req == nil, resp == nil:
		return false
	case !c.requestFraming.Definite(), !c.responseFraming.Definite():
		return false
	case httpmsg.WantsClose(req.Headers), httpmsg.WantsClose(resp.Headers):
		return false
	case resp.StatusCode == 101:
		return false
	case resp.Version == "1.0" && !strings.EqualFold(httpmsg.Connection(resp.Headers), "keep-alive"):
		return false
	}
	return !c.ServerConn.Interrupted() && c.ServerReader.Buffered() == 0
}

func (p *Proxy) recordTraffic(c *Context) {
	if c.ClientConn != nil {
		metrics.BytesTransferred.WithLabelValues(p.opts.Name, "client", "in").Add(float64(c.ClientConn.BytesRead()))
		metrics.BytesTransferred.WithLabelValues(p.opts.Name, "client", "out").Add(float64(c.ClientConn.BytesWritten()))
	}
	if c.ServerConn != nil {
		in, out := c.upstreamTraffic()
		metrics.BytesTransferred.WithLabelValues(p.opts.Name, "server", "in").Add(float64(in))
		metrics.BytesTransferred.WithLabelValues(p.opts.Name, "server", "out").Add(float64(out))
	}
}

// handleStageError decides whether err ends processing quietly. A recoverable
// failure is logged, captured and turned into a stop request; any other
// error is returned unchanged.
func (p *Proxy) handleStageError(stage Stage, c *Context, err error) error {
	kind := Classify(err)
	upstreamIO := stage == StageReceiveResponse || stage == StageSendResponse

	var message string
	switch {
	case kind == FailureClientDisconnect && errors.Is(err, server.ErrInterrupted):
		message = "Processing interrupted"
		c.log.DebugLog(message, "stage", stage.String())
	case kind == FailureClientDisconnect && server.IsTimeout(err):
		message = "Client request timed out"
		c.log.WarnLog(message, "stage", stage.String(), "error", err)
	case kind == FailureClientDisconnect:
		message = "Request was terminated by client"
		c.log.WarnLog(message, "stage", stage.String(), "error", err)
	case kind == FailureUnexpectedEOF && stage == StageReceiveRequest:
		message = "Failed to read request"
		c.log.ErrorLog(message, "error", err)
	case kind == FailureUpstreamTimeout && upstreamIO:
		message = "Request to remote server has timed out"
		c.log.WarnLog(message, "endpoint", c.Endpoint.String(), "error", err)
		p.writeGatewayTimeout(c)
	case kind == FailureUpstreamDisconnect && upstreamIO:
		message = "Request aborted"
		c.log.DebugLog(message, "endpoint", c.Endpoint.String(), "error", err)
	default:
		return err
	}

	p.capture(c, kind, message, err)
	c.StopProcessing()
	return nil
}

// writeGatewayTimeout answers the client with a 504 unless part of the
// real response already reached it.
func (p *Proxy) writeGatewayTimeout(c *Context) {
	if c.ClientConn.BytesWritten() > 0 {
		c.log.DebugLog("Response already started, gateway timeout not sent")
		return
	}
	if err := httpmsg.NewWriter(c.ClientConn).WriteGatewayTimeout(); err != nil {
		c.log.DebugLog("Failed to send gateway timeout", "error", err)
		return
	}
	metrics.GatewayTimeoutsTotal.WithLabelValues(p.opts.Name).Inc()
}

func (p *Proxy) capture(c *Context, kind FailureKind, message string, err error) {
	if c.Failure != nil {
		return
	}
	c.fail(kind, message, err)
	metrics.FailuresTotal.WithLabelValues(p.opts.Name, kind.String()).Inc()
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

func methodLabel(method string) string {
	if m := strings.ToUpper(method); knownMethods[m] {
		return m
	}
	return "OTHER"
}
