package httpproxy

import (
	"context"
	"fmt"
	"net"

	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/server"
	"github.com/migadu/bender/server/idgen"
)

// Proxy forwards one HTTP exchange per client connection to the
// destination named in the request.
type Proxy struct {
	opts      Options
	pool      *Pool
	observers []Observer
	stages    [StageCompleted + 1]func(*Context) error
}

// NewProxy builds a Proxy. Observers from opts are called in order after
// every successful stage.
func NewProxy(opts Options) *Proxy {
	opts = opts.withDefaults()
	p := &Proxy{
		opts:      opts,
		pool:      NewPool(opts.Name),
		observers: append([]Observer(nil), opts.Observers...),
	}
	p.stages = [...]func(*Context) error{
		StageReceiveRequest:  p.receiveRequest,
		StageConnectToServer: p.connectToServer,
		StageReceiveResponse: p.receiveResponse,
		StageSendResponse:    p.sendResponse,
		StageCompleted:       p.complete,
	}
	return p
}

// HandleClient processes the request arriving on conn and closes conn.
// Cancelling ctx interrupts blocked I/O on both sides of the exchange. The
// returned error is nil when processing finished or stopped on a
// recoverable failure.
func (p *Proxy) HandleClient(ctx context.Context, conn net.Conn) error {
	id := idgen.New()
	log := &server.ProxySessionLogger{
		Protocol:   "http",
		ServerName: p.opts.Name,
		ClientConn: conn,
		ConnID:     id,
		Debug:      p.opts.Debug,
	}

	stream, err := p.opts.Streams.AcceptClient(conn)
	if err != nil {
		log.WarnLog("Client stream rejected", "error", err)
		metrics.ClientStreamErrorsTotal.WithLabelValues(p.opts.Name).Inc()
		conn.Close()
		return fmt.Errorf("acquire client stream: %w", err)
	}
	// Log the client as seen through the PROXY header, if any.
	log.ClientConn = stream
	client := server.NewDeadlineConn(stream, server.SideClient, p.opts.ClientReadTimeout, p.opts.ClientWriteTimeout)
	c := newContext(ctx, id, client, log)

	stop := context.AfterFunc(ctx, c.interrupt)
	defer stop()

	if err := p.run(c); err != nil {
		log.ErrorLog("Request processing failed",
			"failure", c.Failure,
			"request", c.RequestHeader,
			"response", c.ResponseHeader,
			"error", err)
		return err
	}
	return nil
}

// Pool returns the keep-alive pool.
func (p *Proxy) Pool() *Pool {
	return p.pool
}

// Close releases idle upstream connections.
func (p *Proxy) Close() {
	p.pool.Close()
}
