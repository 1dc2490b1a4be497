package httpproxy

import (
	"fmt"
	"time"

	"github.com/migadu/bender/pkg/metrics"
)

// Stage identifies one step of processing a client connection.
type Stage int

const (
	StageReceiveRequest Stage = iota
	StageConnectToServer
	StageReceiveResponse
	StageSendResponse
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageReceiveRequest:
		return "receive_request"
	case StageConnectToServer:
		return "connect_to_server"
	case StageReceiveResponse:
		return "receive_response"
	case StageSendResponse:
		return "send_response"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Observer is called after a stage finished without error, in the order
// observers were registered. It runs on the connection's goroutine.
type Observer func(Stage, *Context)

var processingStages = []Stage{
	StageReceiveRequest,
	StageConnectToServer,
	StageReceiveResponse,
	StageSendResponse,
}

// run drives c through every stage. Completed always runs last, including
// when a stage fails or asks to stop.
func (p *Proxy) run(c *Context) (err error) {
	defer func() {
		if cerr := p.runStage(StageCompleted, c); cerr != nil && err == nil {
			c.Err = cerr
			err = cerr
		}
	}()

	for _, stage := range processingStages {
		if err := p.runStage(stage, c); err != nil {
			p.capture(c, Classify(err), "processing failed in "+stage.String(), err)
			c.Err = err
			return err
		}
		if c.stop {
			return nil
		}
	}
	return nil
}

func (p *Proxy) runStage(stage Stage, c *Context) error {
	c.stage = stage
	if err := checkPreconditions(stage, c); err != nil {
		return err
	}

	start := time.Now()
	err := p.stages[stage](c)
	metrics.StageDuration.WithLabelValues(p.opts.Name, stage.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	for _, observe := range p.observers {
		observe(stage, c)
	}
	return nil
}

func checkPreconditions(stage Stage, c *Context) error {
	var missing string
	switch stage {
	case StageReceiveRequest:
		if c.ClientConn == nil || c.ClientReader == nil {
			missing = "client stream"
		}
	case StageConnectToServer:
		if c.RequestHeader == nil {
			missing = "request header"
		}
	case StageReceiveResponse:
		switch {
		case c.RequestHeader == nil:
			missing = "request header"
		case c.ClientConn == nil:
			missing = "client stream"
		case c.ServerConn == nil:
			missing = "server stream"
		}
	case StageSendResponse:
		switch {
		case c.RequestHeader == nil:
			missing = "request header"
		case c.ResponseHeader == nil:
			missing = "response header"
		case c.ClientConn == nil:
			missing = "client stream"
		case c.ServerConn == nil:
			missing = "server stream"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s missing before %s", ErrInvalidContext, missing, stage)
	}
	return nil
}
