package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"charge_core/common"
	"charge_core/metrics"
)

// Function sends one remote command to a charge point and delivers the
// outcome on the response channel. The actions package provides these.
type Function func(chargePointID string, payload []byte, responseChannel chan common.Response)

type command struct {
	action  string
	payload []byte
	reply   chan outcome
}

type outcome struct {
	response common.Response
	err      error
}

// Gateway owns transport-level liveness and dispatches outbound commands.
// Commands for one serial are strictly serialized on a dedicated worker;
// different serials run in parallel. Every command resolves with an
// acknowledgment or ErrCommandTimeout after the deadline; the gateway
// never retries on its own.
type Gateway struct {
	mu        sync.Mutex
	handlers  map[string]Function
	queues    map[string]chan *command
	connected map[string]bool
	timeout   time.Duration
}

func New(timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gateway{
		handlers:  make(map[string]Function),
		queues:    make(map[string]chan *command),
		connected: make(map[string]bool),
		timeout:   timeout,
	}
}

func (g *Gateway) AddHandler(action string, fn Function) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[action] = fn
}

func (g *Gateway) Timeout() time.Duration { return g.timeout }

// MarkConnected replaces any previous transport for the serial; a
// reconnect never yields two logical device entries.
func (g *Gateway) MarkConnected(serial string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected[serial] {
		metrics.DevicesOnline.Inc()
	}
	g.connected[serial] = true
}

func (g *Gateway) MarkDisconnected(serial string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected[serial] {
		metrics.DevicesOnline.Dec()
	}
	g.connected[serial] = false
}

func (g *Gateway) IsConnected(serial string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected[serial]
}

// Send dispatches one command and blocks until acknowledgment, timeout
// or context cancellation. Offline devices are rejected before dispatch.
func (g *Gateway) Send(ctx context.Context, serial, action string, payload []byte) (common.Response, error) {
	g.mu.Lock()
	fn, ok := g.handlers[action]
	if !ok {
		g.mu.Unlock()
		return common.Response{}, fmt.Errorf("no handler for action %q", action)
	}
	if !g.connected[serial] {
		g.mu.Unlock()
		return common.Response{}, fmt.Errorf("%w: %v", common.ErrDeviceOffline, serial)
	}
	queue := g.queueLocked(serial, fn)
	g.mu.Unlock()

	cmd := &command{action: action, payload: payload, reply: make(chan outcome, 1)}
	select {
	case queue <- cmd:
	case <-ctx.Done():
		return common.Response{}, ctx.Err()
	}

	select {
	case out := <-cmd.reply:
		return out.response, out.err
	case <-ctx.Done():
		return common.Response{}, ctx.Err()
	}
}

func (g *Gateway) queueLocked(serial string, _ Function) chan *command {
	queue, ok := g.queues[serial]
	if !ok {
		queue = make(chan *command, 16)
		g.queues[serial] = queue
		go g.worker(serial, queue)
	}
	return queue
}

// worker executes commands for one serial, one at a time. A command that
// misses the deadline is reported as timed out; its late acknowledgment,
// if the device eventually answers, is drained and ignored.
func (g *Gateway) worker(serial string, queue chan *command) {
	for cmd := range queue {
		g.mu.Lock()
		fn := g.handlers[cmd.action]
		timeout := g.timeout
		g.mu.Unlock()

		metrics.CommandsSent.WithLabelValues(cmd.action).Inc()
		responseChannel := make(chan common.Response, 1)
		go fn(serial, cmd.payload, responseChannel)

		select {
		case response := <-responseChannel:
			cmd.reply <- outcome{response: response}
		case <-time.After(timeout):
			metrics.CommandTimeouts.WithLabelValues(cmd.action).Inc()
			log.WithFields(log.Fields{"client": serial, "action": cmd.action}).
				Error("command acknowledgment deadline expired")
			cmd.reply <- outcome{err: fmt.Errorf("%w: %v %v", common.ErrCommandTimeout, cmd.action, serial)}
			go func() { <-responseChannel }()
		}
	}
}
