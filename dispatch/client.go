// Package dispatch joins the task bus as a load-balanced member of a
// named worker group. Each task is delivered to exactly one group
// member, executed through the runner's isolation boundary, and answered
// on the envelope's reply subject. A separate control subscription
// answers liveness probes regardless of what the task loop is doing.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/helix-os/wasm-worker/runner"
)

// Bus defaults matching the original deployment.
const (
	DefaultSubject = "helix.tasks.wasm"
	DefaultGroup   = "helix-workers"
)

// probeSuffix extends the task subject for liveness and control traffic.
const probeSuffix = ".ping"

// ConnHandler observes bus connection events: "disconnected",
// "reconnected", "closed". err is nil except on disconnects.
type ConnHandler func(event string, err error)

// Client is the task dispatch client.
type Client struct {
	nc     *nats.Conn
	runner *runner.Runner
	log    logrus.FieldLogger

	workerID string
	subject  string
	group    string
	connCB   ConnHandler

	state    atomic.Int32
	inFlight atomic.Int32

	taskSub *nats.Subscription
	ctlSub  *nats.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithSubject overrides the task subject.
func WithSubject(subject string) Option {
	return func(c *Client) { c.subject = subject }
}

// WithGroup overrides the worker group name.
func WithGroup(group string) Option {
	return func(c *Client) { c.group = group }
}

// WithWorkerID overrides the generated worker identity.
func WithWorkerID(id string) Option {
	return func(c *Client) { c.workerID = id }
}

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithConnHandler installs the top-level connection-status callback for
// conditions the client cannot recover from locally.
func WithConnHandler(fn ConnHandler) Option {
	return func(c *Client) { c.connCB = fn }
}

// Connect dials the bus, joins the worker group on the task subject, and
// starts the receive loop.
func Connect(url string, run *runner.Runner, opts ...Option) (*Client, error) {
	c := &Client{
		runner:   run,
		log:      logrus.StandardLogger(),
		workerID: "worker-" + uuid.NewString()[:8],
		subject:  DefaultSubject,
		group:    DefaultGroup,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("worker_id", c.workerID)
	c.state.Store(int32(Connecting))

	nc, err := nats.Connect(url,
		nats.Name(c.workerID),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.WithError(err).Warn("bus disconnected")
			c.connEvent("disconnected", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.WithField("url", nc.ConnectedUrl()).Info("bus reconnected")
			c.connEvent("reconnected", nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.state.Store(int32(Disconnected))
			c.connEvent("closed", nil)
		}),
	)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	c.nc = nc

	c.taskSub, err = nc.QueueSubscribeSync(c.subject, c.group)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.ctlSub, err = nc.Subscribe(c.subject+probeSuffix, c.handleControl)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.subject+probeSuffix, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	c.state.Store(int32(Subscribed))
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.receive(ctx)

	c.log.WithFields(logrus.Fields{
		"subject": c.subject,
		"group":   c.group,
	}).Info("worker subscribed")
	return c, nil
}

// Status reports connection state, worker identity, and the number of
// tasks currently in flight.
func (c *Client) Status() Status {
	return Status{
		State:    State(c.state.Load()),
		WorkerID: c.workerID,
		InFlight: int(c.inFlight.Load()),
	}
}

// Close stops the receive loop, drops the subscriptions, and closes the
// bus connection.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
	_ = c.taskSub.Unsubscribe()
	_ = c.ctlSub.Unsubscribe()
	c.nc.Close()
	c.state.Store(int32(Disconnected))
}

// receive retires one task at a time: no new delivery is accepted while
// the previous one is still in flight.
func (c *Client) receive(ctx context.Context) {
	defer c.wg.Done()
	for {
		msg, err := c.taskSub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, nats.ErrConnectionClosed) ||
				errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			c.log.WithError(err).Warn("task receive failed")
			continue
		}
		c.state.Store(int32(Dispatching))
		c.handleTask(ctx, msg)
		c.state.Store(int32(Subscribed))
	}
}

func (c *Client) handleTask(ctx context.Context, msg *nats.Msg) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		c.log.WithError(err).Warn("task envelope rejected")
		c.reply(msg, TaskReply{
			WorkerID: c.workerID,
			Success:  false,
			ExitCode: 1,
			Error:    "decode task: " + err.Error(),
		})
		return
	}

	log := c.log.WithFields(logrus.Fields{
		"task_id":    task.TaskID,
		"module_ref": task.ModuleRef,
	})
	log.Info("task received")

	res, err := c.runner.Execute(ctx, task.TaskID, task.ModuleRef, task.Input)
	if err != nil {
		c.reply(msg, TaskReply{
			TaskID:   task.TaskID,
			WorkerID: c.workerID,
			Success:  false,
			ExitCode: 1,
			Error:    err.Error(),
		})
		return
	}

	reply := TaskReply{
		TaskID:          task.TaskID,
		WorkerID:        c.workerID,
		Success:         res.Success,
		Output:          res.Output,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMs: float64(res.Duration) / float64(time.Millisecond),
	}
	if res.Error != nil {
		reply.Error = res.Error.Error()
	}
	c.reply(msg, reply)

	log.WithFields(logrus.Fields{
		"success":   res.Success,
		"exit_code": res.ExitCode,
		"duration":  res.Duration,
	}).Info("task answered")
}

// handleControl runs on the control subscription's own goroutine, so
// probes are answered even while a task is executing.
func (c *Client) handleControl(msg *nats.Msg) {
	var ctl controlMessage
	if len(msg.Data) > 0 {
		// Undecodable control payloads are treated as plain probes.
		_ = json.Unmarshal(msg.Data, &ctl)
	}

	switch ctl.Type {
	case "", "ping":
		c.reply(msg, PingReply{
			WorkerID:  c.workerID,
			Workers:   1,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
		})
	case "clear-cache":
		ctx, cancel := context.WithTimeout(context.Background(), runner.DefaultTimeout)
		defer cancel()
		if err := c.runner.ClearCache(ctx); err != nil {
			c.reply(msg, ControlReply{WorkerID: c.workerID, Status: "error: " + err.Error()})
			return
		}
		c.log.Info("module cache cleared")
		c.reply(msg, ControlReply{WorkerID: c.workerID, Status: "cache-cleared"})
	default:
		c.reply(msg, ControlReply{WorkerID: c.workerID, Status: "unsupported: " + ctl.Type})
	}
}

func (c *Client) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		c.log.Warn("message has no reply subject")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Error("marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.WithError(err).Warn("send reply")
	}
}

func (c *Client) connEvent(event string, err error) {
	if c.connCB != nil {
		c.connCB(event, err)
	}
}
