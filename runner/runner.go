// Package runner is the isolated execution unit between the dispatcher
// and the sandbox. The dispatcher and module execution never share a
// call stack: requests cross the boundary as typed messages on a
// channel, served by a single goroutine that owns the sandbox and the
// module cache. Tasks are processed strictly in the order they were
// delivered.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helix-os/wasm-worker/modules"
	"github.com/helix-os/wasm-worker/sandbox"
)

// DefaultTimeout is the watchdog deadline applied to each task. A
// non-terminating module is forcibly torn down when it expires.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned for requests sent after Close.
var ErrClosed = errors.New("runner closed")

// Runner owns the sandbox and module cache and serves execute, ping,
// and clear-cache messages sequentially.
type Runner struct {
	sandbox *sandbox.Sandbox
	cache   *modules.Cache
	timeout time.Duration
	log     logrus.FieldLogger

	reqCh chan any
	quit  chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the per-task watchdog deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

type execRequest struct {
	taskID    string
	moduleRef string
	input     string
	resp      chan sandbox.Result
}

type pingRequest struct {
	resp chan time.Time
}

type clearCacheRequest struct {
	resp chan struct{}
}

// New starts the execution unit.
func New(sb *sandbox.Sandbox, cache *modules.Cache, opts ...Option) *Runner {
	r := &Runner{
		sandbox: sb,
		cache:   cache,
		timeout: DefaultTimeout,
		log:     logrus.StandardLogger(),
		reqCh:   make(chan any),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Execute sends a task across the isolation boundary and waits for its
// result. Once a task has been accepted it runs to completion or
// watchdog teardown; ctx only guards the hand-off.
func (r *Runner) Execute(ctx context.Context, taskID, moduleRef, input string) (sandbox.Result, error) {
	req := execRequest{taskID: taskID, moduleRef: moduleRef, input: input, resp: make(chan sandbox.Result, 1)}
	if err := r.send(ctx, req); err != nil {
		return sandbox.Result{}, err
	}
	return <-req.resp, nil
}

// Ping answers with the unit's current time, proving the loop is alive.
func (r *Runner) Ping(ctx context.Context) (time.Time, error) {
	req := pingRequest{resp: make(chan time.Time, 1)}
	if err := r.send(ctx, req); err != nil {
		return time.Time{}, err
	}
	return <-req.resp, nil
}

// ClearCache evicts every compiled module.
func (r *Runner) ClearCache(ctx context.Context) error {
	req := clearCacheRequest{resp: make(chan struct{}, 1)}
	if err := r.send(ctx, req); err != nil {
		return err
	}
	<-req.resp
	return nil
}

func (r *Runner) send(ctx context.Context, req any) error {
	select {
	case <-r.quit:
		return ErrClosed
	default:
	}
	select {
	case r.reqCh <- req:
		return nil
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests. In-flight work completes before the
// loop exits.
func (r *Runner) Close() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.quit:
			return
		case req := <-r.reqCh:
			switch m := req.(type) {
			case execRequest:
				m.resp <- r.execute(m)
			case pingRequest:
				m.resp <- time.Now()
			case clearCacheRequest:
				r.cache.Purge()
				m.resp <- struct{}{}
			}
		}
	}
}

func (r *Runner) execute(req execRequest) sandbox.Result {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	log := r.log.WithFields(logrus.Fields{
		"task_id":    req.taskID,
		"module_ref": req.moduleRef,
	})

	compiled, err := r.cache.Resolve(ctx, req.moduleRef)
	if err != nil {
		log.WithError(err).Warn("module resolution failed")
		return sandbox.Result{
			Success:  false,
			Stderr:   err.Error(),
			ExitCode: 1,
			Error:    err,
		}
	}

	res := r.sandbox.Execute(ctx, compiled, req.input)
	if res.Error != nil {
		log.WithError(res.Error).WithField("exit_code", res.ExitCode).Warn("execution failed")
	} else {
		log.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"duration":  res.Duration,
		}).Debug("execution complete")
	}
	return res
}
