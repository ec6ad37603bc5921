// Package worker implements the worker runtime and the four role workers
// (understanding, search, synthesis, grouping). A worker consumes request
// envelopes from its router queue, bounds its own concurrency with a counting
// permit pool, enforces its own per-call timeout, and answers health probes
// for the supervisor.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seekr-io/seekr/agent/message"
)

// Config bounds a worker's concurrency and per-call timeout.
type Config struct {
	MaxConcurrent     int64
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the bounds used when a worker is constructed without
// explicit configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     5,
		Timeout:           30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	return c
}

// HealthReport is a worker's answer to a supervisor health probe.
type HealthReport struct {
	Role         message.Role
	Running      bool
	LastActivity time.Time
}

// Worker is one independently schedulable task processor.
type Worker interface {
	Role() message.Role
	Start(ctx context.Context)
	Stop()
	Health() HealthReport
}

// handlerFunc processes one task payload. Implementations must honor ctx
// cancellation; a handler that cannot be interrupted is abandoned on timeout
// and its permit released when it eventually returns.
type handlerFunc func(ctx context.Context, p message.Payload) (message.Payload, error)

// base is the shared worker runtime. Role workers embed it and supply their
// handler.
type base struct {
	role   message.Role
	cfg    Config
	router *message.Router
	handle handlerFunc

	sem          *semaphore.Weighted
	running      atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	stopOnce sync.Once
	stop     chan struct{}
	loopDone sync.WaitGroup
}

func newBase(role message.Role, cfg Config, router *message.Router, handle handlerFunc) *base {
	cfg = cfg.withDefaults()
	return &base{
		role:   role,
		cfg:    cfg,
		router: router,
		handle: handle,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		stop:   make(chan struct{}),
	}
}

func (w *base) Role() message.Role { return w.role }

// Start launches the receive loop. Safe to call once per worker instance.
func (w *base) Start(ctx context.Context) {
	w.running.Store(true)
	w.touch()
	w.loopDone.Add(1)
	go w.receiveLoop(ctx)
	slog.Info("worker: started", "role", w.role, "max_concurrent", w.cfg.MaxConcurrent)
}

// Stop signals the receive loop to exit. In-flight tasks are not awaited;
// they release their permits when they finish and their results are dropped
// by the router.
func (w *base) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.loopDone.Wait()
	w.running.Store(false)
	slog.Info("worker: stopped", "role", w.role)
}

// Health reports liveness for the supervisor's poll loop.
func (w *base) Health() HealthReport {
	return HealthReport{
		Role:         w.role,
		Running:      w.running.Load(),
		LastActivity: time.Unix(0, w.lastActivity.Load()),
	}
}

func (w *base) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

func (w *base) receiveLoop(ctx context.Context) {
	defer w.loopDone.Done()

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-heartbeat.C:
			w.touch()
			slog.Debug("worker: heartbeat", "role", w.role)
		case env := <-w.router.Inbound(w.role):
			w.process(ctx, env)
		}
	}
}

// process runs one task under the permit pool and the worker timeout. The
// response envelope is routed back exactly once: either the handler's result
// or a timeout error, never both.
func (w *base) process(ctx context.Context, env message.Envelope) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()

		type outcome struct {
			payload message.Payload
			err     error
		}
		done := make(chan outcome, 1)

		go func() {
			// The permit is released here, not in the select below, so an
			// uninterruptible handler abandoned on timeout still frees its
			// slot when it eventually returns.
			defer w.sem.Release(1)
			p, err := w.handle(callCtx, env.Payload)
			done <- outcome{payload: p, err: err}
		}()

		start := time.Now()
		select {
		case out := <-done:
			w.touch()
			if out.err != nil {
				slog.Warn("worker: task failed",
					"role", w.role,
					"correlation_id", env.CorrelationID,
					"error", out.err)
				w.router.RouteResponse(env.Reply(message.ErrorPayload{
					Code:    message.CodeFor(out.err),
					Message: out.err.Error(),
				}))
				return
			}
			slog.Debug("worker: task completed",
				"role", w.role,
				"correlation_id", env.CorrelationID,
				"duration_ms", time.Since(start).Milliseconds())
			w.router.RouteResponse(env.Reply(out.payload))
		case <-callCtx.Done():
			slog.Warn("worker: task abandoned on timeout",
				"role", w.role,
				"correlation_id", env.CorrelationID,
				"timeout", w.cfg.Timeout)
			w.router.RouteResponse(env.Reply(message.ErrorPayload{
				Code:    message.CodeTimeout,
				Message: message.ErrTimeout.Error(),
			}))
		}
	}()
}
