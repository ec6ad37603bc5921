package message

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HealthView answers whether a worker role currently accepts dispatches.
// The supervisor provides the live implementation.
type HealthView interface {
	Available(role Role) bool
}

// availableAlways is used until a supervisor attaches its health view.
type availableAlways struct{}

func (availableAlways) Available(Role) bool { return true }

type pendingKey struct {
	role          Role
	correlationID string
}

// Pending is the handle for one outstanding dispatch. It resolves exactly
// once, with the response envelope or an error.
type Pending struct {
	role      Role
	ch        chan Envelope
	createdAt time.Time
}

// Await blocks until the response arrives or the context is done. A response
// envelope of kind error is converted back into the corresponding error.
func (p *Pending) Await(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.ch:
		if ep, ok := env.Payload.(ErrorPayload); ok {
			return env, ep.Err()
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ErrTimeout
	}
}

// Router delivers request envelopes to per-role inbound queues and resolves
// pending handles when the matching response arrives. It owns no business
// logic.
type Router struct {
	mu      sync.Mutex
	queues  map[Role]chan Envelope
	pending map[pendingKey]*Pending
	timings map[string]map[string]time.Duration // correlation id -> worker -> elapsed
	health  HealthView

	// duplicateResponses counts responses that arrived for an already
	// resolved or unknown correlation id. Exposed for the anomaly metric.
	duplicateResponses atomic.Uint64
}

// NewRouter creates a router with one buffered inbound queue per worker role.
func NewRouter(queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = 16
	}
	r := &Router{
		queues:  make(map[Role]chan Envelope),
		pending: make(map[pendingKey]*Pending),
		timings: make(map[string]map[string]time.Duration),
		health:  availableAlways{},
	}
	for _, role := range WorkerRoles() {
		r.queues[role] = make(chan Envelope, queueSize)
	}
	return r
}

// SetHealthView attaches the supervisor's health view. Dispatches to roles
// the view reports unavailable fail immediately with ErrWorkerUnavailable.
func (r *Router) SetHealthView(hv HealthView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = hv
}

// Inbound returns the request queue for a role. Workers consume from it.
func (r *Router) Inbound(role Role) <-chan Envelope {
	return r.queues[role]
}

// Dispatch enqueues a request envelope and returns the pending handle for its
// response. At most one dispatch may be outstanding per (recipient role,
// correlation id) pair; a second one is rejected with ErrDuplicateDispatch.
func (r *Router) Dispatch(env Envelope) (*Pending, error) {
	r.mu.Lock()
	if !r.health.Available(env.Recipient) {
		r.mu.Unlock()
		return nil, ErrWorkerUnavailable
	}
	key := pendingKey{role: env.Recipient, correlationID: env.CorrelationID}
	if _, inflight := r.pending[key]; inflight {
		r.mu.Unlock()
		return nil, ErrDuplicateDispatch
	}
	p := &Pending{
		role:      env.Recipient,
		ch:        make(chan Envelope, 1),
		createdAt: time.Now(),
	}
	r.pending[key] = p
	queue := r.queues[env.Recipient]
	r.mu.Unlock()

	select {
	case queue <- env:
		return p, nil
	default:
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		return nil, ErrQueueFull
	}
}

// RouteResponse resolves the pending handle matching the response envelope's
// (sender role, correlation id). Each pending resolves at most once; a late
// or repeated response is dropped and counted as an anomaly.
func (r *Router) RouteResponse(env Envelope) {
	key := pendingKey{role: env.Sender, correlationID: env.CorrelationID}

	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		r.duplicateResponses.Add(1)
		slog.Warn("router: dropping response with no pending dispatch",
			"sender", env.Sender,
			"correlation_id", env.CorrelationID,
			"kind", env.Kind)
		return
	}
	delete(r.pending, key)

	elapsed := time.Since(p.createdAt)
	byWorker, ok := r.timings[env.CorrelationID]
	if !ok {
		byWorker = make(map[string]time.Duration)
		r.timings[env.CorrelationID] = byWorker
	}
	byWorker[string(env.Sender)] = elapsed
	r.mu.Unlock()

	p.ch <- env
}

// TakeTimings returns and clears the recorded dispatch timings for one
// request.
func (r *Router) TakeTimings(correlationID string) map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.timings[correlationID]
	delete(r.timings, correlationID)
	return t
}

// CancelRequest drops every pending handle for a correlation id. Responses
// arriving afterwards are discarded as anomalies. Best-effort cleanup when a
// run is abandoned.
func (r *Router) CancelRequest(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pending {
		if key.correlationID == correlationID {
			delete(r.pending, key)
		}
	}
}

// DuplicateResponses reports how many responses were dropped because no
// pending dispatch matched them.
func (r *Router) DuplicateResponses() uint64 {
	return r.duplicateResponses.Load()
}
