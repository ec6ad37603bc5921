// Package supervisor owns the set of live workers: it starts and stops them,
// polls their health on a fixed interval, and exposes the aggregate status
// snapshot used by liveness checks. The pipeline never holds worker
// references, only role identifiers, so a worker can be replaced without
// touching pipeline code.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/worker"
)

// WorkerState is a worker's lifecycle status as seen by the supervisor.
type WorkerState string

const (
	StateStarting WorkerState = "starting"
	StateRunning  WorkerState = "running"
	StateDegraded WorkerState = "degraded"
	StateStopped  WorkerState = "stopped"
)

// degradeThreshold is how many consecutive failed health polls it takes to
// mark a worker Degraded.
const degradeThreshold = 3

// DefaultHealthInterval is the default health poll period.
const DefaultHealthInterval = 30 * time.Second

// Status is the aggregate snapshot exposed for introspection. Building it is
// side-effect free and non-blocking.
type Status struct {
	Running        bool                   `json:"running"`
	AgentCount     int                    `json:"agent_count"`
	PerWorker      map[string]WorkerState `json:"per_worker_status"`
	ActiveRequests int                    `json:"active_requests"`
}

type registration struct {
	worker        worker.Worker
	state         WorkerState
	failedPolls   int
	lastHeartbeat time.Time
}

// Supervisor is the registry of live workers.
type Supervisor struct {
	mu      sync.RWMutex // read-mostly: mutated only by StartAll/StopAll/health transitions
	workers map[message.Role]*registration
	running bool

	healthInterval time.Duration
	activeRequests atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	loopDone sync.WaitGroup
}

// New creates a supervisor. healthInterval <= 0 uses the default 30s.
func New(healthInterval time.Duration) *Supervisor {
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	return &Supervisor{
		workers:        make(map[message.Role]*registration),
		healthInterval: healthInterval,
		stop:           make(chan struct{}),
	}
}

// Register adds a worker to the registry. Must be called before StartAll.
func (s *Supervisor) Register(w worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[w.Role()]; exists {
		return errors.Errorf("worker for role %q already registered", w.Role())
	}
	s.workers[w.Role()] = &registration{worker: w, state: StateStarting}
	return nil
}

// StartAll starts every registered worker and the health poll loop.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	for role, reg := range s.workers {
		reg.worker.Start(ctx)
		reg.state = StateRunning
		reg.lastHeartbeat = time.Now()
		slog.Info("supervisor: worker running", "role", role)
	}
	s.running = true
	s.mu.Unlock()

	s.loopDone.Add(1)
	go s.healthLoop(ctx)
	slog.Info("supervisor: started", "workers", s.workerCount(), "health_interval", s.healthInterval)
}

// StopAll stops the health loop and every worker.
func (s *Supervisor) StopAll() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.loopDone.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for role, reg := range s.workers {
		reg.worker.Stop()
		reg.state = StateStopped
		slog.Info("supervisor: worker stopped", "role", role)
	}
	s.running = false
}

// Available reports whether a role accepts new dispatches. Degraded and
// stopped workers refuse, so the router fails fast instead of hanging on a
// dead worker. Implements message.HealthView.
func (s *Supervisor) Available(role message.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.workers[role]
	if !ok {
		return false
	}
	return reg.state == StateStarting || reg.state == StateRunning
}

// Status returns the aggregate snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	per := make(map[string]WorkerState, len(s.workers))
	for role, reg := range s.workers {
		per[string(role)] = reg.state
	}
	return Status{
		Running:        s.running,
		AgentCount:     len(s.workers),
		PerWorker:      per,
		ActiveRequests: int(s.activeRequests.Load()),
	}
}

// RequestStarted and RequestFinished track in-flight query runs for the
// status snapshot.
func (s *Supervisor) RequestStarted()  { s.activeRequests.Add(1) }
func (s *Supervisor) RequestFinished() { s.activeRequests.Add(-1) }

func (s *Supervisor) workerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.loopDone.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollAll()
		}
	}
}

// pollAll probes every worker once. Three consecutive failed polls demote a
// worker to Degraded; one healthy poll restores it.
func (s *Supervisor) pollAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for role, reg := range s.workers {
		if reg.state == StateStopped {
			continue
		}
		report := reg.worker.Health()
		if report.Running {
			reg.failedPolls = 0
			reg.lastHeartbeat = report.LastActivity
			if reg.state == StateDegraded {
				slog.Info("supervisor: worker recovered", "role", role)
			}
			reg.state = StateRunning
			continue
		}

		reg.failedPolls++
		slog.Warn("supervisor: health poll failed",
			"role", role,
			"consecutive_failures", reg.failedPolls)
		if reg.failedPolls >= degradeThreshold && reg.state != StateDegraded {
			reg.state = StateDegraded
			slog.Error("supervisor: worker degraded, refusing new dispatches", "role", role)
		}
	}
}
