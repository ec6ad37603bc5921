// Package orchestrator is the single entry point for query processing. It
// composes the router, the supervisor and the pipeline, applies the per-run
// time budget, and records run outcomes to metrics and the query log.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/metrics"
	"github.com/seekr-io/seekr/agent/pipeline"
	"github.com/seekr-io/seekr/agent/supervisor"
	"github.com/seekr-io/seekr/store"
)

// DefaultRunTimeout is the per-query time budget.
const DefaultRunTimeout = 30 * time.Second

// Options tunes the orchestrator.
type Options struct {
	// RunTimeout bounds one query run end to end. <= 0 uses the default 30s.
	RunTimeout time.Duration

	// Exporter receives run metrics. Optional.
	Exporter *metrics.Exporter

	// QueryLog receives completed-run records. Optional; nil means no log.
	QueryLog store.QueryLog
}

// Orchestrator drives query runs. Safe for concurrent use: each run owns its
// own RequestState and the shared components are concurrency-safe.
type Orchestrator struct {
	router     *message.Router
	sup        *supervisor.Supervisor
	pipe       *pipeline.Pipeline
	exporter   *metrics.Exporter
	queryLog   store.QueryLog
	runTimeout time.Duration
}

// New composes an orchestrator from its parts.
func New(router *message.Router, sup *supervisor.Supervisor, pipe *pipeline.Pipeline, opts Options) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	queryLog := opts.QueryLog
	if queryLog == nil {
		queryLog = store.NopQueryLog{}
	}
	return &Orchestrator{
		router:     router,
		sup:        sup,
		pipe:       pipe,
		exporter:   opts.Exporter,
		queryLog:   queryLog,
		runTimeout: opts.RunTimeout,
	}
}

// ProcessQuery runs one query through the full pipeline and returns the
// finalized state. It always returns a complete state: non-empty answer,
// non-nil sources, grouped sources and errors, within the run budget.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string) *pipeline.RequestState {
	st := pipeline.NewRequestState(query, o.pipe.Config().MaxRetries)

	o.sup.RequestStarted()
	defer o.sup.RequestFinished()

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	slog.Info("orchestrator: query accepted",
		"request_id", st.RequestID,
		"query_len", len(query))

	o.pipe.Run(runCtx, st)

	// Drop any request entries a hung worker left behind, so its eventual
	// reply is counted as an anomaly instead of leaking a pending slot.
	o.router.CancelRequest(st.RequestID)

	o.record(st)
	o.logRun(st)
	return st
}

// Status returns the live component snapshot.
func (o *Orchestrator) Status() supervisor.Status {
	return o.sup.Status()
}

// RecentRuns returns the most recent completed runs from the query log.
func (o *Orchestrator) RecentRuns(ctx context.Context, limit int) ([]store.QueryRecord, error) {
	return o.queryLog.Recent(ctx, limit)
}

func (o *Orchestrator) record(st *pipeline.RequestState) {
	if o.exporter == nil {
		return
	}
	o.exporter.RecordQuery(string(st.Strategy), st.ProcessingTime, st.RetryCount, len(st.Errors) == 0)
	for _, e := range st.Errors {
		o.exporter.RecordWorkerError(string(e.Stage), e.Code)
	}
	for name, d := range st.Timings {
		if strings.HasSuffix(name, "_stage") {
			continue
		}
		o.exporter.RecordWorkerLatency(name, d)
	}
	o.exporter.SetActiveRuns(o.sup.Status().ActiveRequests)
	o.exporter.SetDuplicateResponses(o.router.DuplicateResponses())
}

// logRun appends the run to the query log. Best-effort: a storage failure is
// logged and swallowed, never surfaced to the caller.
func (o *Orchestrator) logRun(st *pipeline.RequestState) {
	logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := o.queryLog.Append(logCtx, store.QueryRecord{
		RequestID:      st.RequestID,
		Query:          st.Query,
		Strategy:       string(st.Strategy),
		Answer:         st.Answer,
		SourceCount:    len(st.Sources),
		ErrorCount:     len(st.Errors),
		RetryCount:     st.RetryCount,
		ProcessingTime: st.ProcessingTime,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		slog.Warn("orchestrator: query log append failed",
			"request_id", st.RequestID,
			"error", err)
	}
}
