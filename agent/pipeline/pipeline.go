package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/worker"
	"github.com/seekr-io/seekr/search"
)

// Config holds the pipeline's tunables. The strategy thresholds are carried
// as configuration rather than hard-coded so they can be adjusted without a
// code change.
type Config struct {
	// ParallelTermThreshold: a broad-subject query with more expanded terms
	// than this runs Parallel.
	ParallelTermThreshold int

	// SequentialTermThreshold: a query with this many expanded terms or
	// fewer runs Sequential.
	SequentialTermThreshold int

	// MaxRetries bounds the ErrorHandling -> Sequential loop.
	MaxRetries int

	// RetryBackoff is the initial backoff before a retry pass.
	RetryBackoff time.Duration

	// MaxResults caps the search worker's result list.
	MaxResults int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ParallelTermThreshold:   3,
		SequentialTermThreshold: 2,
		MaxRetries:              3,
		RetryBackoff:            time.Second,
		MaxResults:              search.DefaultMaxResults,
	}
}

// Decide applies the strategy-selection policy. Deterministic and exhaustive:
// every (broad, termCount) combination maps to exactly one strategy.
func (c Config) Decide(isBroadSubject bool, termCount int) Strategy {
	switch {
	case isBroadSubject && termCount > c.ParallelTermThreshold:
		return StrategyParallel
	case termCount <= c.SequentialTermThreshold:
		return StrategySequential
	default:
		return StrategyHybrid
	}
}

// Pipeline executes the stage graph. It holds no per-run state and is safe
// for concurrent runs; all per-run data lives in the RequestState, which is
// only ever mutated from the run's own goroutine.
type Pipeline struct {
	router *message.Router
	cfg    Config
}

// New creates a pipeline over the given router.
func New(router *message.Router, cfg Config) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = search.DefaultMaxResults
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Pipeline{router: router, cfg: cfg}
}

// Config exposes the pipeline's effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run drives the state machine to Finalization. It never returns an error:
// every failure ends up recorded in the state, which always finalizes with a
// non-empty answer and non-nil sources, grouped sources and errors.
func (p *Pipeline) Run(ctx context.Context, st *RequestState) {
	defer p.finalize(st)

	// Empty queries fail fast, before any worker dispatch.
	if strings.TrimSpace(st.Query) == "" {
		st.appendError(StageUnderstanding, message.ErrInvalidInput)
		return
	}

	p.runUnderstanding(ctx, st)

	st.Strategy = p.cfg.Decide(st.IsBroadSubject, len(st.ExpandedTerms))
	slog.Info("pipeline: strategy decided",
		"request_id", st.RequestID,
		"strategy", st.Strategy,
		"broad", st.IsBroadSubject,
		"terms", len(st.ExpandedTerms))

	err := p.execute(ctx, st, st.Strategy)

	// ErrorHandling: a bounded loop re-entering the safe Sequential path,
	// rather than re-entering the graph, so termination is structural.
	for err != nil {
		st.appendError(StageErrorHandling, err)

		if errors.Is(err, message.ErrDuplicateDispatch) {
			// Invariant violation: abort, never re-dispatch.
			slog.Error("pipeline: duplicate dispatch, aborting run",
				"request_id", st.RequestID)
			return
		}
		if st.RetryCount >= st.MaxRetries {
			slog.Warn("pipeline: retries exhausted",
				"request_id", st.RequestID,
				"retry_count", st.RetryCount)
			return
		}
		if ctx.Err() != nil {
			st.appendError(StageErrorHandling, message.ErrTimeout)
			return
		}

		st.RetryCount++
		slog.Info("pipeline: retrying via sequential path",
			"request_id", st.RequestID,
			"retry", st.RetryCount,
			"cause", err.Error())
		select {
		case <-time.After(p.cfg.RetryBackoff * time.Duration(st.RetryCount)):
		case <-ctx.Done():
			st.appendError(StageErrorHandling, message.ErrTimeout)
			return
		}
		err = p.execute(ctx, st, StrategySequential)
	}

	p.runSynthesis(ctx, st)
}

// runUnderstanding dispatches the understanding worker and merges its
// analysis. On failure the query is analyzed in-process so the decision stage
// always has real inputs; the failure is still recorded.
func (p *Pipeline) runUnderstanding(ctx context.Context, st *RequestState) {
	start := time.Now()
	defer func() { st.recordTiming("understanding_stage", time.Since(start)) }()

	res, err := p.awaitUnderstanding(ctx, st)
	if err != nil {
		st.appendError(StageUnderstanding, err)
		res = worker.Analyze(st.Query)
	}

	st.NormalizedQuery = res.NormalizedQuery
	st.ExpandedTerms = res.ExpandedTerms
	st.IsBroadSubject = res.IsBroadSubject
	st.Intent = res.Intent
	st.setWorkerResult(message.RoleUnderstanding, res)
}

func (p *Pipeline) awaitUnderstanding(ctx context.Context, st *RequestState) (message.UnderstandResult, error) {
	pending, err := p.dispatch(st, message.RoleUnderstanding, message.UnderstandRequest{Query: st.Query})
	if err != nil {
		return message.UnderstandResult{}, err
	}
	env, err := pending.Await(ctx)
	if err != nil {
		return message.UnderstandResult{}, err
	}
	res, ok := env.Payload.(message.UnderstandResult)
	if !ok {
		return message.UnderstandResult{}, errors.Errorf("unexpected understanding payload %T", env.Payload)
	}
	return res, nil
}

// execute runs the chosen concurrency shape. A returned error routes the run
// into ErrorHandling; nil means the execution stage completed, possibly with
// recorded partial failures.
func (p *Pipeline) execute(ctx context.Context, st *RequestState, strategy Strategy) error {
	switch strategy {
	case StrategyParallel:
		return p.runParallel(ctx, st)
	case StrategyHybrid:
		return p.runHybrid(ctx, st)
	default:
		return p.runSequential(ctx, st)
	}
}

// runParallel dispatches Search and Grouping concurrently and waits for both.
// Neither branch's failure blocks or aborts the other. The goroutines only
// produce results; all merging into the state happens after the join, so the
// merge is order-independent by construction.
func (p *Pipeline) runParallel(ctx context.Context, st *RequestState) error {
	start := time.Now()
	defer func() { st.recordTiming("parallel_stage", time.Since(start)) }()

	var (
		wg          sync.WaitGroup
		searchRes   message.SearchResult
		searchErr   error
		groupingRes message.GroupResult
		groupingErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		searchRes, searchErr = p.awaitSearch(ctx, st)
	}()
	go func() {
		// Grouping runs before search results exist in this shape, so it
		// receives no sources; finalization regroups the final source list.
		defer wg.Done()
		groupingRes, groupingErr = p.awaitGrouping(ctx, st, nil)
	}()
	wg.Wait()

	if searchErr == nil {
		p.mergeSearch(st, searchRes)
	} else if !p.recordSoft(st, StageParallel, searchErr) {
		// Still merge the surviving sibling before bailing out.
		if groupingErr == nil {
			p.mergeGrouping(st, groupingRes)
		}
		return searchErr
	}
	if groupingErr == nil {
		p.mergeGrouping(st, groupingRes)
	} else if !p.recordSoft(st, StageParallel, groupingErr) {
		return groupingErr
	}
	return nil
}

// runSequential awaits Search fully before Grouping is dispatched. Steps that
// already produced a result on an earlier pass are skipped, which makes the
// retry path idempotent.
func (p *Pipeline) runSequential(ctx context.Context, st *RequestState) error {
	start := time.Now()
	defer func() { st.recordTiming("sequential_stage", time.Since(start)) }()

	if !st.hasResult(message.RoleSearch) {
		res, err := p.awaitSearch(ctx, st)
		if err != nil {
			if !p.recordSoft(st, StageSequential, err) {
				return err
			}
		} else {
			p.mergeSearch(st, res)
		}
	}
	if !st.hasResult(message.RoleGrouping) {
		res, err := p.awaitGrouping(ctx, st, st.Sources)
		if err != nil {
			if !p.recordSoft(st, StageSequential, err) {
				return err
			}
		} else {
			p.mergeGrouping(st, res)
		}
	}
	return nil
}

// runHybrid treats Search as a hard prerequisite, then runs Grouping and
// Synthesis concurrently over the search result. Synthesis is deliberately
// dispatched before grouping completes: the answer is generated from the raw
// ranked sources, without categorized context.
func (p *Pipeline) runHybrid(ctx context.Context, st *RequestState) error {
	start := time.Now()
	defer func() { st.recordTiming("hybrid_stage", time.Since(start)) }()

	if !st.hasResult(message.RoleSearch) {
		res, err := p.awaitSearch(ctx, st)
		if err != nil {
			if !p.recordSoft(st, StageHybrid, err) {
				return err
			}
		} else {
			p.mergeSearch(st, res)
		}
	}

	var (
		wg           sync.WaitGroup
		groupingRes  message.GroupResult
		groupingErr  error
		synthesisRes message.SynthesizeResult
		synthesisErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		groupingRes, groupingErr = p.awaitGrouping(ctx, st, st.Sources)
	}()
	go func() {
		defer wg.Done()
		synthesisRes, synthesisErr = p.awaitSynthesis(ctx, st)
	}()
	wg.Wait()

	if groupingErr == nil {
		p.mergeGrouping(st, groupingRes)
	} else if !p.recordSoft(st, StageHybrid, groupingErr) {
		if synthesisErr == nil {
			p.mergeSynthesis(st, synthesisRes)
		}
		return groupingErr
	}
	if synthesisErr == nil {
		p.mergeSynthesis(st, synthesisRes)
	} else {
		// Synthesis failures never hard-fail the run; the synthesis stage
		// rebuilds the answer from the fallback path.
		st.appendError(StageHybrid, synthesisErr)
	}
	return nil
}

// recordSoft appends err to the state if it is a recoverable partial failure
// and reports whether it was handled. Timeouts, unavailable workers and
// dispatch-invariant violations stay hard: they route to ErrorHandling.
func (p *Pipeline) recordSoft(st *RequestState, stage Stage, err error) bool {
	switch {
	case errors.Is(err, message.ErrTimeout),
		errors.Is(err, message.ErrWorkerUnavailable),
		errors.Is(err, message.ErrDuplicateDispatch),
		errors.Is(err, message.ErrQueueFull):
		return false
	default:
		st.appendError(stage, err)
		return true
	}
}

func (p *Pipeline) awaitSearch(ctx context.Context, st *RequestState) (message.SearchResult, error) {
	pending, err := p.dispatch(st, message.RoleSearch, message.SearchRequest{
		Query:           st.Query,
		NormalizedQuery: st.NormalizedQuery,
		ExpandedTerms:   st.ExpandedTerms,
		IsBroadSubject:  st.IsBroadSubject,
		MaxResults:      p.cfg.MaxResults,
	})
	if err != nil {
		return message.SearchResult{}, err
	}
	env, err := pending.Await(ctx)
	if err != nil {
		return message.SearchResult{}, err
	}
	res, ok := env.Payload.(message.SearchResult)
	if !ok {
		return message.SearchResult{}, errors.Errorf("unexpected search payload %T", env.Payload)
	}
	return res, nil
}

func (p *Pipeline) mergeSearch(st *RequestState, res message.SearchResult) {
	if st.setWorkerResult(message.RoleSearch, res) {
		st.Sources = res.Sources
	}
}

func (p *Pipeline) awaitGrouping(ctx context.Context, st *RequestState, sources []message.SourceRecord) (message.GroupResult, error) {
	pending, err := p.dispatch(st, message.RoleGrouping, message.GroupRequest{
		Query:   st.Query,
		Sources: sources,
	})
	if err != nil {
		return message.GroupResult{}, err
	}
	env, err := pending.Await(ctx)
	if err != nil {
		return message.GroupResult{}, err
	}
	res, ok := env.Payload.(message.GroupResult)
	if !ok {
		return message.GroupResult{}, errors.Errorf("unexpected grouping payload %T", env.Payload)
	}
	return res, nil
}

func (p *Pipeline) mergeGrouping(st *RequestState, res message.GroupResult) {
	if st.setWorkerResult(message.RoleGrouping, res) && len(res.Groups) > 0 {
		st.GroupedSources = res.Groups
	}
}

func (p *Pipeline) awaitSynthesis(ctx context.Context, st *RequestState) (message.SynthesizeResult, error) {
	pending, err := p.dispatch(st, message.RoleSynthesis, message.SynthesizeRequest{
		Query:   st.Query,
		Sources: st.Sources,
	})
	if err != nil {
		return message.SynthesizeResult{}, err
	}
	env, err := pending.Await(ctx)
	if err != nil {
		return message.SynthesizeResult{}, err
	}
	res, ok := env.Payload.(message.SynthesizeResult)
	if !ok {
		return message.SynthesizeResult{}, errors.Errorf("unexpected synthesis payload %T", env.Payload)
	}
	return res, nil
}

func (p *Pipeline) mergeSynthesis(st *RequestState, res message.SynthesizeResult) {
	if st.setWorkerResult(message.RoleSynthesis, res) {
		st.Answer = res.Answer
	}
}

// runSynthesis produces the answer unless the hybrid shape already did. Any
// failure here is absorbed into the deterministic fallback; synthesis never
// fails the run.
func (p *Pipeline) runSynthesis(ctx context.Context, st *RequestState) {
	start := time.Now()
	defer func() { st.recordTiming("synthesis_stage", time.Since(start)) }()

	if st.hasResult(message.RoleSynthesis) {
		return
	}
	res, err := p.awaitSynthesis(ctx, st)
	if err != nil {
		slog.Warn("pipeline: synthesis dispatch failed, using local fallback",
			"request_id", st.RequestID,
			"error", err)
		st.Answer = worker.FallbackAnswer(st.Query, st.Sources)
		return
	}
	p.mergeSynthesis(st, res)
}

func (p *Pipeline) dispatch(st *RequestState, recipient message.Role, payload message.Payload) (*message.Pending, error) {
	env := message.NewEnvelope(message.RoleOrchestrator, recipient, payload, st.RequestID)
	return p.router.Dispatch(env)
}

// failureAnswer is returned when a run exhausts its retries or aborts.
const failureAnswer = "I encountered an error while processing your query. Please try again."

// noSourcesAnswer explains an empty result when search was the failing stage.
const noSourcesAnswer = "I couldn't reach the document index for this query, so no sources are available right now. Please try again shortly."

// finalize is the sole terminal stage. It guarantees the response shape:
// non-empty answer, non-nil sources, grouped sources, and errors.
func (p *Pipeline) finalize(st *RequestState) {
	if st.Sources == nil {
		st.Sources = []message.SourceRecord{}
	}
	if len(st.GroupedSources) == 0 {
		if len(st.Sources) > 0 {
			st.GroupedSources = worker.GroupSources(st.Sources)
		} else {
			st.GroupedSources = map[string]message.SourceGroup{}
		}
	}
	if st.Errors == nil {
		st.Errors = []ErrorDescriptor{}
	}

	if st.Answer == "" {
		switch {
		case st.HasError(message.CodeInvalidInput):
			st.Answer = "Please provide a non-empty query."
		case len(st.Sources) == 0 && st.HasError(message.CodeSearchUnavailable):
			st.Answer = noSourcesAnswer
		case len(st.Errors) > 0:
			st.Answer = failureAnswer
		default:
			st.Answer = worker.FallbackAnswer(st.Query, st.Sources)
		}
	}

	for name, d := range p.router.TakeTimings(st.RequestID) {
		st.recordTiming(name, d)
	}
	st.ProcessingTime = time.Since(st.StartedAt)

	slog.Info("pipeline: run finalized",
		"request_id", st.RequestID,
		"strategy", st.Strategy,
		"sources", len(st.Sources),
		"errors", len(st.Errors),
		"retries", st.RetryCount,
		"duration_ms", st.ProcessingTime.Milliseconds())
}
