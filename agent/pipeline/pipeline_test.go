package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/worker"
)

// roleHandler scripts one worker role. Returning nil simulates a hung worker
// that never replies.
type roleHandler func(env message.Envelope) message.Payload

func serveRole(t *testing.T, r *message.Router, role message.Role, fn roleHandler) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case env := <-r.Inbound(role):
				if payload := fn(env); payload != nil {
					r.RouteResponse(env.Reply(payload))
				}
			}
		}
	}()
}

func serveUnderstanding(t *testing.T, r *message.Router) {
	serveRole(t, r, message.RoleUnderstanding, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.UnderstandRequest)
		return worker.Analyze(req.Query)
	})
}

func serveSynthesisAnswer(t *testing.T, r *message.Router, answer string) {
	serveRole(t, r, message.RoleSynthesis, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.SynthesizeRequest)
		return message.SynthesizeResult{Answer: answer, Sources: req.Sources}
	})
}

func serveGroupingReal(t *testing.T, r *message.Router) {
	serveRole(t, r, message.RoleGrouping, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.GroupRequest)
		return message.GroupResult{Groups: worker.GroupSources(req.Sources)}
	})
}

func testSources(n int) []message.SourceRecord {
	out := make([]message.SourceRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, message.SourceRecord{Title: "Doc", Score: 1 - float64(i)/float64(n+1)})
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

// broadQuery expands to more terms than the parallel threshold.
const broadQuery = "What is the PTO policy?"

// narrowQuery expands to at most the sequential threshold's terms.
const narrowQuery = "deploy"

func TestDecideStrategy(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		broad     bool
		termCount int
		want      Strategy
	}{
		{true, 4, StrategyParallel},
		{true, 10, StrategyParallel},
		{true, 3, StrategyHybrid},
		{true, 2, StrategySequential},
		{true, 0, StrategySequential},
		{false, 1, StrategySequential},
		{false, 2, StrategySequential},
		{false, 3, StrategyHybrid},
		{false, 10, StrategyHybrid},
	}
	for _, tt := range tests {
		got := cfg.Decide(tt.broad, tt.termCount)
		assert.Equal(t, tt.want, got, "broad=%v terms=%d", tt.broad, tt.termCount)
	}
}

func TestEmptyQueryFailsFastWithoutDispatch(t *testing.T) {
	router := message.NewRouter(4)
	var dispatched atomic.Int32
	for _, role := range message.WorkerRoles() {
		serveRole(t, router, role, func(message.Envelope) message.Payload {
			dispatched.Add(1)
			return nil
		})
	}

	p := New(router, testConfig())
	st := NewRequestState("   ", 3)
	p.Run(context.Background(), st)

	assert.Equal(t, "Please provide a non-empty query.", st.Answer)
	assert.True(t, st.HasError(message.CodeInvalidInput))
	assert.NotNil(t, st.Sources)
	assert.NotNil(t, st.GroupedSources)
	assert.Equal(t, int32(0), dispatched.Load())
}

func TestParallelRunSurvivesGroupingFailure(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveSynthesisAnswer(t, router, "synthesized answer")
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.SearchResult{Sources: testSources(3), TotalFound: 3}
	})
	var groupingSawSources atomic.Int32
	serveRole(t, router, message.RoleGrouping, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.GroupRequest)
		groupingSawSources.Store(int32(len(req.Sources)))
		return message.ErrorPayload{Code: message.CodeInternal, Message: "categorizer crashed"}
	})

	p := New(router, testConfig())
	st := NewRequestState(broadQuery, 3)
	p.Run(context.Background(), st)

	assert.Equal(t, StrategyParallel, st.Strategy)
	// The grouping branch runs before search results exist in this shape.
	assert.Equal(t, int32(0), groupingSawSources.Load())
	// Its failure is recorded but does not block the run.
	require.Len(t, st.Errors, 1)
	assert.Equal(t, StageParallel, st.Errors[0].Stage)
	assert.Len(t, st.Sources, 3)
	assert.Equal(t, "synthesized answer", st.Answer)
	// Finalization regroups the surviving sources locally.
	assert.NotEmpty(t, st.GroupedSources)
	assert.Equal(t, 0, st.RetryCount)
}

func TestBroadQueryRunsParallelOverLargeResultSet(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveSynthesisAnswer(t, router, "broad answer")
	serveGroupingReal(t, router)
	serveRole(t, router, message.RoleSearch, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.SearchRequest)
		assert.True(t, req.IsBroadSubject)
		assert.Greater(t, len(req.ExpandedTerms), 3)
		return message.SearchResult{Sources: testSources(100), TotalFound: 240}
	})

	p := New(router, testConfig())
	st := NewRequestState(broadQuery, 3)
	p.Run(context.Background(), st)

	assert.Equal(t, StrategyParallel, st.Strategy)
	assert.Len(t, st.Sources, 100)
	assert.Equal(t, "broad answer", st.Answer)
	require.Contains(t, st.GroupedSources, "most_relevant")
	assert.Equal(t, 5, st.GroupedSources["most_relevant"].Count)
	assert.Empty(t, st.Errors)
}

func TestSequentialOrderingAndDataFlow(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveSynthesisAnswer(t, router, "ok")

	var (
		mu    sync.Mutex
		order []message.Role
	)
	record := func(role message.Role) {
		mu.Lock()
		order = append(order, role)
		mu.Unlock()
	}

	sources := testSources(2)
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		record(message.RoleSearch)
		return message.SearchResult{Sources: sources, TotalFound: 2}
	})
	var groupingGot atomic.Int32
	serveRole(t, router, message.RoleGrouping, func(env message.Envelope) message.Payload {
		record(message.RoleGrouping)
		req := env.Payload.(message.GroupRequest)
		groupingGot.Store(int32(len(req.Sources)))
		return message.GroupResult{Groups: worker.GroupSources(req.Sources)}
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)
	p.Run(context.Background(), st)

	assert.Equal(t, StrategySequential, st.Strategy)
	mu.Lock()
	require.Equal(t, []message.Role{message.RoleSearch, message.RoleGrouping}, order)
	mu.Unlock()
	// Grouping saw the completed search result, not an empty list.
	assert.Equal(t, int32(2), groupingGot.Load())
	assert.Len(t, st.Sources, 2)
	assert.NotEmpty(t, st.GroupedSources)
	assert.Empty(t, st.Errors)
}

func TestRetryAfterTimeoutThenSuccess(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveSynthesisAnswer(t, router, "recovered")
	serveGroupingReal(t, router)

	var searchCalls atomic.Int32
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		if searchCalls.Add(1) <= 2 {
			return message.ErrorPayload{Code: message.CodeTimeout, Message: "slow backend"}
		}
		return message.SearchResult{Sources: testSources(1), TotalFound: 1}
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)
	p.Run(context.Background(), st)

	assert.Equal(t, int32(3), searchCalls.Load())
	assert.Equal(t, 2, st.RetryCount)
	assert.Len(t, st.Sources, 1)
	assert.Equal(t, "recovered", st.Answer)
	assert.True(t, st.HasError(message.CodeTimeout))
}

func TestRetrySkipsCompletedSteps(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveSynthesisAnswer(t, router, "done")

	var searchCalls, groupingCalls atomic.Int32
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		searchCalls.Add(1)
		return message.SearchResult{Sources: testSources(2), TotalFound: 2}
	})
	serveRole(t, router, message.RoleGrouping, func(env message.Envelope) message.Payload {
		if groupingCalls.Add(1) <= 2 {
			return message.ErrorPayload{Code: message.CodeTimeout, Message: "stuck"}
		}
		req := env.Payload.(message.GroupRequest)
		return message.GroupResult{Groups: worker.GroupSources(req.Sources)}
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)
	p.Run(context.Background(), st)

	// The retry passes must not re-run the search step that already produced
	// its result.
	assert.Equal(t, int32(1), searchCalls.Load())
	assert.Equal(t, int32(3), groupingCalls.Load())
	assert.Equal(t, 2, st.RetryCount)
	assert.Len(t, st.Sources, 2)
	assert.NotEmpty(t, st.GroupedSources)
}

func TestRetriesExhausted(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.ErrorPayload{Code: message.CodeTimeout, Message: "always slow"}
	})
	serveGroupingReal(t, router)
	serveSynthesisAnswer(t, router, "never reached")

	cfg := testConfig()
	cfg.MaxRetries = 2
	p := New(router, cfg)
	st := NewRequestState(narrowQuery, cfg.MaxRetries)
	p.Run(context.Background(), st)

	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, failureAnswer, st.Answer)
	assert.True(t, st.HasError(message.CodeTimeout))
	assert.Empty(t, st.Sources)
	assert.NotNil(t, st.Sources)
	assert.NotNil(t, st.GroupedSources)
}

func TestDuplicateDispatchAbortsWithoutRetry(t *testing.T) {
	router := message.NewRouter(8)
	serveUnderstanding(t, router)

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)

	// Occupy the (search, request id) slot so the run's own dispatch trips
	// the duplicate guard.
	_, err := router.Dispatch(message.NewEnvelope(message.RoleOrchestrator, message.RoleSearch, message.SearchRequest{}, st.RequestID))
	require.NoError(t, err)

	p.Run(context.Background(), st)

	assert.True(t, st.HasError(message.CodeDuplicateDispatch))
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, failureAnswer, st.Answer)
}

func TestSynthesisFailureIsInvisibleToCaller(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveGroupingReal(t, router)
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.SearchResult{Sources: testSources(2), TotalFound: 2}
	})
	serveRole(t, router, message.RoleSynthesis, func(message.Envelope) message.Payload {
		return message.ErrorPayload{Code: message.CodeSynthesisUnavailable, Message: "llm down"}
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)
	p.Run(context.Background(), st)

	assert.Contains(t, st.Answer, "I found 2 relevant documents")
	assert.False(t, st.HasError(message.CodeSynthesisUnavailable))
	assert.Len(t, st.Sources, 2)
}

func TestSearchOutageDegradesToSourcelessRun(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveGroupingReal(t, router)
	serveSynthesisAnswer(t, router, "no sources, still answering")
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.ErrorPayload{Code: message.CodeSearchUnavailable, Message: "index down"}
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)
	p.Run(context.Background(), st)

	assert.True(t, st.HasError(message.CodeSearchUnavailable))
	assert.Equal(t, 0, st.RetryCount, "backend outage is not retried")
	assert.NotNil(t, st.Sources)
	assert.Empty(t, st.Sources)
	assert.NotNil(t, st.GroupedSources)
	assert.Equal(t, "no sources, still answering", st.Answer)
}

func TestSearchOutagePlusHardFailureExplainsMissingSources(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.ErrorPayload{Code: message.CodeSearchUnavailable, Message: "index down"}
	})
	serveRole(t, router, message.RoleGrouping, func(message.Envelope) message.Payload {
		return message.ErrorPayload{Code: message.CodeTimeout, Message: "stuck"}
	})
	serveSynthesisAnswer(t, router, "never reached")

	cfg := testConfig()
	cfg.MaxRetries = 1
	p := New(router, cfg)
	st := NewRequestState(narrowQuery, cfg.MaxRetries)
	p.Run(context.Background(), st)

	assert.Equal(t, noSourcesAnswer, st.Answer)
	assert.True(t, st.HasError(message.CodeSearchUnavailable))
}

func TestRunReturnsWithinBudgetWithHungWorker(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveGroupingReal(t, router)
	serveSynthesisAnswer(t, router, "unused")
	// The search worker never replies at all.
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return nil
	})

	p := New(router, testConfig())
	st := NewRequestState(narrowQuery, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Run(ctx, st)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second)
	assert.True(t, st.HasError(message.CodeTimeout))
	assert.Equal(t, failureAnswer, st.Answer)
	assert.NotNil(t, st.Sources)
	assert.NotNil(t, st.GroupedSources)
	assert.NotEmpty(t, st.Errors)
}

func TestHybridRunsSynthesisFromSearchResult(t *testing.T) {
	router := message.NewRouter(4)
	serveUnderstanding(t, router)
	serveGroupingReal(t, router)
	serveRole(t, router, message.RoleSearch, func(message.Envelope) message.Payload {
		return message.SearchResult{Sources: testSources(4), TotalFound: 4}
	})
	var synthesisGot atomic.Int32
	serveRole(t, router, message.RoleSynthesis, func(env message.Envelope) message.Payload {
		req := env.Payload.(message.SynthesizeRequest)
		synthesisGot.Store(int32(len(req.Sources)))
		return message.SynthesizeResult{Answer: "hybrid answer", Sources: req.Sources}
	})

	// "reset my corporate password now" is narrow with more than two terms.
	p := New(router, testConfig())
	st := NewRequestState("reset my corporate password now", 3)
	p.Run(context.Background(), st)

	assert.Equal(t, StrategyHybrid, st.Strategy)
	// Synthesis ran over the completed search result.
	assert.Equal(t, int32(4), synthesisGot.Load())
	assert.Equal(t, "hybrid answer", st.Answer)
	assert.Len(t, st.Sources, 4)
	assert.NotEmpty(t, st.GroupedSources)
	assert.Empty(t, st.Errors)
}

func TestFinalizeShapeGuarantee(t *testing.T) {
	p := New(message.NewRouter(1), testConfig())
	st := NewRequestState("q", 3)
	// Simulate a run that died before producing anything.
	p.finalize(st)

	assert.NotEmpty(t, st.Answer)
	assert.NotNil(t, st.Sources)
	assert.NotNil(t, st.GroupedSources)
	assert.NotNil(t, st.Errors)
	assert.Greater(t, st.ProcessingTime, time.Duration(0))
}

func TestSecondResultForRoleIsDropped(t *testing.T) {
	st := NewRequestState("q", 3)
	first := message.SearchResult{TotalFound: 1}
	second := message.SearchResult{TotalFound: 2}

	assert.True(t, st.setWorkerResult(message.RoleSearch, first))
	assert.False(t, st.setWorkerResult(message.RoleSearch, second))
	assert.Equal(t, first, st.WorkerResults[message.RoleSearch])
}
