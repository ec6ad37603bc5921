// Package pipeline implements the stage graph that drives one query run:
// Understanding, StrategyDecision, one of the three execution shapes,
// Synthesis, and Finalization, with an ErrorHandling state that retries
// through the safe Sequential path.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seekr-io/seekr/agent/message"
)

// Strategy is the concurrency shape chosen for one request's execution stage.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyHybrid     Strategy = "hybrid"
)

// Stage names the steps of the state machine.
type Stage string

const (
	StageUnderstanding    Stage = "understanding"
	StageStrategyDecision Stage = "strategy_decision"
	StageParallel         Stage = "parallel"
	StageSequential       Stage = "sequential"
	StageHybrid           Stage = "hybrid"
	StageSynthesis        Stage = "synthesis"
	StageErrorHandling    Stage = "error_handling"
	StageFinalization     Stage = "finalization"
)

// ErrorDescriptor is one recorded failure. Errors are append-only.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// RequestState is the single mutable record threaded through every stage of
// one run. Each run owns its own instance; it is never shared across
// concurrent runs and needs no locking. Once a field group is written by its
// owning stage, later stages only append (errors, timings, worker results).
type RequestState struct {
	RequestID string `json:"request_id"`
	Query     string `json:"query"`

	// Written once by the understanding stage.
	NormalizedQuery string         `json:"normalized_query"`
	ExpandedTerms   []string       `json:"expanded_terms"`
	IsBroadSubject  bool           `json:"is_broad_subject"`
	Intent          message.Intent `json:"intent"`

	// Written once by the decision stage.
	Strategy Strategy `json:"strategy"`

	// Appended by execution stages, never overwritten.
	WorkerResults map[message.Role]message.Payload `json:"-"`

	Answer         string                         `json:"answer"`
	Sources        []message.SourceRecord         `json:"sources"`
	GroupedSources map[string]message.SourceGroup `json:"grouped_sources"`

	Errors []ErrorDescriptor `json:"errors"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Timings map[string]time.Duration `json:"timings"`

	StartedAt      time.Time     `json:"-"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// NewRequestState creates the state for one run, generating its request id.
func NewRequestState(query string, maxRetries int) *RequestState {
	return &RequestState{
		RequestID:     uuid.NewString(),
		Query:         query,
		WorkerResults: make(map[message.Role]message.Payload),
		Timings:       make(map[string]time.Duration),
		MaxRetries:    maxRetries,
		StartedAt:     time.Now(),
	}
}

func (st *RequestState) appendError(stage Stage, err error) {
	st.Errors = append(st.Errors, ErrorDescriptor{
		Code:    message.CodeFor(err),
		Stage:   stage,
		Message: err.Error(),
	})
}

func (st *RequestState) recordTiming(name string, d time.Duration) {
	st.Timings[name] = d
}

// setWorkerResult records a worker's result payload. Results are written once
// per role; a second write for the same role is dropped and reported false.
func (st *RequestState) setWorkerResult(role message.Role, p message.Payload) bool {
	if _, exists := st.WorkerResults[role]; exists {
		slog.Warn("pipeline: dropping second result for role",
			"request_id", st.RequestID,
			"role", role)
		return false
	}
	st.WorkerResults[role] = p
	return true
}

func (st *RequestState) hasResult(role message.Role) bool {
	_, ok := st.WorkerResults[role]
	return ok
}

// HasError reports whether any recorded error carries the given code.
func (st *RequestState) HasError(code string) bool {
	for _, e := range st.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
