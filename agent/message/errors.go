package message

import "errors"

// Error codes carried by ErrorPayload. They mirror the sentinel errors below
// so a failure can cross the envelope boundary and come back out as the same
// error value.
const (
	CodeInvalidInput         = "invalid_input"
	CodeWorkerUnavailable    = "worker_unavailable"
	CodeTimeout              = "timeout"
	CodeSearchUnavailable    = "search_unavailable"
	CodeSynthesisUnavailable = "synthesis_unavailable"
	CodeDuplicateDispatch    = "duplicate_dispatch"
	CodeInternal             = "internal"
)

var (
	// ErrInvalidInput marks a bad request. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWorkerUnavailable is returned when dispatching to a degraded or
	// stopped worker.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrTimeout marks a per-worker or per-run deadline exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrSearchUnavailable marks a search backend outage.
	ErrSearchUnavailable = errors.New("search unavailable")

	// ErrSynthesisUnavailable marks a generation backend outage. Always
	// recovered locally via the deterministic fallback answer.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")

	// ErrDuplicateDispatch marks a second in-flight dispatch for the same
	// (worker role, correlation id) pair. Programming-level invariant
	// violation.
	ErrDuplicateDispatch = errors.New("duplicate dispatch")

	// ErrQueueFull is returned when a worker's inbound queue is saturated.
	ErrQueueFull = errors.New("worker queue full")
)

var codeToErr = map[string]error{
	CodeInvalidInput:         ErrInvalidInput,
	CodeWorkerUnavailable:    ErrWorkerUnavailable,
	CodeTimeout:              ErrTimeout,
	CodeSearchUnavailable:    ErrSearchUnavailable,
	CodeSynthesisUnavailable: ErrSynthesisUnavailable,
	CodeDuplicateDispatch:    ErrDuplicateDispatch,
}

// CodeFor maps an error to its wire code.
func CodeFor(err error) string {
	for code, sentinel := range codeToErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// Err reconstructs the sentinel error for the payload's code. Unknown codes
// come back as a plain error carrying the message.
func (p ErrorPayload) Err() error {
	if sentinel, ok := codeToErr[p.Code]; ok {
		return sentinel
	}
	return errors.New(p.Message)
}
