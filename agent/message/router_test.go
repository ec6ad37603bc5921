package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// denyAll reports every role unavailable.
type denyAll struct{}

func (denyAll) Available(Role) bool { return false }

func TestDispatchAndRouteResponse(t *testing.T) {
	r := NewRouter(4)

	env := NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{Query: "pto policy"}, "req-1")
	pending, err := r.Dispatch(env)
	require.NoError(t, err)

	// The worker side: consume the request and reply.
	got := <-r.Inbound(RoleSearch)
	assert.Equal(t, "req-1", got.CorrelationID)
	assert.Equal(t, KindSearchRequest, got.Kind)
	r.RouteResponse(got.Reply(SearchResult{TotalFound: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := pending.Await(ctx)
	require.NoError(t, err)
	res, ok := resp.Payload.(SearchResult)
	require.True(t, ok)
	assert.Equal(t, 2, res.TotalFound)

	timings := r.TakeTimings("req-1")
	require.Contains(t, timings, string(RoleSearch))
	// Taking timings clears them.
	assert.Nil(t, r.TakeTimings("req-1"))
}

func TestDispatchRejectsDuplicate(t *testing.T) {
	r := NewRouter(4)

	env := NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{Query: "a"}, "req-1")
	_, err := r.Dispatch(env)
	require.NoError(t, err)

	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{Query: "b"}, "req-1"))
	assert.ErrorIs(t, err, ErrDuplicateDispatch)

	// A different correlation id for the same role is fine.
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{Query: "c"}, "req-2"))
	assert.NoError(t, err)
}

func TestRouteResponseResolvesExactlyOnce(t *testing.T) {
	r := NewRouter(4)

	env := NewEnvelope(RoleOrchestrator, RoleGrouping, GroupRequest{}, "req-1")
	pending, err := r.Dispatch(env)
	require.NoError(t, err)

	req := <-r.Inbound(RoleGrouping)
	resp := req.Reply(GroupResult{})
	r.RouteResponse(resp)
	// The second delivery must be dropped and counted, not delivered.
	r.RouteResponse(resp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pending.Await(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r.DuplicateResponses())
}

func TestDispatchUnavailableWorker(t *testing.T) {
	r := NewRouter(4)
	r.SetHealthView(denyAll{})

	_, err := r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	// A rejected dispatch must not leave a pending entry behind.
	r.SetHealthView(availableAlways{})
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	assert.NoError(t, err)
}

func TestDispatchQueueFull(t *testing.T) {
	r := NewRouter(1)

	_, err := r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	require.NoError(t, err)
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-2"))
	assert.ErrorIs(t, err, ErrQueueFull)

	// The failed dispatch must not leak its pending slot.
	<-r.Inbound(RoleSearch)
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-2"))
	assert.NoError(t, err)
}

func TestAwaitErrorPayload(t *testing.T) {
	r := NewRouter(4)

	pending, err := r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSynthesis, SynthesizeRequest{}, "req-1"))
	require.NoError(t, err)

	req := <-r.Inbound(RoleSynthesis)
	r.RouteResponse(req.Reply(ErrorPayload{Code: CodeSynthesisUnavailable, Message: "backend down"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, ErrSynthesisUnavailable)
}

func TestAwaitContextTimeout(t *testing.T) {
	r := NewRouter(4)

	pending, err := r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCancelRequest(t *testing.T) {
	r := NewRouter(4)

	_, err := r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	require.NoError(t, err)
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleGrouping, GroupRequest{}, "req-1"))
	require.NoError(t, err)

	r.CancelRequest("req-1")

	// A late reply after cancellation counts as an anomaly.
	req := <-r.Inbound(RoleSearch)
	r.RouteResponse(req.Reply(SearchResult{}))
	assert.Equal(t, uint64(1), r.DuplicateResponses())

	// And the slots are free for a fresh dispatch.
	_, err = r.Dispatch(NewEnvelope(RoleOrchestrator, RoleSearch, SearchRequest{}, "req-1"))
	assert.NoError(t, err)
}

func TestEnvelopeReply(t *testing.T) {
	env := NewEnvelope(RoleOrchestrator, RoleUnderstanding, UnderstandRequest{Query: "q"}, "req-9")
	resp := env.Reply(UnderstandResult{NormalizedQuery: "q"})

	assert.Equal(t, RoleUnderstanding, resp.Sender)
	assert.Equal(t, RoleOrchestrator, resp.Recipient)
	assert.Equal(t, "req-9", resp.CorrelationID)
	assert.Equal(t, KindUnderstandResponse, resp.Kind)
	assert.NotEqual(t, env.ID, resp.ID)
}

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, err := range []error{
		ErrInvalidInput,
		ErrWorkerUnavailable,
		ErrTimeout,
		ErrSearchUnavailable,
		ErrSynthesisUnavailable,
		ErrDuplicateDispatch,
	} {
		code := CodeFor(err)
		back := ErrorPayload{Code: code}.Err()
		assert.ErrorIs(t, back, err, "code %s", code)
	}

	assert.Equal(t, CodeInternal, CodeFor(assert.AnError))
	unknown := ErrorPayload{Code: "nope", Message: "boom"}.Err()
	assert.EqualError(t, unknown, "boom")
}
