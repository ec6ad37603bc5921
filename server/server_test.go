package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/metrics"
	"github.com/seekr-io/seekr/agent/orchestrator"
	"github.com/seekr-io/seekr/agent/pipeline"
	"github.com/seekr-io/seekr/agent/supervisor"
	"github.com/seekr-io/seekr/agent/worker"
	"github.com/seekr-io/seekr/search"
)

// newTestServer wires the real worker stack over an unavailable search index
// and no generation backend, the same degraded-but-serving setup the process
// boots into with an empty environment.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	router := message.NewRouter(8)
	sup := supervisor.New(time.Hour)
	router.SetHealthView(sup)

	cfg := worker.Config{Timeout: 2 * time.Second}
	workers := []worker.Worker{
		worker.NewUnderstanding(cfg, router),
		worker.NewSearch(cfg, router, search.Unavailable{}, 0),
		worker.NewSynthesis(cfg, router, nil, 0),
		worker.NewGrouping(cfg, router),
	}
	for _, w := range workers {
		require.NoError(t, sup.Register(w))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup.StartAll(ctx)
	t.Cleanup(func() {
		sup.StopAll()
		cancel()
	})

	pcfg := pipeline.DefaultConfig()
	pcfg.RetryBackoff = time.Millisecond
	orch := orchestrator.New(router, sup, pipeline.New(router, pcfg), orchestrator.Options{
		RunTimeout: 5 * time.Second,
		Exporter:   metrics.NewExporter(metrics.DefaultConfig()),
	})
	return NewServer("127.0.0.1:0", orch, metrics.NewExporter(metrics.DefaultConfig()))
}

func doJSON(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestQueryEndpointAlwaysReturnsFullShape(t *testing.T) {
	s := newTestServer(t)

	rec, body := doJSON(t, s, http.MethodPost, "/api/v1/query", `{"query":"what is the pto policy"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, field := range []string{
		"request_id", "answer", "sources", "grouped_sources", "strategy",
		"intent", "errors", "retry_count", "agent_times_ms", "processing_time_ms",
	} {
		assert.Contains(t, body, field)
	}
	assert.NotEmpty(t, body["answer"])
	// With the search index down the run degrades, it does not fail.
	assert.NotNil(t, body["sources"])
}

func TestQueryEndpointRejectsEmptyQuery(t *testing.T) {
	s := newTestServer(t)

	rec, body := doJSON(t, s, http.MethodPost, "/api/v1/query", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please provide a non-empty query.", body["answer"])
}

func TestQueryEndpointRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodPost, "/api/v1/query", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, body := doJSON(t, s, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(4), body["agent_count"])
	assert.Contains(t, body, "per_worker_status")
}

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, body := doJSON(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestHistoryEndpointEmptyLog(t *testing.T) {
	s := newTestServer(t)

	rec, body := doJSON(t, s, http.MethodGet, "/api/v1/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "runs")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
