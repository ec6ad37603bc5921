// Package server exposes the query pipeline over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/metrics"
	"github.com/seekr-io/seekr/agent/orchestrator"
	"github.com/seekr-io/seekr/agent/pipeline"
	"github.com/seekr-io/seekr/internal/version"
	"github.com/seekr-io/seekr/store"
)

// Server is the HTTP front end.
type Server struct {
	e    *echo.Echo
	orch *orchestrator.Orchestrator
	addr string
}

// NewServer wires the HTTP routes. exporter may be nil, in which case no
// metrics endpoint is registered.
func NewServer(addr string, orch *orchestrator.Orchestrator, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("server: request",
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))

	s := &Server{e: e, orch: orch, addr: addr}

	e.GET("/healthz", s.healthz)
	api := e.Group("/api/v1")
	api.POST("/query", s.handleQuery)
	api.GET("/status", s.handleStatus)
	api.GET("/history", s.handleHistory)

	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("server: listening", "addr", s.addr, "version", version.String())
	return s.e.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse is the wire shape of one run. Every field is always present:
// a failed run still carries an answer, empty slices and the error list.
type queryResponse struct {
	RequestID        string                         `json:"request_id"`
	Answer           string                         `json:"answer"`
	Sources          []message.SourceRecord         `json:"sources"`
	GroupedSources   map[string]message.SourceGroup `json:"grouped_sources"`
	Strategy         string                         `json:"strategy"`
	Intent           string                         `json:"intent"`
	Errors           []pipeline.ErrorDescriptor     `json:"errors"`
	RetryCount       int                            `json:"retry_count"`
	AgentTimesMS     map[string]int64               `json:"agent_times_ms"`
	ProcessingTimeMS int64                          `json:"processing_time_ms"`
}

func toQueryResponse(st *pipeline.RequestState) queryResponse {
	agentTimes := make(map[string]int64, len(st.Timings))
	for name, d := range st.Timings {
		agentTimes[name] = d.Milliseconds()
	}
	return queryResponse{
		RequestID:        st.RequestID,
		Answer:           st.Answer,
		Sources:          st.Sources,
		GroupedSources:   st.GroupedSources,
		Strategy:         string(st.Strategy),
		Intent:           string(st.Intent),
		Errors:           st.Errors,
		RetryCount:       st.RetryCount,
		AgentTimesMS:     agentTimes,
		ProcessingTimeMS: st.ProcessingTime.Milliseconds(),
	}
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	st := s.orch.ProcessQuery(c.Request().Context(), req.Query)

	// Invalid input is the only run failure surfaced as a client error;
	// everything else degrades into a 200 with a fallback answer.
	status := http.StatusOK
	if st.HasError(message.CodeInvalidInput) {
		status = http.StatusBadRequest
	}
	return c.JSON(status, toQueryResponse(st))
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Status())
}

func (s *Server) handleHistory(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	records, err := s.orch.RecentRuns(ctx, limit)
	if err != nil {
		slog.Error("server: history read failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
	}
	if records == nil {
		records = []store.QueryRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) healthz(c echo.Context) error {
	status := s.orch.Status()
	code := http.StatusOK
	state := "ok"
	if !status.Running {
		code = http.StatusServiceUnavailable
		state = "starting"
	}
	return c.JSON(code, map[string]any{
		"status":  state,
		"workers": status.AgentCount,
	})
}
