package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/agent/metrics"
	"github.com/seekr-io/seekr/agent/orchestrator"
	"github.com/seekr-io/seekr/agent/pipeline"
	"github.com/seekr-io/seekr/agent/supervisor"
	"github.com/seekr-io/seekr/agent/worker"
	"github.com/seekr-io/seekr/internal/profile"
	"github.com/seekr-io/seekr/internal/version"
	"github.com/seekr-io/seekr/llm"
	"github.com/seekr-io/seekr/search"
	"github.com/seekr-io/seekr/server"
	"github.com/seekr-io/seekr/store"
)

var rootCmd = &cobra.Command{
	Use:   "seekr",
	Short: `A query-processing service that understands a question, searches the document index with the right concurrency shape, and synthesizes a sourced answer.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as a
		// systemd service, which injects its own environment).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:      viper.GetString("mode"),
			Addr:      viper.GetString("addr"),
			Port:      viper.GetInt("port"),
			Data:      viper.GetString("data"),
			SearchDSN: viper.GetString("search-dsn"),
			Version:   version.String(),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := buildApp(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to start", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. SIGTERM is the
		// default for process managers like systemd and Kubernetes.
		signal.Notify(c, terminationSignals...)

		go func() {
			if err := app.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server stopped", "error", err)
				cancel()
			}
		}()

		printGreetings(instanceProfile)

		select {
		case <-c:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		app.shutdown(shutdownCtx)
	},
}

// app holds the wired components so shutdown can walk them in order.
type app struct {
	srv      *server.Server
	sup      *supervisor.Supervisor
	queryLog store.QueryLog
	backend  *search.PostgresBackend
}

func buildApp(ctx context.Context, p *profile.Profile) (*app, error) {
	router := message.NewRouter(p.RouterQueueSize)
	sup := supervisor.New(time.Duration(p.HealthIntervalSeconds) * time.Second)
	router.SetHealthView(sup)

	var backend search.Backend = search.Unavailable{}
	var pgBackend *search.PostgresBackend
	if p.SearchDSN != "" {
		var err error
		pgBackend, err = search.NewPostgresBackend(search.PostgresConfig{
			DSN:    p.SearchDSN,
			MaxQPS: float64(p.SearchMaxQPS),
		})
		if err != nil {
			return nil, err
		}
		backend = pgBackend
	} else {
		slog.Warn("no search DSN configured, queries will return no sources")
	}

	var llmService llm.Service
	if p.IsLLMEnabled() {
		svc, err := llm.NewService(llm.Config{
			Provider: p.LLMProvider,
			Model:    p.LLMModel,
			APIKey:   p.LLMAPIKey,
			BaseURL:  p.LLMBaseURL,
			Timeout:  time.Duration(p.LLMTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		llmService = svc
		slog.Info("LLM service initialized", "provider", p.LLMProvider, "model", p.LLMModel)
	} else {
		slog.Warn("no LLM configured, answers will use the fallback path")
	}

	workerCfg := worker.Config{
		MaxConcurrent:     int64(p.WorkerMaxConcurrent),
		Timeout:           time.Duration(p.WorkerTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(p.HealthIntervalSeconds) * time.Second,
	}
	workers := []worker.Worker{
		worker.NewUnderstanding(workerCfg, router),
		worker.NewSearch(workerCfg, router, backend, p.MaxResults),
		worker.NewSynthesis(workerCfg, router, llmService, worker.DefaultSynthesisSources),
		worker.NewGrouping(workerCfg, router),
	}
	for _, w := range workers {
		if err := sup.Register(w); err != nil {
			return nil, err
		}
	}
	sup.StartAll(ctx)

	var queryLog store.QueryLog = store.NopQueryLog{}
	if p.QueryLogDSN != "" {
		sqliteLog, err := store.NewSQLiteQueryLog(ctx, p.QueryLogDSN)
		if err != nil {
			// The log is observability only; start without it.
			slog.Warn("query log unavailable", "dsn", p.QueryLogDSN, "error", err)
		} else {
			queryLog = sqliteLog
		}
	}

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	pipe := pipeline.New(router, pipeline.Config{
		ParallelTermThreshold:   p.ParallelTermThreshold,
		SequentialTermThreshold: p.SequentialTermThreshold,
		MaxRetries:              p.MaxRetries,
		RetryBackoff:            time.Second,
		MaxResults:              p.MaxResults,
	})
	orch := orchestrator.New(router, sup, pipe, orchestrator.Options{
		RunTimeout: time.Duration(p.RunTimeoutSeconds) * time.Second,
		Exporter:   exporter,
		QueryLog:   queryLog,
	})

	addr := fmt.Sprintf("%s:%d", p.Addr, p.Port)
	srv := server.NewServer(addr, orch, exporter)

	return &app{srv: srv, sup: sup, queryLog: queryLog, backend: pgBackend}, nil
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	a.sup.StopAll()
	if err := a.queryLog.Close(); err != nil {
		slog.Warn("query log close failed", "error", err)
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			slog.Warn("search backend close failed", "error", err)
		}
	}
	slog.Info("shutdown complete")
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("search-dsn", "", "PostgreSQL DSN of the document search index")

	for _, flag := range []string{"mode", "addr", "port", "data", "search-dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("seekr")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Seekr %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)
	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
