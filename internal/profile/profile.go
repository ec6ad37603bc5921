package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	Mode string // dev, demo, prod
	Addr string
	Port int
	Data string // data directory, holds the query log database

	// Search index (PostgreSQL full-text).
	SearchDSN    string
	SearchMaxQPS int

	// Query log (SQLite). Defaulted from Data when empty.
	QueryLogDSN string

	// LLM configuration (OpenAI-compatible protocol). All providers
	// (openai, deepseek, siliconflow, ollama) use the same config.
	LLMProvider       string
	LLMAPIKey         string
	LLMBaseURL        string // optional, has default per provider
	LLMModel          string
	LLMTimeoutSeconds int

	// Pipeline tuning.
	RunTimeoutSeconds int
	MaxRetries        int
	MaxResults        int

	// Worker tuning.
	WorkerMaxConcurrent     int
	WorkerTimeoutSeconds    int
	HealthIntervalSeconds   int
	RouterQueueSize         int
	ParallelTermThreshold   int
	SequentialTermThreshold int

	Version string
}

// Provider default configurations for the LLM.
// Used when SEEKR_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM API key is configured (or the provider
// is local and needs none).
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.SearchDSN = getEnvOrDefault("SEEKR_SEARCH_DSN", p.SearchDSN)
	p.SearchMaxQPS = getEnvOrDefaultInt("SEEKR_SEARCH_MAX_QPS", 20)
	p.QueryLogDSN = getEnvOrDefault("SEEKR_QUERY_LOG_DSN", p.QueryLogDSN)

	p.LLMProvider = getEnvOrDefault("SEEKR_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("SEEKR_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("SEEKR_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("SEEKR_LLM_MODEL", "")
	p.LLMTimeoutSeconds = getEnvOrDefaultInt("SEEKR_LLM_TIMEOUT_SECONDS", 30)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Warn("unknown LLM provider, using default: openai", "provider", p.LLMProvider)
		p.LLMProvider = "openai"
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.RunTimeoutSeconds = getEnvOrDefaultInt("SEEKR_RUN_TIMEOUT_SECONDS", 30)
	p.MaxRetries = getEnvOrDefaultInt("SEEKR_MAX_RETRIES", 3)
	p.MaxResults = getEnvOrDefaultInt("SEEKR_MAX_RESULTS", 100)

	p.WorkerMaxConcurrent = getEnvOrDefaultInt("SEEKR_WORKER_MAX_CONCURRENT", 5)
	p.WorkerTimeoutSeconds = getEnvOrDefaultInt("SEEKR_WORKER_TIMEOUT_SECONDS", 30)
	p.HealthIntervalSeconds = getEnvOrDefaultInt("SEEKR_HEALTH_INTERVAL_SECONDS", 30)
	p.RouterQueueSize = getEnvOrDefaultInt("SEEKR_ROUTER_QUEUE_SIZE", 64)
	p.ParallelTermThreshold = getEnvOrDefaultInt("SEEKR_PARALLEL_TERM_THRESHOLD", 3)
	p.SequentialTermThreshold = getEnvOrDefaultInt("SEEKR_SEQUENTIAL_TERM_THRESHOLD", 2)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.QueryLogDSN == "" {
		p.QueryLogDSN = filepath.Join(dataDir, "seekr_"+p.Mode+".db")
	}
	return nil
}
