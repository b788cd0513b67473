package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Success policies decide the terminal status of a run whose chunks were all attempted.
const (
	SuccessPolicyAttempted = "attempted"
	SuccessPolicyAny       = "any"
	SuccessPolicyAll       = "all"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`
	WebhookSecret  string `env:"WEBHOOK_SECRET,required=true"`
	BrowserAPIURL  string `env:"BROWSER_API_URL,required=true"`
	BrowserAPIKey  string `env:"BROWSER_API_KEY"`
	AuthAPIURL     string `env:"AUTH_API_URL,required=true"`
	AuthServiceKey string `env:"AUTH_SERVICE_KEY"`
	PostProcessURL string `env:"POSTPROCESS_URL"`
	ChatBaseURL    string `env:"CHAT_BASE_URL,default=https://chatgpt.com"`

	BatchChunkSize     int           `env:"BATCH_CHUNK_SIZE,default=5"`
	InterBatchPause    time.Duration `env:"INTER_BATCH_PAUSE,default=3s"`
	PollInterval       time.Duration `env:"POLL_INTERVAL,default=15s"`
	SessionMaxDuration time.Duration `env:"SESSION_MAX_DURATION,default=15m"`

	StabilizeInterval time.Duration `env:"STABILIZE_INTERVAL,default=2s"`
	StableSamples     int           `env:"STABLE_SAMPLES,default=3"`
	StabilizeMaxSteps int           `env:"STABILIZE_MAX_STEPS,default=90"`

	SubmissionsPerMinute int           `env:"SUBMISSIONS_PER_MINUTE,default=10"`
	AccountLeaseTTL      time.Duration `env:"ACCOUNT_LEASE_TTL,default=30m"`
	AccountMaxFailures   int           `env:"ACCOUNT_MAX_FAILURES,default=3"`
	RunSuccessPolicy     string        `env:"RUN_SUCCESS_POLICY,default=attempted"`

	WorkerCommand      string        `env:"WORKER_COMMAND,default=batchworker"`
	InitSessionCommand string        `env:"INIT_SESSION_COMMAND,default=initsession"`
	InitSessionTimeout time.Duration `env:"INIT_SESSION_TIMEOUT,default=5m"`
	QueueCheckCron     string        `env:"QUEUE_CHECK_CRON,default=*/5 * * * *"`
	StaleRunAfter      time.Duration `env:"STALE_RUN_AFTER,default=1h"`
	StaleScanInterval  time.Duration `env:"STALE_SCAN_INTERVAL,default=1m"`

	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	APIPort            int    `env:"API_PORT,default=8080"`
	RunnerPort         int    `env:"RUNNER_PORT,default=8081"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BatchChunkSize < 1 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be >= 1, got %d", c.BatchChunkSize)
	}
	if c.StableSamples < 1 {
		return fmt.Errorf("STABLE_SAMPLES must be >= 1, got %d", c.StableSamples)
	}
	if c.StabilizeMaxSteps < c.StableSamples {
		return fmt.Errorf("STABILIZE_MAX_STEPS (%d) must be >= STABLE_SAMPLES (%d)", c.StabilizeMaxSteps, c.StableSamples)
	}

	c.RunSuccessPolicy = strings.ToLower(strings.TrimSpace(c.RunSuccessPolicy))
	switch c.RunSuccessPolicy {
	case SuccessPolicyAttempted, SuccessPolicyAny, SuccessPolicyAll:
	default:
		return fmt.Errorf("invalid RUN_SUCCESS_POLICY %q", c.RunSuccessPolicy)
	}

	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into trimmed entries.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// WorkerEnv is the batch context handed to a batchworker process. The orchestrator
// writes it into the child environment; nothing else crosses the process boundary.
type WorkerEnv struct {
	JobID        string `env:"PIPELINE_JOB_ID,required=true"`
	BatchRunID   string `env:"PIPELINE_BATCH_RUN_ID,required=true"`
	AccountID    string `env:"PIPELINE_ACCOUNT_ID,required=true"`
	ReportID     string `env:"PIPELINE_REPORT_ID,required=true"`
	PromptIDs    string `env:"PIPELINE_PROMPT_IDS,required=true"`
	BatchNumber  int    `env:"PIPELINE_BATCH_NUMBER,required=true"`
	TotalBatches int    `env:"PIPELINE_TOTAL_BATCHES,required=true"`
	PromptOffset int    `env:"PIPELINE_PROMPT_OFFSET,default=0"`
}

func LoadWorkerEnv() (*WorkerEnv, error) {
	var w WorkerEnv
	if _, err := env.UnmarshalFromEnviron(&w); err != nil {
		return nil, fmt.Errorf("failed to load worker env: %w", err)
	}
	if len(w.PromptIDList()) == 0 {
		return nil, fmt.Errorf("failed to load worker env: PIPELINE_PROMPT_IDS is empty")
	}
	return &w, nil
}

func (w *WorkerEnv) PromptIDList() []string {
	parts := strings.Split(w.PromptIDs, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// Environ renders the worker context as KEY=VALUE pairs for exec.Cmd.Env.
func (w *WorkerEnv) Environ() []string {
	return []string{
		"PIPELINE_JOB_ID=" + w.JobID,
		"PIPELINE_BATCH_RUN_ID=" + w.BatchRunID,
		"PIPELINE_ACCOUNT_ID=" + w.AccountID,
		"PIPELINE_REPORT_ID=" + w.ReportID,
		"PIPELINE_PROMPT_IDS=" + w.PromptIDs,
		fmt.Sprintf("PIPELINE_BATCH_NUMBER=%d", w.BatchNumber),
		fmt.Sprintf("PIPELINE_TOTAL_BATCHES=%d", w.TotalBatches),
		fmt.Sprintf("PIPELINE_PROMPT_OFFSET=%d", w.PromptOffset),
	}
}
