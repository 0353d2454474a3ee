package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds                int
	ShutdownBudgetSeconds       int
	APIPort                     int
	APIToken                    string
	MaxBodyBytes                int64
	ClaudeAPIKey                string
	ClaudeModel                 string
	ClaudeRequestTimeoutSeconds int
	ClaudeMaxRetries            int
	DedupTTLSeconds             int
	JanitorIntervalSeconds      int
	MaxConcurrency              int
	AnalysisTimeoutSeconds      int
	ResultsCapacity             int
	DatabaseURL                 string
	LokiEndpoint                string
	LokiTenantID                string
	SlackWebhookURL             string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8081, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /analyze and /api/v1 (empty = no auth)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 4<<20, "maximum request body size, raw and decompressed (1024..268435456)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.ClaudeRequestTimeoutSeconds, "claude-request-timeout-seconds", 0, "per-attempt Claude request timeout in seconds (0 = none, max 3600); a call may take up to this times 1+claude-max-retries")
	fs.IntVar(&c.ClaudeMaxRetries, "claude-max-retries", 2, "Claude retries after the first attempt on retryable errors (0..10)")
	fs.IntVar(&c.DedupTTLSeconds, "dedup-ttl-seconds", 600, "seconds a fingerprint stays suppressed after admission (1..86400)")
	fs.IntVar(&c.JanitorIntervalSeconds, "janitor-interval-seconds", 300, "seconds between dedup cache sweeps (1..86400)")
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", 5, "maximum concurrent analysis calls process-wide (1..1000)")
	fs.IntVar(&c.AnalysisTimeoutSeconds, "analysis-timeout-seconds", 0, "per-call analysis timeout in seconds (0 = none, max 3600)")
	fs.IntVar(&c.ResultsCapacity, "results-capacity", 1000, "records kept by the in-memory store (1..1000000)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for recent pod log context (empty = disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MaxBodyBytes < 1024 || c.MaxBodyBytes > 256<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be 1024..268435456)", c.MaxBodyBytes))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.ClaudeRequestTimeoutSeconds < 0 || c.ClaudeRequestTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_REQUEST_TIMEOUT_SECONDS %d (must be 0..3600)", c.ClaudeRequestTimeoutSeconds))
	}
	if c.ClaudeMaxRetries < 0 || c.ClaudeMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_RETRIES %d (must be 0..10)", c.ClaudeMaxRetries))
	}

	// Dedup window and sweep cadence
	if c.DedupTTLSeconds <= 0 || c.DedupTTLSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_TTL_SECONDS %d (must be 1..86400)", c.DedupTTLSeconds))
	}
	if c.JanitorIntervalSeconds <= 0 || c.JanitorIntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid JANITOR_INTERVAL_SECONDS %d (must be 1..86400)", c.JanitorIntervalSeconds))
	}

	if c.MaxConcurrency <= 0 || c.MaxConcurrency > 1000 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENCY %d (must be 1..1000)", c.MaxConcurrency))
	}
	if c.AnalysisTimeoutSeconds < 0 || c.AnalysisTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid ANALYSIS_TIMEOUT_SECONDS %d (must be 0..3600)", c.AnalysisTimeoutSeconds))
	}
	if c.ResultsCapacity <= 0 || c.ResultsCapacity > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid RESULTS_CAPACITY %d (must be 1..1000000)", c.ResultsCapacity))
	}

	// Loki tenant without an endpoint is almost certainly a typo
	if c.LokiTenantID != "" && c.LokiEndpoint == "" {
		errs = append(errs, errors.New("LOKI_TENANT_ID is set but LOKI_ENDPOINT is empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
