package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/linnemanlabs/warden/internal/authmw"
)

// Config holds the application settings. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	PolicyFile            string
	APITokens             string

	SlackBotToken string
	SlackAPIURL   string
	WebhookURL    string
	WebhookSecret string

	DispatchTimeoutSeconds int
	DispatchMaxAttempts    int
	DispatchRatePerSecond  float64
	IngestRatePerSecond    float64
	IngestBurst            int
	StoreTimeoutSeconds    int
	RuleCacheTTLSeconds    int

	CorrelationThreshold         float64
	RootCauseThreshold           float64
	CorrelationLookbackHours     int
	CorrelationTimeWindowSeconds int
	SemanticWeight               float64

	EscalationMaxLevels     int
	EscalationPollSeconds   int
	AutoCloseInactivityDays int
	AutoCloseSweepMinutes   int
	ReopenOnCritical        bool

	ClaudeAPIKey string
	ClaudeModel  string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML workspace policy file (empty = built-in defaults)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated token=workspace list for API authentication")

	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token used for chat.postMessage")
	fs.StringVar(&c.SlackAPIURL, "slack-api-url", "", "Slack API base URL override (empty = slack.com)")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "generic webhook receiving notifications for channels prefixed webhook:")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "HMAC-SHA256 secret for signing webhook payloads")

	fs.IntVar(&c.DispatchTimeoutSeconds, "dispatch-timeout-seconds", 10, "per-attempt notification timeout (1..120)")
	fs.IntVar(&c.DispatchMaxAttempts, "dispatch-max-attempts", 3, "notification attempts before giving up (1..10)")
	fs.Float64Var(&c.DispatchRatePerSecond, "dispatch-rate-per-second", 1, "sustained notifications per second per channel (0 = unlimited)")
	fs.Float64Var(&c.IngestRatePerSecond, "ingest-rate-per-second", 50, "sustained event ingests per second per workspace (0 = unlimited)")
	fs.IntVar(&c.IngestBurst, "ingest-burst", 100, "event ingest burst per workspace")
	fs.IntVar(&c.StoreTimeoutSeconds, "store-timeout-seconds", 5, "timeout for individual store operations (1..60)")
	fs.IntVar(&c.RuleCacheTTLSeconds, "rule-cache-ttl-seconds", 60, "routing rule cache TTL (0 = no caching)")

	fs.Float64Var(&c.CorrelationThreshold, "correlation-threshold", 0.5, "minimum correlation score to link groups (0..1)")
	fs.Float64Var(&c.RootCauseThreshold, "root-cause-threshold", 0.8, "minimum score to nominate a root cause (0..1)")
	fs.IntVar(&c.CorrelationLookbackHours, "correlation-lookback-hours", 24, "how far back open groups are considered for correlation")
	fs.IntVar(&c.CorrelationTimeWindowSeconds, "correlation-time-window-seconds", 300, "time proximity window for correlation scoring")
	fs.Float64Var(&c.SemanticWeight, "semantic-weight", 0.3, "weight of the semantic score when a scorer is configured (0..1)")

	fs.IntVar(&c.EscalationMaxLevels, "escalation-max-levels", 3, "maximum escalation ladder depth (0..10)")
	fs.IntVar(&c.EscalationPollSeconds, "escalation-poll-seconds", 5, "how often due escalation jobs are polled")
	fs.IntVar(&c.AutoCloseInactivityDays, "autoclose-inactivity-days", 0, "resolve groups idle this many days (0 = disabled)")
	fs.IntVar(&c.AutoCloseSweepMinutes, "autoclose-sweep-minutes", 60, "how often the auto-close sweep runs")
	fs.BoolVar(&c.ReopenOnCritical, "reopen-on-critical", true, "move ACKED groups back to OPEN when a critical event arrives")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Anthropic API key (empty = attribute scoring only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for semantic scoring and root-cause narration")
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

	// at least one workspace must be able to authenticate
	if strings.TrimSpace(c.APITokens) == "" {
		errs = append(errs, errors.New("API_TOKENS is required"))
	} else if tokens, err := authmw.ParseTokens(c.APITokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	} else if len(tokens) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	// some notification channel must exist
	if c.SlackBotToken == "" && c.WebhookURL == "" {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN or WEBHOOK_URL is required"))
	}
	for name, raw := range map[string]string{"SLACK_API_URL": c.SlackAPIURL, "WEBHOOK_URL": c.WebhookURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an http(s) URL)", name, raw))
		}
	}

	if c.DispatchTimeoutSeconds <= 0 || c.DispatchTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEOUT_SECONDS %d (must be 1..120)", c.DispatchTimeoutSeconds))
	}
	if c.DispatchMaxAttempts <= 0 || c.DispatchMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d (must be 1..10)", c.DispatchMaxAttempts))
	}
	if c.DispatchRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_RATE_PER_SECOND %v (must be >= 0)", c.DispatchRatePerSecond))
	}
	if c.IngestRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_RATE_PER_SECOND %v (must be >= 0)", c.IngestRatePerSecond))
	}
	if c.IngestRatePerSecond > 0 && c.IngestBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_BURST %d (must be > 0 when rate limiting)", c.IngestBurst))
	}
	if c.StoreTimeoutSeconds <= 0 || c.StoreTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid STORE_TIMEOUT_SECONDS %d (must be 1..60)", c.StoreTimeoutSeconds))
	}
	if c.RuleCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid RULE_CACHE_TTL_SECONDS %d (must be >= 0)", c.RuleCacheTTLSeconds))
	}

	// Correlation tuning
	for name, v := range map[string]float64{
		"CORRELATION_THRESHOLD": c.CorrelationThreshold,
		"ROOT_CAUSE_THRESHOLD":  c.RootCauseThreshold,
		"SEMANTIC_WEIGHT":       c.SemanticWeight,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("invalid %s %v (must be 0..1)", name, v))
		}
	}
	if c.CorrelationLookbackHours <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_LOOKBACK_HOURS %d (must be > 0)", c.CorrelationLookbackHours))
	}
	if c.CorrelationTimeWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_TIME_WINDOW_SECONDS %d (must be > 0)", c.CorrelationTimeWindowSeconds))
	}

	// Escalation and auto-close
	if c.EscalationMaxLevels < 0 || c.EscalationMaxLevels > 10 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_MAX_LEVELS %d (must be 0..10)", c.EscalationMaxLevels))
	}
	if c.EscalationPollSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_POLL_SECONDS %d (must be > 0)", c.EscalationPollSeconds))
	}
	if c.AutoCloseInactivityDays < 0 {
		errs = append(errs, fmt.Errorf("invalid AUTOCLOSE_INACTIVITY_DAYS %d (must be >= 0)", c.AutoCloseInactivityDays))
	}
	if c.AutoCloseSweepMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid AUTOCLOSE_SWEEP_MINUTES %d (must be > 0)", c.AutoCloseSweepMinutes))
	}

	// Claude model is required when the LLM is enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
