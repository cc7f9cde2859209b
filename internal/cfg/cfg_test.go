package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	var c Config
	fs := flag.NewFlagSet("base", flag.ContinueOnError)
	c.RegisterFlags(fs)
	_ = fs.Parse(nil)
	c.APITokens = "test-token-123=acme"
	c.SlackBotToken = "xoxb-test"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.EscalationMaxLevels != 3 {
		t.Errorf("EscalationMaxLevels = %d, want 3", c.EscalationMaxLevels)
	}
	if c.CorrelationThreshold != 0.5 || c.RootCauseThreshold != 0.8 {
		t.Errorf("thresholds = %v/%v, want 0.5/0.8", c.CorrelationThreshold, c.RootCauseThreshold)
	}
	if c.RuleCacheTTLSeconds != 60 {
		t.Errorf("RuleCacheTTLSeconds = %d, want 60", c.RuleCacheTTLSeconds)
	}
	if !c.ReopenOnCritical {
		t.Error("ReopenOnCritical should default to true")
	}
	if c.AutoCloseInactivityDays != 0 {
		t.Errorf("AutoCloseInactivityDays = %d, want 0", c.AutoCloseInactivityDays)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-tokens", "a=acme,b=globex",
		"-webhook-url", "https://hooks.example.com/warden",
		"-escalation-max-levels", "5",
		"-correlation-threshold", "0.65",
		"-reopen-on-critical=false",
		"-claude-model", "claude-opus-4-20250514",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.APITokens != "a=acme,b=globex" {
		t.Errorf("APITokens = %q", c.APITokens)
	}
	if c.WebhookURL != "https://hooks.example.com/warden" {
		t.Errorf("WebhookURL = %q", c.WebhookURL)
	}
	if c.EscalationMaxLevels != 5 {
		t.Errorf("EscalationMaxLevels = %d, want 5", c.EscalationMaxLevels)
	}
	if c.CorrelationThreshold != 0.65 {
		t.Errorf("CorrelationThreshold = %v, want 0.65", c.CorrelationThreshold)
	}
	if c.ReopenOnCritical {
		t.Error("ReopenOnCritical = true, want false")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("overridden config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "minimum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
			},
			wantErr: false,
		},
		{
			name:    "webhook only",
			mutate:  func(c *Config) { c.SlackBotToken, c.WebhookURL = "", "https://example.com/hook" },
			wantErr: false,
		},
		{
			name:    "llm disabled needs no model",
			mutate:  func(c *Config) { c.ClaudeAPIKey, c.ClaudeModel = "", "" },
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mutate:    func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			mutate:  func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 },
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			mutate:    func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Auth and notification channels
		{
			name:      "empty api tokens",
			mutate:    func(c *Config) { c.APITokens = "" },
			wantErr:   true,
			errSubstr: []string{"API_TOKENS is required"},
		},
		{
			name:      "only separators",
			mutate:    func(c *Config) { c.APITokens = " , ," },
			wantErr:   true,
			errSubstr: []string{"API_TOKENS is required"},
		},
		{
			name:      "malformed api tokens",
			mutate:    func(c *Config) { c.APITokens = "no-workspace" },
			wantErr:   true,
			errSubstr: []string{"invalid API_TOKENS"},
		},
		{
			name:      "no notification channel",
			mutate:    func(c *Config) { c.SlackBotToken, c.WebhookURL = "", "" },
			wantErr:   true,
			errSubstr: []string{"SLACK_BOT_TOKEN or WEBHOOK_URL"},
		},
		{
			name:      "webhook not http",
			mutate:    func(c *Config) { c.WebhookURL = "ftp://example.com" },
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_URL"},
		},
		{
			name:      "slack api url without host",
			mutate:    func(c *Config) { c.SlackAPIURL = "http://" },
			wantErr:   true,
			errSubstr: []string{"SLACK_API_URL"},
		},
		// Dispatch
		{
			name:      "dispatch attempts zero",
			mutate:    func(c *Config) { c.DispatchMaxAttempts = 0 },
			wantErr:   true,
			errSubstr: []string{"DISPATCH_MAX_ATTEMPTS"},
		},
		{
			name:      "dispatch timeout too large",
			mutate:    func(c *Config) { c.DispatchTimeoutSeconds = 121 },
			wantErr:   true,
			errSubstr: []string{"DISPATCH_TIMEOUT_SECONDS"},
		},
		{
			name:      "negative dispatch rate",
			mutate:    func(c *Config) { c.DispatchRatePerSecond = -1 },
			wantErr:   true,
			errSubstr: []string{"DISPATCH_RATE_PER_SECOND"},
		},
		{
			name:      "ingest burst zero with rate",
			mutate:    func(c *Config) { c.IngestBurst = 0 },
			wantErr:   true,
			errSubstr: []string{"INGEST_BURST"},
		},
		{
			name:    "ingest unlimited ignores burst",
			mutate:  func(c *Config) { c.IngestRatePerSecond, c.IngestBurst = 0, 0 },
			wantErr: false,
		},
		{
			name:      "store timeout zero",
			mutate:    func(c *Config) { c.StoreTimeoutSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"STORE_TIMEOUT_SECONDS"},
		},
		// Correlation
		{
			name:      "threshold above one",
			mutate:    func(c *Config) { c.CorrelationThreshold = 1.1 },
			wantErr:   true,
			errSubstr: []string{"CORRELATION_THRESHOLD"},
		},
		{
			name:      "negative semantic weight",
			mutate:    func(c *Config) { c.SemanticWeight = -0.1 },
			wantErr:   true,
			errSubstr: []string{"SEMANTIC_WEIGHT"},
		},
		{
			name:      "lookback zero",
			mutate:    func(c *Config) { c.CorrelationLookbackHours = 0 },
			wantErr:   true,
			errSubstr: []string{"CORRELATION_LOOKBACK_HOURS"},
		},
		// Escalation
		{
			name:      "ladder too deep",
			mutate:    func(c *Config) { c.EscalationMaxLevels = 11 },
			wantErr:   true,
			errSubstr: []string{"ESCALATION_MAX_LEVELS"},
		},
		{
			name:    "escalation disabled",
			mutate:  func(c *Config) { c.EscalationMaxLevels = 0 },
			wantErr: false,
		},
		{
			name:      "negative inactivity days",
			mutate:    func(c *Config) { c.AutoCloseInactivityDays = -1 },
			wantErr:   true,
			errSubstr: []string{"AUTOCLOSE_INACTIVITY_DAYS"},
		},
		{
			name:      "claude key without model",
			mutate:    func(c *Config) { c.ClaudeAPIKey, c.ClaudeModel = "sk-test", "" },
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		// Error accumulation
		{
			name: "several fields invalid",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 0, 0, 0
				c.APITokens, c.SlackBotToken = "", ""
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKENS", "SLACK_BOT_TOKEN"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		tokens, slack       string
	}{
		{60, 90, 8080, "tok=acme", "xoxb"},
		{1, 2, 1, "t=w", "x"},
		{299, 300, 65535, "t=w", "x"},
		{0, 0, 0, "", ""},
		{-1, -1, -1, "=", ""},
		{300, 300, 65535, "t=w", "x"},
		{301, 302, 65536, "t", ""},
		{150, 100, 8080, "t=w,t=v", "x"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.tokens, s.slack)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, tokens, slack string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.APITokens = tokens
		c.SlackBotToken = slack
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		slackOK := slack != ""

		if !(drainOK && budgetOK && portOK && crossOK && slackOK) && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
		if strings.TrimSpace(tokens) == "" && err == nil {
			t.Errorf("expected error for empty tokens %q", tokens)
		}
	})
}
