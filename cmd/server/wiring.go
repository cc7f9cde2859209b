package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/notify/webhook"
	"github.com/linnemanlabs/warden/internal/policy"
)

// policyBase maps process flags onto the defaults the policy file refines.
func policyBase(c cfg.Config) policy.Base {
	corr := correlation.DefaultConfig()
	corr.Threshold = c.CorrelationThreshold
	corr.RootCauseThreshold = c.RootCauseThreshold
	corr.Lookback = time.Duration(c.CorrelationLookbackHours) * time.Hour
	corr.TimeWindow = time.Duration(c.CorrelationTimeWindowSeconds) * time.Second
	corr.SemanticWeight = c.SemanticWeight
	return policy.Base{
		MaxLevels:   c.EscalationMaxLevels,
		Correlation: corr,
		AutoClose: alert.AutoCloseConfig{
			Enabled:        c.AutoCloseInactivityDays > 0,
			InactivityDays: c.AutoCloseInactivityDays,
		},
	}
}

// loadPolicy reads the policy file, or returns base settings when none is
// configured.
func loadPolicy(c cfg.Config) (*policy.Policy, error) {
	if c.PolicyFile == "" {
		return policy.New(policyBase(c)), nil
	}
	return policy.Load(c.PolicyFile, policyBase(c))
}

// reloadPolicy swaps in a freshly loaded policy and reseeds its rules. The
// running policy is kept when the file fails to load.
func reloadPolicy(ctx context.Context, L log.Logger, c cfg.Config, live *policy.Live, w policy.RuleWriter) {
	p, err := loadPolicy(c)
	if err != nil {
		L.Error(ctx, err, "policy reload failed, keeping current policy", "path", c.PolicyFile)
		return
	}
	live.Swap(p)
	n, err := p.Seed(ctx, w)
	if err != nil {
		L.Error(ctx, err, "policy rules seed failed", "seeded", n)
		return
	}
	L.Info(ctx, "policy reloaded", "path", c.PolicyFile, "workspaces", len(p.Workspaces()), "rules_seeded", n)
}

// adapters builds the delivery adapter chain. Slack is the default when a
// bot token is set; webhook channels are addressed as "webhook:<name>".
// With only a webhook configured it serves every channel.
func adapters(c cfg.Config, L log.Logger) (dispatch.Dispatcher, error) {
	var hook dispatch.Dispatcher
	if c.WebhookURL != "" {
		hook = webhook.New(c.WebhookURL, c.WebhookSecret)
	}
	if c.SlackBotToken == "" {
		if hook == nil {
			return nil, fmt.Errorf("no delivery adapter configured")
		}
		return hook, nil
	}
	router := dispatch.NewRouter(slack.New(c.SlackBotToken, c.SlackAPIURL, L))
	if hook != nil {
		router.Register("webhook", hook)
	}
	return router, nil
}

func reliableConfig(c cfg.Config) dispatch.ReliableConfig {
	rc := dispatch.DefaultReliableConfig()
	rc.AttemptTimeout = time.Duration(c.DispatchTimeoutSeconds) * time.Second
	rc.MaxAttempts = c.DispatchMaxAttempts
	rc.RatePerSecond = c.DispatchRatePerSecond
	return rc
}
