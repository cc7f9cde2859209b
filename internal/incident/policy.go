package incident

import (
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/escalation"
)

// WorkspacePolicy supplies per-workspace configuration at call time.
type WorkspacePolicy interface {
	escalation.Policy
	Correlation(workspaceID string) correlation.Config
}

// StaticPolicy applies one configuration to every workspace.
type StaticPolicy struct {
	escalation.StaticPolicy
	Correlate correlation.Config
}

// Correlation implements WorkspacePolicy.
func (p StaticPolicy) Correlation(string) correlation.Config { return p.Correlate }
