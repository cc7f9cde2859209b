// Package alert defines the normalized alert model shared by the
// dedup, correlation, routing and escalation packages.
package alert

import (
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Source identifies the integration an event arrived from.
type Source string

const (
	SourceSentry         Source = "SENTRY"
	SourceDatadog        Source = "DATADOG"
	SourceNewRelic       Source = "NEW_RELIC"
	SourcePrometheus     Source = "PROMETHEUS"
	SourceGrafana        Source = "GRAFANA"
	SourceGenericWebhook Source = "GENERIC_WEBHOOK"
)

var sourcePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

// NormalizeSource uppercases s; the source list is open ended.
func NormalizeSource(s string) Source {
	return Source(strings.ToUpper(strings.TrimSpace(s)))
}

// Status is the lifecycle state of an alert group.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusAcked    Status = "ACKED"
	StatusResolved Status = "RESOLVED"
)

// Active reports whether a group in this status owns its fingerprint.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcked
}

// Event is one inbound occurrence. Immutable once stored.
type Event struct {
	ID            string            `json:"id"`
	WorkspaceID   string            `json:"workspaceId"`
	GroupID       string            `json:"alertGroupId,omitempty"`
	Source        Source            `json:"source"`
	SourceEventID string            `json:"sourceEventId,omitempty"`
	Project       string            `json:"project,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	Severity      Severity          `json:"severity"`
	Fingerprint   string            `json:"fingerprint"`
	Title         string            `json:"title"`
	Message       string            `json:"message,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	ReceivedAt    time.Time         `json:"receivedAt"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Validate rejects events the engine must not group. Fingerprints are
// derived upstream; an empty one is an input error, never defaulted here.
func (e *Event) Validate() error {
	switch {
	case strings.TrimSpace(e.WorkspaceID) == "":
		return &ValidationError{Field: "workspaceId", Reason: "required"}
	case e.Source == "":
		return &ValidationError{Field: "source", Reason: "required"}
	case !sourcePattern.MatchString(string(e.Source)):
		return &ValidationError{Field: "source", Reason: "must be an uppercase identifier"}
	case strings.TrimSpace(e.Fingerprint) == "":
		return &ValidationError{Field: "fingerprint", Reason: "required"}
	case strings.TrimSpace(e.Title) == "":
		return &ValidationError{Field: "title", Reason: "required"}
	case !e.Severity.Valid():
		return &ValidationError{Field: "severity", Reason: "required"}
	case e.OccurredAt.IsZero():
		return &ValidationError{Field: "occurredAt", Reason: "required"}
	}
	for k := range e.Tags {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "tags", Reason: "empty tag key"}
		}
	}
	return nil
}

// Group is the deduplicated incident for one (workspace, fingerprint).
type Group struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspaceId"`
	Fingerprint       string            `json:"fingerprint"`
	Title             string            `json:"title"`
	Message           string            `json:"message,omitempty"`
	Source            Source            `json:"source"`
	Project           string            `json:"project,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Status            Status            `json:"status"`
	Severity          Severity          `json:"severity"`
	FirstSeenAt       time.Time         `json:"firstSeenAt"`
	LastSeenAt        time.Time         `json:"lastSeenAt"`
	Count             int               `json:"count"`
	AssignedRoles     []string          `json:"assignedRoles,omitempty"`
	LinkedRelease     string            `json:"linkedRelease,omitempty"`
	EscalationLevel   int               `json:"escalationLevel"`
	RoutedRuleID      string            `json:"routedRuleId,omitempty"`
	ThreadRef         string            `json:"threadRef,omitempty"`
	SnoozeUntil       *time.Time        `json:"snoozeUntil,omitempty"`
	SnoozedBy         string            `json:"snoozedBy,omitempty"`
	AcknowledgedAt    *time.Time        `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy    string            `json:"acknowledgedBy,omitempty"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy        string            `json:"resolvedBy,omitempty"`
	ResolutionMinutes int               `json:"resolutionMinutes,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Tags = maps.Clone(g.Tags)
	cp.AssignedRoles = slices.Clone(g.AssignedRoles)
	cp.SnoozeUntil = cloneTime(g.SnoozeUntil)
	cp.AcknowledgedAt = cloneTime(g.AcknowledgedAt)
	cp.ResolvedAt = cloneTime(g.ResolvedAt)
	return &cp
}

// Snoozed reports whether escalation is suppressed at now.
func (g *Group) Snoozed(now time.Time) bool {
	return g.SnoozeUntil != nil && now.Before(*g.SnoozeUntil)
}

// Velocity is occurrences per hour since first seen.
func (g *Group) Velocity(now time.Time) float64 {
	hours := now.Sub(g.FirstSeenAt).Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(g.Count) / hours
}

// ForEvaluation projects the group onto the attributes rules can see.
func (g *Group) ForEvaluation() ForEvaluation {
	return ForEvaluation{
		ID:          g.ID,
		WorkspaceID: g.WorkspaceID,
		Environment: g.Environment,
		Severity:    g.Severity,
		Project:     g.Project,
		Title:       g.Title,
		Message:     g.Message,
		Source:      g.Source,
		Status:      g.Status,
		Fingerprint: g.Fingerprint,
		Count:       g.Count,
		Tags:        maps.Clone(g.Tags),
		OccurredAt:  g.LastSeenAt,
	}
}

// ForEvaluation is the read-only alert view consumed by condition
// evaluation and correlation scoring.
type ForEvaluation struct {
	ID          string            `json:"id,omitempty"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Severity    Severity          `json:"severity"`
	Project     string            `json:"project,omitempty"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message,omitempty"`
	Source      Source            `json:"source,omitempty"`
	Status      Status            `json:"status,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Count       int               `json:"count"`
	Tags        map[string]string `json:"tags,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// Correlation links a primary group to groups suspected to share a cause.
// It is derived data; the groups themselves are never merged.
type Correlation struct {
	ID                string    `json:"id"`
	WorkspaceID       string    `json:"workspaceId"`
	PrimaryGroupID    string    `json:"primaryAlertId"`
	RelatedGroupIDs   []string  `json:"relatedAlertIds"`
	ConfidenceScore   float64   `json:"confidenceScore"`
	RootCauseGroupID  string    `json:"rootCauseAlertId,omitempty"`
	RootCauseAnalysis string    `json:"rootCauseAnalysis,omitempty"`
	Reasons           []string  `json:"reasons,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SnoozeConfig suppresses escalation for one group until SnoozeUntil.
type SnoozeConfig struct {
	GroupID         string    `json:"alertGroupId"`
	DurationMinutes int       `json:"durationMinutes"`
	SnoozeUntil     time.Time `json:"snoozeUntil"`
	SnoozedBy       string    `json:"snoozedBy,omitempty"`
}

// AutoCloseConfig resolves groups idle for InactivityDays.
type AutoCloseConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	InactivityDays int  `json:"inactivityDays" yaml:"inactivityDays"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
