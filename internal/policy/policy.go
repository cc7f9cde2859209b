// Package policy loads per-workspace engine policy from a YAML file:
// routing rules, correlation thresholds, escalation ladder depth,
// workspace snooze windows and auto-close settings.
//
// Workspace sections override the defaults field by field. A Live holds
// the current Policy and can be swapped on reload without restarting.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/routing"
)

// DefaultMaxLevels is the escalation ladder depth when none is configured.
const DefaultMaxLevels = 3

// File mirrors the policy YAML document.
type File struct {
	Defaults   Section            `yaml:"defaults"`
	Workspaces map[string]Section `yaml:"workspaces"`
}

// Section is a defaults block or one workspace's overrides. Nil fields
// inherit from the defaults.
type Section struct {
	Escalation  *EscalationSection  `yaml:"escalation"`
	Correlation *CorrelationSection `yaml:"correlation"`
	AutoClose   *AutoCloseSection   `yaml:"autoClose"`
	Snooze      []SnoozeWindow      `yaml:"snooze"`
	Rules       []map[string]any    `yaml:"rules"`
}

type EscalationSection struct {
	MaxLevels *int `yaml:"maxLevels"`
}

type CorrelationSection struct {
	Enabled            *bool          `yaml:"enabled"`
	Threshold          *float64       `yaml:"threshold"`
	RootCauseThreshold *float64       `yaml:"rootCauseThreshold"`
	Lookback           *time.Duration `yaml:"lookback"`
	TimeWindow         *time.Duration `yaml:"timeWindow"`
	MaxRelated         *int           `yaml:"maxRelated"`
	SemanticWeight     *float64       `yaml:"semanticWeight"`
}

type AutoCloseSection struct {
	Enabled        *bool `yaml:"enabled"`
	InactivityDays *int  `yaml:"inactivityDays"`
}

// SnoozeWindow suppresses escalation for a whole workspace between Start
// and End.
type SnoozeWindow struct {
	Start  time.Time `yaml:"start"`
	End    time.Time `yaml:"end"`
	Reason string    `yaml:"reason"`
}

// RuleDoc is a routing rule as loaded from the file: its id and the JSON
// document handed to the rule API.
type RuleDoc struct {
	ID  string
	Doc []byte
}

type workspace struct {
	maxLevels   int
	correlation correlation.Config
	autoClose   alert.AutoCloseConfig
	snooze      []SnoozeWindow
	rules       []RuleDoc
}

// Policy is a resolved, validated policy file.
type Policy struct {
	defaults   workspace
	workspaces map[string]workspace
}

// Base holds the process-level defaults the file refines.
type Base struct {
	MaxLevels   int
	Correlation correlation.Config
	AutoClose   alert.AutoCloseConfig
}

// DefaultBase returns the stock defaults.
func DefaultBase() Base {
	return Base{
		MaxLevels:   DefaultMaxLevels,
		Correlation: correlation.DefaultConfig(),
	}
}

// New returns a Policy with only base settings and no rules.
func New(base Base) *Policy {
	return &Policy{
		defaults:   workspace{maxLevels: base.MaxLevels, correlation: base.Correlation, autoClose: base.AutoClose},
		workspaces: map[string]workspace{},
	}
}

// Load reads and resolves the policy file at path on top of base.
func Load(path string, base Base) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse resolves a policy document on top of base.
func Parse(data []byte, base Base) (*Policy, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	p := New(base)
	var errs []error
	if len(f.Defaults.Rules) > 0 {
		errs = append(errs, errors.New("defaults: rules must be set per workspace"))
	}
	def, err := resolve(p.defaults, f.Defaults, "")
	if err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	p.defaults = def

	for id, sec := range f.Workspaces {
		ws, err := resolve(def, sec, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", id, err))
			continue
		}
		p.workspaces[id] = ws
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

func resolve(base workspace, s Section, workspaceID string) (workspace, error) {
	out := base
	out.rules = nil
	out.snooze = append([]SnoozeWindow(nil), base.snooze...)

	if e := s.Escalation; e != nil && e.MaxLevels != nil {
		out.maxLevels = *e.MaxLevels
	}
	if c := s.Correlation; c != nil {
		setIf(&out.correlation.Enabled, c.Enabled)
		setIf(&out.correlation.Threshold, c.Threshold)
		setIf(&out.correlation.RootCauseThreshold, c.RootCauseThreshold)
		setIf(&out.correlation.Lookback, c.Lookback)
		setIf(&out.correlation.TimeWindow, c.TimeWindow)
		setIf(&out.correlation.MaxRelated, c.MaxRelated)
		setIf(&out.correlation.SemanticWeight, c.SemanticWeight)
	}
	if a := s.AutoClose; a != nil {
		setIf(&out.autoClose.Enabled, a.Enabled)
		setIf(&out.autoClose.InactivityDays, a.InactivityDays)
	}
	out.snooze = append(out.snooze, s.Snooze...)

	var errs []error
	if out.maxLevels < 0 {
		errs = append(errs, fmt.Errorf("escalation.maxLevels: must be >= 0"))
	}
	if err := out.correlation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("correlation: %w", err))
	}
	if out.autoClose.Enabled && out.autoClose.InactivityDays <= 0 {
		errs = append(errs, fmt.Errorf("autoClose.inactivityDays: must be > 0 when enabled"))
	}
	for i, w := range s.Snooze {
		if !w.End.After(w.Start) {
			errs = append(errs, fmt.Errorf("snooze[%d]: end must be after start", i))
		}
	}
	if workspaceID == "" {
		return out, errors.Join(errs...)
	}
	seen := make(map[string]bool, len(s.Rules))
	for i, raw := range s.Rules {
		doc, err := ruleDoc(raw, workspaceID)
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		if seen[doc.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, doc.ID))
			continue
		}
		seen[doc.ID] = true
		out.rules = append(out.rules, doc)
	}
	return out, errors.Join(errs...)
}

// ruleDoc converts one YAML rule to its JSON document and checks it the
// same way the rule API does.
func ruleDoc(raw map[string]any, workspaceID string) (RuleDoc, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return RuleDoc{}, errors.New("id: required")
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return RuleDoc{}, fmt.Errorf("encode: %w", err)
	}
	r, err := routing.DecodeRule(doc)
	if err != nil {
		return RuleDoc{}, err
	}
	r.ID = id
	r.WorkspaceID = workspaceID
	if err := r.Validate(); err != nil {
		return RuleDoc{}, err
	}
	return RuleDoc{ID: id, Doc: doc}, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (p *Policy) lookup(workspaceID string) workspace {
	if ws, ok := p.workspaces[workspaceID]; ok {
		return ws
	}
	return p.defaults
}

// MaxLevels implements escalation.Policy.
func (p *Policy) MaxLevels(workspaceID string) int {
	return p.lookup(workspaceID).maxLevels
}

// SnoozedUntil implements escalation.Policy. Overlapping windows chain:
// the latest end among windows covering now is returned.
func (p *Policy) SnoozedUntil(workspaceID string, now time.Time) (time.Time, bool) {
	var until time.Time
	for _, w := range p.lookup(workspaceID).snooze {
		if !now.Before(w.Start) && now.Before(w.End) && w.End.After(until) {
			until = w.End
		}
	}
	return until, !until.IsZero()
}

// AutoCloseFor implements escalation.Policy.
func (p *Policy) AutoCloseFor(workspaceID string) alert.AutoCloseConfig {
	return p.lookup(workspaceID).autoClose
}

// Correlation implements incident.WorkspacePolicy.
func (p *Policy) Correlation(workspaceID string) correlation.Config {
	return p.lookup(workspaceID).correlation
}

// Workspaces lists the workspaces with their own section, sorted.
func (p *Policy) Workspaces() []string {
	out := make([]string, 0, len(p.workspaces))
	for id := range p.workspaces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rules returns the rule documents configured for a workspace.
func (p *Policy) Rules(workspaceID string) []RuleDoc {
	return append([]RuleDoc(nil), p.workspaces[workspaceID].rules...)
}

// RuleWriter is the rule API the file seeds through (incident.Service).
type RuleWriter interface {
	PutRule(ctx context.Context, workspaceID, id string, doc []byte) (*routing.Rule, bool, error)
}

// Seed upserts every configured rule. Rules created through the API and
// absent from the file are left alone.
func (p *Policy) Seed(ctx context.Context, w RuleWriter) (int, error) {
	n := 0
	for _, ws := range p.Workspaces() {
		for _, rd := range p.workspaces[ws].rules {
			if _, _, err := w.PutRule(ctx, ws, rd.ID, rd.Doc); err != nil {
				return n, fmt.Errorf("seed rule %s/%s: %w", ws, rd.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// Live is a swappable Policy safe for concurrent use.
type Live struct {
	cur atomic.Pointer[Policy]
}

// NewLive wraps p.
func NewLive(p *Policy) *Live {
	l := &Live{}
	l.cur.Store(p)
	return l
}

// Swap installs p.
func (l *Live) Swap(p *Policy) { l.cur.Store(p) }

// Current returns the installed policy.
func (l *Live) Current() *Policy { return l.cur.Load() }

func (l *Live) MaxLevels(workspaceID string) int { return l.Current().MaxLevels(workspaceID) }

func (l *Live) SnoozedUntil(workspaceID string, now time.Time) (time.Time, bool) {
	return l.Current().SnoozedUntil(workspaceID, now)
}

func (l *Live) AutoCloseFor(workspaceID string) alert.AutoCloseConfig {
	return l.Current().AutoCloseFor(workspaceID)
}

func (l *Live) Correlation(workspaceID string) correlation.Config {
	return l.Current().Correlation(workspaceID)
}
