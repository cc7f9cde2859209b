package alert

import (
	"fmt"
	"strings"
)

// Severity is the ordered alert severity. The numeric value doubles as the
// comparison rank used by routing conditions (info=1 .. critical=5).
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityUnknown:  "unknown",
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// severityAliases maps integration spellings onto the canonical scale.
var severityAliases = map[string]Severity{
	"info":     SeverityInfo,
	"debug":    SeverityInfo,
	"low":      SeverityLow,
	"success":  SeverityLow,
	"medium":   SeverityMedium,
	"med":      SeverityMedium,
	"warning":  SeverityMedium,
	"warn":     SeverityMedium,
	"high":     SeverityHigh,
	"error":    SeverityHigh,
	"critical": SeverityCritical,
	"fatal":    SeverityCritical,
}

// ParseSeverity normalizes s (any case, known aliases) to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(s))]
	return sev, ok
}

// String returns the lowercase canonical name.
func (s Severity) String() string {
	if s < SeverityUnknown || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Rank returns the comparison rank, 0 for unknown.
func (s Severity) Rank() int {
	if s < SeverityInfo || s > SeverityCritical {
		return 0
	}
	return int(s)
}

// Valid reports whether s is one of the known levels.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Max returns the higher of s and o.
func (s Severity) Max(o Severity) Severity {
	if o > s {
		return o
	}
	return s
}

// MarshalText encodes the severity as its uppercase name.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return []byte(""), nil
	}
	return []byte(strings.ToUpper(s.String())), nil
}

// UnmarshalText accepts any spelling ParseSeverity accepts. An empty
// value decodes to SeverityUnknown and is left for Validate to reject.
func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = SeverityUnknown
		return nil
	}
	sev, ok := ParseSeverity(string(b))
	if !ok {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", string(b))}
	}
	*s = sev
	return nil
}
