package audit

import "strings"

// Severity of a static finding. The set is unordered on the wire; Rank gives
// the fixed display precedence.
type Severity string

const (
	SeverityCritical      Severity = "Critical"
	SeverityHigh          Severity = "High"
	SeverityMedium        Severity = "Medium"
	SeverityLow           Severity = "Low"
	SeverityInformational Severity = "Informational"
)

var severityAliases = map[string]Severity{
	"critical":      SeverityCritical,
	"high":          SeverityHigh,
	"medium":        SeverityMedium,
	"moderate":      SeverityMedium,
	"low":           SeverityLow,
	"informational": SeverityInformational,
	"info":          SeverityInformational,
	"optimization":  SeverityInformational,
}

// NormalizeSeverity maps a raw severity string onto the known set. Empty or
// unrecognised values become Medium so the finding is still shown.
func NormalizeSeverity(raw string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return SeverityMedium
}

// Rank orders severities for display, lower first. Unknown values rank as Medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityLow:
		return 3
	case SeverityInformational:
		return 4
	default:
		return 2
	}
}

// AllSeverities lists severities in display order.
func AllSeverities() []Severity {
	return []Severity{
		SeverityCritical,
		SeverityHigh,
		SeverityMedium,
		SeverityLow,
		SeverityInformational,
	}
}
