package view

import (
	"fmt"
	"strings"

	"github.com/kingrea/SmartAudit/internal/audit"
)

// SeverityCount is one row of the severity breakdown.
type SeverityCount struct {
	Severity audit.Severity
	Count    int
}

// SummaryData is the headline numbers for a bundle.
type SummaryData struct {
	Contract   string
	TotalRisks int
	Findings   int
	Logic      int
	Manuals    int
	Severities []SeverityCount
}

// Summary tallies the bundle. Severities are listed Critical first and
// always include every level.
func Summary(bundle *audit.Bundle) SummaryData {
	if bundle == nil {
		return SummaryData{}
	}
	counts := bundle.SeverityCounts()
	out := SummaryData{
		Contract:   bundle.Contract,
		TotalRisks: bundle.TotalRisks,
		Findings:   len(bundle.Findings()),
		Logic:      len(bundle.LogicIssues()),
		Manuals:    len(bundle.Manuals()),
	}
	for _, sev := range audit.AllSeverities() {
		out.Severities = append(out.Severities, SeverityCount{Severity: sev, Count: counts[sev]})
	}
	return out
}

// String renders a one-line summary such as
// "4 risks · 1 Critical · 2 High · 1 verified logic issue".
func (s SummaryData) String() string {
	parts := []string{plural(s.TotalRisks, "risk", "risks")}
	for _, row := range s.Severities {
		if row.Count > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", row.Count, row.Severity))
		}
	}
	if s.Logic > 0 {
		parts = append(parts, plural(s.Logic, "verified logic issue", "verified logic issues"))
	}
	return strings.Join(parts, " · ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
