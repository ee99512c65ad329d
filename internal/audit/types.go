package audit

import (
	"sort"
	"strings"
	"time"
)

// Finding is one mechanically detected static vulnerability.
type Finding struct {
	Check       string   `json:"check"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Line        *int     `json:"line,omitempty"`
	Code        string   `json:"code,omitempty"`
}

// Summary returns the first sentence of the description.
func (f Finding) Summary() string {
	desc := strings.TrimSpace(f.Description)
	if desc == "" {
		return "No description available."
	}
	if idx := strings.Index(desc, "."); idx >= 0 {
		return desc[:idx+1]
	}
	return desc + "."
}

// HasLine reports whether the finding carries a source line.
func (f Finding) HasLine() bool {
	return f.Line != nil && *f.Line > 0
}

// LogicIssue is a narrated logic/state vulnerability that passed the
// gatekeeper. It has no severity and is always presented as verified.
type LogicIssue struct {
	Title        string `json:"title"`
	Explanation  string `json:"explanation"`
	Remediation  string `json:"remediation,omitempty"`
	CodeCitation string `json:"code_citation,omitempty"`
}

// ExploitManual is a named red-team transcript.
type ExploitManual struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Bundle is the merged result set for one completed session. Treat it as
// immutable: accessors hand out copies and the aggregator replaces bundles
// wholesale.
type Bundle struct {
	SessionID      string
	Contract       string
	TotalRisks     int
	findings       []Finding
	logicIssues    []LogicIssue
	manuals        []ExploitManual
	RemediatedCode string
	// OriginalSource is the service's canonical copy of the upload. Only
	// meaningful when HasOriginal is set.
	OriginalSource string
	HasOriginal    bool
	LoadedAt       time.Time
}

// BundleParts carries the inputs for NewBundle.
type BundleParts struct {
	SessionID      string
	Contract       string
	TotalRisks     int
	Findings       []Finding
	LogicIssues    []LogicIssue
	Manuals        []ExploitManual
	RemediatedCode string
	OriginalSource string
	HasOriginal    bool
	LoadedAt       time.Time
}

// NewBundle copies parts into a new bundle, normalizing every finding severity.
func NewBundle(parts BundleParts) *Bundle {
	findings := make([]Finding, len(parts.Findings))
	for i, f := range parts.Findings {
		f.Severity = NormalizeSeverity(string(f.Severity))
		if f.Line != nil {
			line := *f.Line
			f.Line = &line
		}
		findings[i] = f
	}
	total := parts.TotalRisks
	if total <= 0 {
		total = len(parts.Findings) + len(parts.LogicIssues)
	}
	return &Bundle{
		SessionID:      parts.SessionID,
		Contract:       parts.Contract,
		TotalRisks:     total,
		findings:       findings,
		logicIssues:    append([]LogicIssue(nil), parts.LogicIssues...),
		manuals:        append([]ExploitManual(nil), parts.Manuals...),
		RemediatedCode: parts.RemediatedCode,
		OriginalSource: parts.OriginalSource,
		HasOriginal:    parts.HasOriginal,
		LoadedAt:       parts.LoadedAt,
	}
}

// Findings returns the findings in wire order.
func (b *Bundle) Findings() []Finding {
	if b == nil {
		return nil
	}
	return cloneFindings(b.findings)
}

// SortedFindings returns findings ordered Critical first. Ties keep wire order.
func (b *Bundle) SortedFindings() []Finding {
	out := b.Findings()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() < out[j].Severity.Rank()
	})
	return out
}

// LogicIssues returns the verified logic issues.
func (b *Bundle) LogicIssues() []LogicIssue {
	if b == nil {
		return nil
	}
	return append([]LogicIssue(nil), b.logicIssues...)
}

// Manuals returns the exploit manual catalog.
func (b *Bundle) Manuals() []ExploitManual {
	if b == nil {
		return nil
	}
	return append([]ExploitManual(nil), b.manuals...)
}

// SeverityCounts tallies findings per severity.
func (b *Bundle) SeverityCounts() map[Severity]int {
	counts := make(map[Severity]int, 5)
	if b == nil {
		return counts
	}
	for _, f := range b.findings {
		counts[f.Severity]++
	}
	return counts
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	out := make([]Finding, len(in))
	for i, f := range in {
		if f.Line != nil {
			line := *f.Line
			f.Line = &line
		}
		out[i] = f
	}
	return out
}

// Session identifies one audit attempt.
type Session struct {
	ID           string
	ArtifactName string
	StartedAt    time.Time
	// Source is the raw text captured at upload time. Empty until captured.
	Source         string
	SourceCaptured bool
	SourceErr      error
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Phase     Phase
	Session   *Session
	Bundle    *Bundle
	Err       error
	Loading   bool
	Polls     int
	UpdatedAt time.Time
}

// SessionID returns the live session id or "".
func (s Snapshot) SessionID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.ID
}
