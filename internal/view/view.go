// Package view turns an audit bundle into renderable content for one tab.
// Everything here is pure: no I/O and no clocks, so the same bundle always
// projects to the same content.
package view

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kingrea/SmartAudit/internal/audit"
)

// Tab names one results panel.
type Tab string

const (
	TabFindings Tab = "findings"
	TabLogic    Tab = "logic"
	TabRedTeam  Tab = "redteam"
	TabCode     Tab = "code"
)

const (
	emptyFindings = "No static vulnerabilities detected."
	emptyLogic    = "No logic vulnerabilities passed verification."
	emptyManuals  = "No red team exploit logs were produced."
	noCitation    = "// No verification citation."
	noDescription = "No detailed description provided."
)

// Tabs returns every tab in display order.
func Tabs() []Tab {
	return []Tab{TabFindings, TabLogic, TabRedTeam, TabCode}
}

// ParseTab accepts tab ids and a few aliases.
func ParseTab(raw string) (Tab, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "findings", "static", "verified":
		return TabFindings, nil
	case "logic", "logicaudit", "logic-audit":
		return TabLogic, nil
	case "redteam", "red-team", "manuals":
		return TabRedTeam, nil
	case "code", "fixed", "fixedcode", "fixed-code", "diff":
		return TabCode, nil
	default:
		return "", fmt.Errorf("view: unknown tab %q", raw)
	}
}

// Label returns the tab's title.
func (t Tab) Label() string {
	switch t {
	case TabFindings:
		return "Verified Findings"
	case TabLogic:
		return "AI Logic Audit"
	case TabRedTeam:
		return "Red Team"
	case TabCode:
		return "Fixed Code"
	default:
		return string(t)
	}
}

// Next returns the tab after t, wrapping around.
func (t Tab) Next() Tab {
	tabs := Tabs()
	for i, candidate := range tabs {
		if candidate == t {
			return tabs[(i+1)%len(tabs)]
		}
	}
	return TabFindings
}

// Source is the original artifact text the fixed-code diff compares against.
type Source struct {
	Text      string
	Captured  bool
	// Canonical marks text served by the pipeline rather than decoded locally.
	Canonical bool
	Err       error
}

// SourceFor prefers the service's canonical copy carried by the bundle and
// falls back to the text captured on the session.
func SourceFor(bundle *audit.Bundle, s *audit.Session) Source {
	if bundle != nil && bundle.HasOriginal {
		return Source{Text: bundle.OriginalSource, Captured: true, Canonical: true}
	}
	return SourceFromSession(s)
}

// SourceFromSession reads the captured upload text off a session.
func SourceFromSession(s *audit.Session) Source {
	if s == nil {
		return Source{}
	}
	return Source{Text: s.Source, Captured: s.SourceCaptured, Err: s.SourceErr}
}

// FindingItem is one static finding ready for display.
type FindingItem struct {
	Check       string
	Severity    audit.Severity
	Summary     string
	Description string
	Line        int
	Code        string
}

// LogicItem is one verified logic issue.
type LogicItem struct {
	Title        string
	Explanation  string
	Remediation  string
	CodeCitation string
	Verified     bool
}

// ManualItem is one exploit manual in catalog order.
type ManualItem struct {
	ID       string
	Title    string
	Content  string
	Selected bool
}

// DiffKind classifies a diff line.
type DiffKind int

const (
	DiffSame DiffKind = iota
	DiffRemoved
	DiffAdded
)

// DiffLine is one line of the original/remediated comparison.
type DiffLine struct {
	Kind DiffKind
	Text string
}

// Diff pairs the original source with the remediated code.
type Diff struct {
	Original   string
	Remediated string
	Lines      []DiffLine
	Added      int
	Removed    int
}

// Content is everything a renderer needs for one tab.
type Content struct {
	Tab      Tab
	Title    string
	Empty    bool
	Message  string
	Findings []FindingItem
	Logic    []LogicItem
	Manuals  []ManualItem
	Diff     *Diff
	// Degraded means the view is missing an input it normally has. The
	// reason is shown in place of the missing part.
	Degraded       bool
	DegradedReason string
}

// Project maps bundle and tab to content. A nil bundle projects to an empty
// view.
func Project(bundle *audit.Bundle, tab Tab, src Source) Content {
	content := Content{Tab: tab, Title: tab.Label()}
	if bundle == nil {
		content.Empty = true
		content.Message = "No results yet."
		return content
	}
	switch tab {
	case TabFindings:
		projectFindings(bundle, &content)
	case TabLogic:
		projectLogic(bundle, &content)
	case TabRedTeam:
		projectManuals(bundle, &content)
	case TabCode:
		projectCode(bundle, src, &content)
	default:
		content.Empty = true
		content.Message = fmt.Sprintf("Unknown tab %q.", string(tab))
	}
	return content
}

func projectFindings(bundle *audit.Bundle, content *Content) {
	findings := bundle.SortedFindings()
	if len(findings) == 0 {
		content.Empty = true
		content.Message = emptyFindings
		return
	}
	content.Findings = make([]FindingItem, 0, len(findings))
	for _, f := range findings {
		item := FindingItem{
			Check:       f.Check,
			Severity:    audit.NormalizeSeverity(string(f.Severity)),
			Summary:     f.Summary(),
			Description: strings.TrimSpace(f.Description),
			Code:        f.Code,
		}
		if item.Description == "" {
			item.Description = noDescription
		}
		if f.HasLine() {
			item.Line = *f.Line
		}
		content.Findings = append(content.Findings, item)
	}
}

func projectLogic(bundle *audit.Bundle, content *Content) {
	issues := bundle.LogicIssues()
	if len(issues) == 0 {
		content.Empty = true
		content.Message = emptyLogic
		return
	}
	content.Logic = make([]LogicItem, 0, len(issues))
	for _, issue := range issues {
		citation := issue.CodeCitation
		if strings.TrimSpace(citation) == "" {
			citation = noCitation
		}
		content.Logic = append(content.Logic, LogicItem{
			Title:        issue.Title,
			Explanation:  issue.Explanation,
			Remediation:  issue.Remediation,
			CodeCitation: citation,
			Verified:     true,
		})
	}
}

func projectManuals(bundle *audit.Bundle, content *Content) {
	manuals := bundle.Manuals()
	if len(manuals) == 0 {
		content.Empty = true
		content.Message = emptyManuals
		return
	}
	content.Manuals = make([]ManualItem, 0, len(manuals))
	for i, m := range manuals {
		content.Manuals = append(content.Manuals, ManualItem{
			ID:       m.ID,
			Title:    m.Title,
			Content:  m.Content,
			Selected: i == 0,
		})
	}
}

func projectCode(bundle *audit.Bundle, src Source, content *Content) {
	diff := &Diff{Remediated: bundle.RemediatedCode}
	content.Diff = diff
	if !src.Captured {
		content.Degraded = true
		content.DegradedReason = "Original source was not captured; showing remediated code only."
		if src.Err != nil {
			content.DegradedReason = fmt.Sprintf("Original source unavailable (%v); showing remediated code only.", src.Err)
		}
		for _, line := range splitLines(bundle.RemediatedCode) {
			diff.Lines = append(diff.Lines, DiffLine{Kind: DiffSame, Text: line})
		}
		return
	}
	diff.Original = src.Text
	diff.Lines, diff.Added, diff.Removed = diffLines(src.Text, bundle.RemediatedCode)
}

// WithSelectedManual returns a copy of c with manual idx selected. Out of
// range indexes clamp to the catalog.
func (c Content) WithSelectedManual(idx int) Content {
	if len(c.Manuals) == 0 {
		return c
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.Manuals) {
		idx = len(c.Manuals) - 1
	}
	manuals := make([]ManualItem, len(c.Manuals))
	for i, m := range c.Manuals {
		m.Selected = i == idx
		manuals[i] = m
	}
	c.Manuals = manuals
	return c
}

// SelectedManual returns the selected manual, if any.
func (c Content) SelectedManual() (ManualItem, bool) {
	for _, m := range c.Manuals {
		if m.Selected {
			return m, true
		}
	}
	return ManualItem{}, false
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func diffLines(original, remediated string) ([]DiffLine, int, int) {
	a := splitLines(original)
	b := splitLines(remediated)
	matcher := difflib.NewMatcher(a, b)
	var (
		lines          []DiffLine
		added, removed int
	)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for _, line := range a[op.I1:op.I2] {
				lines = append(lines, DiffLine{Kind: DiffSame, Text: line})
			}
		case 'd':
			for _, line := range a[op.I1:op.I2] {
				lines = append(lines, DiffLine{Kind: DiffRemoved, Text: line})
				removed++
			}
		case 'i':
			for _, line := range b[op.J1:op.J2] {
				lines = append(lines, DiffLine{Kind: DiffAdded, Text: line})
				added++
			}
		case 'r':
			for _, line := range a[op.I1:op.I2] {
				lines = append(lines, DiffLine{Kind: DiffRemoved, Text: line})
				removed++
			}
			for _, line := range b[op.J1:op.J2] {
				lines = append(lines, DiffLine{Kind: DiffAdded, Text: line})
				added++
			}
		}
	}
	return lines, added, removed
}
