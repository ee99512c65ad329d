package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/view"
)

var (
	colorAccent = lipgloss.Color("#5B8DEF")
	colorBrand  = lipgloss.Color("#FF6B6B")
	colorMuted  = lipgloss.Color("#888888")
	colorFaint  = lipgloss.Color("#AAAAAA")
	colorBorder = lipgloss.Color("#444444")
	colorOK     = lipgloss.Color("#3FB950")
	colorBad    = lipgloss.Color("#F85149")

	severityColors = map[audit.Severity]lipgloss.Color{
		audit.SeverityCritical: lipgloss.Color("#F85149"),
		audit.SeverityHigh:     lipgloss.Color("#FF8C42"),
		audit.SeverityMedium:   lipgloss.Color("#E3B341"),
		audit.SeverityLow:      lipgloss.Color("#5B8DEF"),
	}
)

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	var body string
	switch a.screen() {
	case screenUpload:
		body = a.renderUpload()
	case screenScanning:
		body = a.renderScanning()
	case screenResults:
		body = a.renderResults()
	case screenFailed:
		body = a.renderFailed()
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorBrand).
		MarginBottom(1).
		Render("⬡ SMARTAUDIT")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(lipgloss.JoinVertical(lipgloss.Left, a.renderPhaseLine(), "", body))

	sections := []string{header, box}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(colorMuted).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderPhaseLine() string {
	line := fmt.Sprintf("Phase: %s", a.snap.Phase.FriendlyName())
	if sess := a.snap.Session; sess != nil {
		line += fmt.Sprintf(" · %s · session %s", sess.ArtifactName, shortID(sess.ID))
	}
	if a.snap.Polls > 0 {
		line += fmt.Sprintf(" · %d poll(s)", a.snap.Polls)
	}
	return line
}

func (a *App) renderUpload() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Render("Audit a contract")
	hint := lipgloss.NewStyle().
		Foreground(colorFaint).
		MarginTop(1).
		Render("Enter → upload and scan    Esc → quit")
	return lipgloss.JoinVertical(lipgloss.Left, title, "", a.input.View(), hint)
}

func (a *App) renderScanning() string {
	label := "Executing deep analysis patterns..."
	if a.snap.Phase == audit.PhaseCompleted {
		label = "Loading results..."
	}
	lines := []string{
		renderStepper(a.snap.Phase),
		"",
		fmt.Sprintf("%s %s", a.spinner.View(), label),
		lipgloss.NewStyle().Foreground(colorFaint).MarginTop(1).Render("r → cancel and reset    q → quit"),
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderFailed() string {
	cause := "unknown cause"
	if a.snap.Err != nil {
		cause = a.snap.Err.Error()
	}
	title := lipgloss.NewStyle().Bold(true).Foreground(colorBad).Render("✗ Audit failed")
	reason := lipgloss.NewStyle().Width(max(20, a.viewport.Width)).Render(cause)
	hint := lipgloss.NewStyle().Foreground(colorFaint).MarginTop(1).Render("press r to reset    q → quit")
	return lipgloss.JoinVertical(lipgloss.Left, renderStepper(a.snap.Phase), "", title, reason, hint)
}

func (a *App) renderResults() string {
	summary := view.Summary(a.snap.Bundle)
	headline := lipgloss.NewStyle().Bold(true).Render(summary.String())
	if summary.Contract != "" {
		headline = fmt.Sprintf("%s  %s", lipgloss.NewStyle().Foreground(colorAccent).Render(summary.Contract), headline)
	}
	hint := lipgloss.NewStyle().
		Foreground(colorFaint).
		Render("1-4/tab → switch tab    [ ] → manual    p → PDF    r → reset    q → quit")
	return lipgloss.JoinVertical(lipgloss.Left, headline, "", a.renderTabBar(), a.viewport.View(), hint)
}

func (a *App) renderTabBar() string {
	var parts []string
	for i, tab := range view.Tabs() {
		label := fmt.Sprintf("%d %s", i+1, tab.Label())
		style := lipgloss.NewStyle().Padding(0, 1).Foreground(colorMuted)
		if tab == a.tab {
			style = style.Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(colorAccent)
		}
		parts = append(parts, style.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// stepProgress maps the coarse phase onto the agent stepper. The pipeline
// reports no per-agent state, so scanning parks on the third stage.
func stepProgress(phase audit.Phase) (done, active int) {
	switch phase {
	case audit.PhaseCompleted:
		return len(agentSteps), -1
	case audit.PhaseScanning, audit.PhaseFailed:
		return 2, 2
	default:
		return 0, -1
	}
}

func renderStepper(phase audit.Phase) string {
	done, active := stepProgress(phase)
	parts := make([]string, 0, len(agentSteps))
	for i, name := range agentSteps {
		switch {
		case i < done:
			parts = append(parts, lipgloss.NewStyle().Foreground(colorOK).Render("✓ "+name))
		case i == active && phase == audit.PhaseFailed:
			parts = append(parts, lipgloss.NewStyle().Bold(true).Foreground(colorBad).Render("✗ "+name))
		case i == active:
			parts = append(parts, lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Render("● "+name))
		default:
			parts = append(parts, lipgloss.NewStyle().Foreground(colorMuted).Render("○ "+name))
		}
	}
	return strings.Join(parts, "  ")
}

func renderContent(c view.Content, width int) string {
	if c.Empty {
		return lipgloss.NewStyle().Foreground(colorMuted).Render(c.Message)
	}
	var b strings.Builder
	if c.Degraded {
		b.WriteString(lipgloss.NewStyle().Foreground(severityColors[audit.SeverityMedium]).Render("⚠ " + c.DegradedReason))
		b.WriteString("\n\n")
	}
	switch c.Tab {
	case view.TabFindings:
		for _, item := range c.Findings {
			b.WriteString(renderFinding(item, width))
			b.WriteString("\n")
		}
	case view.TabLogic:
		for _, item := range c.Logic {
			b.WriteString(renderLogic(item, width))
			b.WriteString("\n")
		}
	case view.TabRedTeam:
		b.WriteString(renderManuals(c, width))
	case view.TabCode:
		b.WriteString(renderDiff(c.Diff))
	}
	return strings.TrimRight(b.String(), "\n")
}

func severityBadge(sev audit.Severity) string {
	color, ok := severityColors[sev]
	if !ok {
		color = colorMuted
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprintf("[%s]", sev))
}

func renderFinding(item view.FindingItem, width int) string {
	title := fmt.Sprintf("%s %s", severityBadge(item.Severity), lipgloss.NewStyle().Bold(true).Render(item.Check))
	if item.Line > 0 {
		title += lipgloss.NewStyle().Foreground(colorMuted).Render(fmt.Sprintf(" · line %d", item.Line))
	}
	lines := []string{title}
	if item.Summary != "" {
		lines = append(lines, item.Summary)
	}
	lines = append(lines, lipgloss.NewStyle().Foreground(colorFaint).Width(max(20, width)).Render(item.Description))
	if code := strings.TrimSpace(item.Code); code != "" {
		lines = append(lines, codeBlock(code))
	}
	return strings.Join(lines, "\n") + "\n"
}

func renderLogic(item view.LogicItem, width int) string {
	title := lipgloss.NewStyle().Bold(true).Render(item.Title)
	if item.Verified {
		title += " " + lipgloss.NewStyle().Foreground(colorOK).Render("✓ Gatekeeper Verified")
	}
	wrap := lipgloss.NewStyle().Width(max(20, width))
	lines := []string{
		title,
		wrap.Render(item.Explanation),
		codeBlock(item.CodeCitation),
	}
	if item.Remediation != "" {
		lines = append(lines, wrap.Render("Fix: "+item.Remediation))
	}
	return strings.Join(lines, "\n") + "\n"
}

func renderManuals(c view.Content, width int) string {
	var rows []string
	for i, item := range c.Manuals {
		marker := "  "
		style := lipgloss.NewStyle().Foreground(colorMuted)
		if item.Selected {
			marker = "▸ "
			style = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
		}
		rows = append(rows, style.Render(fmt.Sprintf("%s%d. %s", marker, i+1, item.Title)))
	}
	out := strings.Join(rows, "\n")
	if selected, ok := c.SelectedManual(); ok {
		out += "\n\n" + lipgloss.NewStyle().Width(max(20, width)).Render(selected.Content)
	}
	return out
}

func renderDiff(d *view.Diff) string {
	if d == nil {
		return ""
	}
	added := lipgloss.NewStyle().Foreground(colorOK)
	removed := lipgloss.NewStyle().Foreground(colorBad)
	lines := []string{
		lipgloss.NewStyle().Foreground(colorMuted).Render(fmt.Sprintf("+%d −%d", d.Added, d.Removed)),
	}
	for _, line := range d.Lines {
		switch line.Kind {
		case view.DiffAdded:
			lines = append(lines, added.Render("+ "+line.Text))
		case view.DiffRemoved:
			lines = append(lines, removed.Render("- "+line.Text))
		default:
			lines = append(lines, "  "+line.Text)
		}
	}
	return strings.Join(lines, "\n")
}

func codeBlock(code string) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#C9D1D9")).
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(colorBorder).
		PaddingLeft(1).
		Render(code)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorAccent).
		Render(fmt.Sprintf("LOG · %s (%d)", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(colorFaint).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}
