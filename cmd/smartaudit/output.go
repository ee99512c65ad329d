package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/view"
)

var (
	cyan    = color.New(color.FgCyan)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	faint   = color.New(color.FgHiBlack)
	heading = color.New(color.FgCyan, color.Bold)

	severityColors = map[audit.Severity]*color.Color{
		audit.SeverityCritical:      color.New(color.FgHiRed, color.Bold),
		audit.SeverityHigh:          color.New(color.FgRed),
		audit.SeverityMedium:        color.New(color.FgYellow),
		audit.SeverityLow:           color.New(color.FgBlue),
		audit.SeverityInformational: color.New(color.FgHiBlack),
	}
)

func printBanner(w io.Writer) {
	fig := figure.NewFigure("SmartAudit", "doom", true)
	_, _ = red.Fprint(w, fig.String())
	_, _ = cyan.Fprintln(w, "════════════════════════════════════════════════")
	_, _ = green.Fprintln(w, "    Multi-agent smart contract auditing")
	_, _ = cyan.Fprintln(w, "════════════════════════════════════════════════")
}

func printInfo(w io.Writer, format string, args ...any) {
	_, _ = cyan.Fprint(w, "› ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printWarn(w io.Writer, format string, args ...any) {
	_, _ = yellow.Fprintf(w, "⚠ "+format+"\n", args...)
}

func printPhase(w io.Writer, snap audit.Snapshot) {
	name := ""
	if snap.Session != nil {
		name = snap.Session.ArtifactName
	}
	switch snap.Phase {
	case audit.PhaseScanning:
		printInfo(w, "Scanning %s (session %s)", name, snap.SessionID())
	case audit.PhaseCompleted:
		_, _ = green.Fprintf(w, "✓ Pipeline completed after %d poll(s)\n", snap.Polls)
	case audit.PhaseFailed:
		_, _ = red.Fprintf(w, "✗ Audit of %s failed\n", name)
	}
}

func printPoll(w io.Writer, snap audit.Snapshot) {
	_, _ = faint.Fprintf(w, "  … still scanning (poll %d)\n", snap.Polls)
}

func printFailure(w io.Writer, snap audit.Snapshot) {
	cause := "unknown cause"
	if snap.Err != nil {
		cause = snap.Err.Error()
	}
	_, _ = red.Fprintf(w, "Cause: %s\n", cause)
}

func printRemoteStatus(w io.Writer, baseURL, pdfURL string, status audit.RemoteStatus) {
	c := yellow
	switch status {
	case audit.RemoteCompleted:
		c = green
	case audit.RemoteError:
		c = red
	}
	fmt.Fprintf(w, "%s: ", baseURL)
	_, _ = c.Fprintln(w, string(status))
	if status == audit.RemoteCompleted {
		_, _ = faint.Fprintf(w, "PDF report: %s\n", pdfURL)
	}
}

func printResults(w io.Writer, snap audit.Snapshot, tabs []view.Tab) {
	fmt.Fprintln(w)
	_, _ = heading.Fprintln(w, view.Summary(snap.Bundle).String())
	src := view.SourceFor(snap.Bundle, snap.Session)
	for _, tab := range tabs {
		printContent(w, view.Project(snap.Bundle, tab, src))
	}
}

func printContent(w io.Writer, c view.Content) {
	fmt.Fprintln(w)
	_, _ = heading.Fprintf(w, "── %s ──\n", c.Title)
	if c.Empty {
		_, _ = faint.Fprintln(w, c.Message)
		return
	}
	if c.Degraded {
		printWarn(w, "%s", c.DegradedReason)
	}
	for _, item := range c.Findings {
		sev, ok := severityColors[item.Severity]
		if !ok {
			sev = yellow
		}
		_, _ = sev.Fprintf(w, "[%s] ", item.Severity)
		fmt.Fprint(w, item.Check)
		if item.Line > 0 {
			_, _ = faint.Fprintf(w, " (line %d)", item.Line)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "    %s\n", item.Description)
		if code := strings.TrimSpace(item.Code); code != "" {
			printIndented(w, code)
		}
	}
	for _, item := range c.Logic {
		fmt.Fprint(w, item.Title)
		if item.Verified {
			_, _ = green.Fprint(w, "  ✓ Gatekeeper Verified")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "    %s\n", item.Explanation)
		printIndented(w, item.CodeCitation)
		if item.Remediation != "" {
			fmt.Fprintf(w, "    Fix: %s\n", item.Remediation)
		}
	}
	for i, item := range c.Manuals {
		_, _ = cyan.Fprintf(w, "%d. %s\n", i+1, item.Title)
		fmt.Fprintln(w, item.Content)
	}
	if c.Diff != nil {
		_, _ = faint.Fprintf(w, "+%d −%d\n", c.Diff.Added, c.Diff.Removed)
		for _, line := range c.Diff.Lines {
			switch line.Kind {
			case view.DiffAdded:
				_, _ = green.Fprintf(w, "+ %s\n", line.Text)
			case view.DiffRemoved:
				_, _ = red.Fprintf(w, "- %s\n", line.Text)
			default:
				fmt.Fprintf(w, "  %s\n", line.Text)
			}
		}
	}
}

func printIndented(w io.Writer, text string) {
	for _, line := range strings.Split(text, "\n") {
		_, _ = faint.Fprintf(w, "    │ %s\n", line)
	}
}
