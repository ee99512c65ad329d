// internal/tui/app.go
//
// This is the dashboard for SmartAudit.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the last controller snapshot plus local UI state (tab, input)
// 2. Update: key presses and snapshot messages change that state
// 3. View: renders whichever screen the snapshot phase selects
//
// The session controller owns the audit. The dashboard only reads snapshots
// from its subscription channel and asks it to reset.

package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logbook"
	"github.com/kingrea/SmartAudit/internal/upload"
	"github.com/kingrea/SmartAudit/internal/view"
)

// screen is derived from the snapshot phase, never stored.
type screen int

const (
	screenUpload  screen = iota // Waiting for a .sol path
	screenScanning              // Pipeline running or results loading
	screenResults               // Bundle loaded, tabs available
	screenFailed                // Terminal failure, reset to continue
)

const logPanelLines = 8

// agentSteps are the pipeline stages shown while scanning.
var agentSteps = []string{"Detective", "Verifier", "Auditor", "Gatekeeper", "Red Team", "Reporting"}

// Controller is the part of the session controller the dashboard drives.
type Controller interface {
	Snapshot() audit.Snapshot
	Subscribe() (<-chan audit.Snapshot, func())
	Reset()
}

// Submitter starts an audit for a local artifact.
type Submitter interface {
	SubmitArtifact(ctx context.Context, artifact upload.Artifact) (audit.Session, error)
}

// PDFDownloader fetches the rendered report for a session.
type PDFDownloader interface {
	DownloadPDF(ctx context.Context, sessionID string, w io.Writer) (int64, error)
}

type snapshotMsg struct {
	snap audit.Snapshot
}

type subscriptionClosedMsg struct{}

// submitResultMsg carries the attempt number it was issued under; a reset
// or a later submit makes it stale.
type submitResultMsg struct {
	attempt int
	session audit.Session
	err     error
}

type pdfSavedMsg struct {
	path  string
	bytes int64
	err   error
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLogbook attaches the journey log shown in the log panel.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithPDFDownloader enables the p key. Reports are written into dir.
func WithPDFDownloader(d PDFDownloader, dir string) AppOption {
	return func(a *App) {
		if d != nil {
			a.pdf = d
			a.reportsDir = dir
		}
	}
}

// WithArtifactPath pre-fills the upload input.
func WithArtifactPath(path string) AppOption {
	return func(a *App) {
		a.input.SetValue(strings.TrimSpace(path))
		a.input.CursorEnd()
	}
}

// WithTab selects the results tab shown first.
func WithTab(tab view.Tab) AppOption {
	return func(a *App) {
		if tab != "" {
			a.tab = tab
		}
	}
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	ctrl       Controller
	submitter  Submitter
	pdf        PDFDownloader
	reportsDir string
	logbook    *logbook.Logbook

	updates     <-chan audit.Snapshot
	unsubscribe func()

	snap      audit.Snapshot
	lastEvent string

	// UI components
	input     textinput.Model
	spinner   spinner.Model
	viewport  viewport.Model
	tab       view.Tab
	manualIdx int
	statusMsg string
	busy      bool
	attempt   int

	width  int
	height int
}

// NewApp subscribes to ctrl and builds the dashboard model.
func NewApp(ctrl Controller, submitter Submitter, opts ...AppOption) *App {
	input := textinput.New()
	input.Placeholder = "path/to/Contract.sol"
	input.Prompt = "› "
	input.CharLimit = 4096
	input.Width = 60
	input.Focus()

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))

	app := &App{
		ctrl:      ctrl,
		submitter: submitter,
		input:     input,
		spinner:   spin,
		viewport:  viewport.New(96, 18),
		tab:       view.TabFindings,
		snap:      ctrl.Snapshot(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.updates, app.unsubscribe = ctrl.Subscribe()
	app.refreshViewport()
	return app
}

// Close drops the controller subscription.
func (a *App) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.spinner.Tick, a.waitForSnapshot())
}

// waitForSnapshot blocks on the subscription until the controller publishes.
func (a *App) waitForSnapshot() tea.Cmd {
	updates := a.updates
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return subscriptionClosedMsg{}
		}
		return snapshotMsg{snap: snap}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = max(20, msg.Width-6)
		a.viewport.Height = max(5, msg.Height-16)
		a.input.Width = max(20, msg.Width-12)
		a.refreshViewport()
		return a, nil
	case snapshotMsg:
		a.applySnapshot(msg.snap)
		return a, a.waitForSnapshot()
	case subscriptionClosedMsg:
		a.updates = nil
		return a, nil
	case submitResultMsg:
		if msg.attempt != a.attempt || errors.Is(msg.err, audit.ErrStaleSession) {
			return a, nil
		}
		a.busy = false
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Upload failed: %v", msg.err)
			a.logError("Upload failed: %v", msg.err)
			return a, nil
		}
		a.statusMsg = fmt.Sprintf("Submitted %s", msg.session.ArtifactName)
		return a, nil
	case pdfSavedMsg:
		a.busy = false
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("PDF download failed: %v", msg.err)
			a.logWarn("PDF download failed: %v", msg.err)
			return a, nil
		}
		a.statusMsg = fmt.Sprintf("Saved report to %s", msg.path)
		a.logInfo("PDF report saved · %s (%d bytes)", msg.path, msg.bytes)
		return a, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		if a.screen() == screenUpload {
			return a.updateUpload(msg)
		}
		return a.updateSession(msg)
	}

	if a.screen() == screenUpload {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) updateUpload(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		return a, tea.Quit
	case "enter":
		return a, a.submit(a.input.Value())
	}
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) updateSession(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q":
		return a, tea.Quit
	case "r":
		a.reset()
		return a, nil
	}
	if a.screen() != screenResults {
		return a, nil
	}
	switch key {
	case "1", "2", "3", "4":
		tabs := view.Tabs()
		a.selectTab(tabs[int(key[0]-'1')])
		return a, nil
	case "tab":
		a.selectTab(a.tab.Next())
		return a, nil
	case "[":
		a.selectManual(a.manualIdx - 1)
		return a, nil
	case "]":
		a.selectManual(a.manualIdx + 1)
		return a, nil
	case "p":
		return a, a.downloadPDF()
	}
	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

// submit validates the path locally so a typo never starts a session.
func (a *App) submit(raw string) tea.Cmd {
	path := strings.TrimSpace(raw)
	if path == "" {
		a.statusMsg = "Enter the path of a .sol file"
		return nil
	}
	if err := upload.CheckName(path); err != nil {
		a.statusMsg = err.Error()
		return nil
	}
	if a.busy || a.submitter == nil {
		return nil
	}
	a.busy = true
	a.attempt++
	a.statusMsg = fmt.Sprintf("Uploading %s...", filepath.Base(path))
	a.logInfo("Upload · %s", path)
	submitter, attempt := a.submitter, a.attempt
	return func() tea.Msg {
		artifact, err := upload.FileArtifact(path)
		if err != nil {
			return submitResultMsg{attempt: attempt, err: err}
		}
		sess, err := submitter.SubmitArtifact(context.Background(), artifact)
		return submitResultMsg{attempt: attempt, session: sess, err: err}
	}
}

func (a *App) reset() {
	a.ctrl.Reset()
	a.attempt++
	a.tab = view.TabFindings
	a.manualIdx = 0
	a.busy = false
	a.statusMsg = "Session reset"
	a.input.Focus()
	a.applySnapshot(a.ctrl.Snapshot())
}

func (a *App) selectTab(tab view.Tab) {
	a.tab = tab
	a.viewport.GotoTop()
	a.refreshViewport()
}

func (a *App) selectManual(idx int) {
	if a.tab != view.TabRedTeam {
		return
	}
	content := view.Project(a.snap.Bundle, view.TabRedTeam, view.Source{}).WithSelectedManual(idx)
	for i, item := range content.Manuals {
		if item.Selected {
			a.manualIdx = i
		}
	}
	a.refreshViewport()
}

func (a *App) downloadPDF() tea.Cmd {
	if a.pdf == nil {
		a.statusMsg = "PDF download is not configured"
		return nil
	}
	id := a.snap.SessionID()
	if id == "" || a.busy {
		return nil
	}
	a.busy = true
	a.statusMsg = "Downloading PDF report..."
	downloader, dir := a.pdf, a.reportsDir
	return func() tea.Msg {
		path, n, err := savePDF(downloader, dir, id)
		return pdfSavedMsg{path: path, bytes: n, err: err}
	}
}

// savePDF writes the report to dir/audit-<id>.pdf, removing partial files.
func savePDF(d PDFDownloader, dir, sessionID string) (string, int64, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.pdf", shortID(sessionID)))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	n, err := d.DownloadPDF(context.Background(), sessionID, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

func (a *App) applySnapshot(snap audit.Snapshot) {
	if snap.SessionID() != a.snap.SessionID() {
		a.manualIdx = 0
	}
	a.snap = snap
	if snap.Phase == audit.PhaseIdle {
		a.input.Focus()
	} else {
		a.input.Blur()
	}
	a.recordEvent(snap)
	a.refreshViewport()
}

// recordEvent logs phase changes once rather than every poll.
func (a *App) recordEvent(snap audit.Snapshot) {
	event := fmt.Sprintf("%s/%s/%t", snap.SessionID(), snap.Phase, snap.Bundle != nil)
	if event == a.lastEvent {
		return
	}
	first := a.lastEvent == ""
	a.lastEvent = event
	if first && snap.Phase == audit.PhaseIdle {
		return
	}
	if a.logbook != nil {
		a.logbook.RecordSnapshot(snap)
	}
}

func (a *App) screen() screen {
	switch a.snap.Phase {
	case audit.PhaseScanning:
		return screenScanning
	case audit.PhaseCompleted:
		if a.snap.Bundle == nil {
			return screenScanning
		}
		return screenResults
	case audit.PhaseFailed:
		return screenFailed
	default:
		return screenUpload
	}
}

func (a *App) content() view.Content {
	return view.Project(a.snap.Bundle, a.tab, view.SourceFor(a.snap.Bundle, a.snap.Session)).WithSelectedManual(a.manualIdx)
}

func (a *App) refreshViewport() {
	if a.screen() != screenResults {
		a.viewport.SetContent("")
		return
	}
	a.viewport.SetContent(renderContent(a.content(), a.viewport.Width))
}

func (a *App) logInfo(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Info(format, args...)
}

func (a *App) logWarn(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Warn(format, args...)
}

func (a *App) logError(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Error(format, args...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
