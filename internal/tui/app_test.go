package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logbook"
	"github.com/kingrea/SmartAudit/internal/upload"
	"github.com/kingrea/SmartAudit/internal/view"
)

type fakeController struct {
	mu      sync.Mutex
	snap    audit.Snapshot
	resets  int
	updates chan audit.Snapshot
}

func newFakeController() *fakeController {
	return &fakeController{
		snap:    audit.Snapshot{Phase: audit.PhaseIdle},
		updates: make(chan audit.Snapshot, 4),
	}
}

func (f *fakeController) Snapshot() audit.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe() (<-chan audit.Snapshot, func()) {
	return f.updates, func() {}
}

func (f *fakeController) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.snap = audit.Snapshot{Phase: audit.PhaseIdle}
}

type fakeSubmitter struct {
	names []string
	err   error
}

func (f *fakeSubmitter) SubmitArtifact(_ context.Context, artifact upload.Artifact) (audit.Session, error) {
	f.names = append(f.names, artifact.Name())
	if f.err != nil {
		return audit.Session{}, f.err
	}
	return audit.Session{ID: "sess-0001", ArtifactName: artifact.Name()}, nil
}

type fakePDF struct {
	data []byte
	err  error
}

func (f *fakePDF) DownloadPDF(_ context.Context, _ string, w io.Writer) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := w.Write(f.data)
	return int64(n), err
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, app *App, msg tea.Msg) (*App, tea.Cmd) {
	t.Helper()
	model, cmd := app.Update(msg)
	next, ok := model.(*App)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	return next, cmd
}

func completedSnapshot() audit.Snapshot {
	line := 27
	bundle := audit.NewBundle(audit.BundleParts{
		SessionID: "sess-0001",
		Contract:  "Vault.sol",
		Findings: []audit.Finding{
			{Check: "tx-origin", Description: "Uses tx.origin.", Severity: "Medium"},
			{Check: "reentrancy-eth", Description: "External call before state update.", Severity: "Critical", Line: &line},
		},
		LogicIssues: []audit.LogicIssue{
			{Title: "price-manipulation", Explanation: "Spot price is read from a pool."},
		},
		Manuals: []audit.ExploitManual{
			{ID: "m1", Title: "Drain via reentrancy", Content: "step one"},
			{ID: "m2", Title: "Oracle skew", Content: "step two"},
		},
		RemediatedCode: "contract Vault {\n  bool locked;\n}\n",
	})
	return audit.Snapshot{
		Phase: audit.PhaseCompleted,
		Session: &audit.Session{
			ID:             "sess-0001",
			ArtifactName:   "Vault.sol",
			Source:         "contract Vault {\n}\n",
			SourceCaptured: true,
		},
		Bundle: bundle,
		Polls:  4,
	}
}

func TestSubmitFromUploadScreen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Vault.sol")
	if err := os.WriteFile(path, []byte("contract Vault {}"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	sub := &fakeSubmitter{}
	app := NewApp(newFakeController(), sub, WithArtifactPath(path))
	if app.screen() != screenUpload {
		t.Fatalf("expected upload screen, got %d", app.screen())
	}
	app, cmd := update(t, app, key("enter"))
	if cmd == nil {
		t.Fatalf("expected submit command")
	}
	app, _ = update(t, app, cmd())
	if len(sub.names) != 1 || sub.names[0] != "Vault.sol" {
		t.Fatalf("expected Vault.sol submitted, got %v", sub.names)
	}
	if !strings.Contains(app.statusMsg, "Submitted Vault.sol") {
		t.Fatalf("unexpected status %q", app.statusMsg)
	}
}

func TestSubmitRejectsNonSolidityPath(t *testing.T) {
	sub := &fakeSubmitter{}
	app := NewApp(newFakeController(), sub, WithArtifactPath("notes.txt"))
	app, cmd := update(t, app, key("enter"))
	if cmd != nil {
		t.Fatalf("non-.sol path must not start an upload")
	}
	if len(sub.names) != 0 {
		t.Fatalf("submitter should not be called, got %v", sub.names)
	}
	if app.statusMsg == "" {
		t.Fatalf("expected a status message explaining the rejection")
	}
}

func TestSubmitErrorIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Vault.sol")
	if err := os.WriteFile(path, []byte("contract Vault {}"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	sub := &fakeSubmitter{err: errors.New("connection refused")}
	app := NewApp(newFakeController(), sub, WithArtifactPath(path))
	app, cmd := update(t, app, key("enter"))
	app, _ = update(t, app, cmd())
	if !strings.Contains(app.statusMsg, "connection refused") {
		t.Fatalf("expected error in status, got %q", app.statusMsg)
	}
	if app.busy {
		t.Fatalf("busy flag must clear after the upload settles")
	}
}

func TestUploadResultAfterResetIsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Vault.sol")
	if err := os.WriteFile(path, []byte("contract Vault {}"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	lb, err := logbook.New(filepath.Join(dir, "logs", "journey.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	sub := &fakeSubmitter{err: fmt.Errorf("session: upload old: %w", audit.ErrStaleSession)}
	app := NewApp(newFakeController(), sub, WithArtifactPath(path), WithLogbook(lb))
	app, pending := update(t, app, key("enter"))
	if pending == nil {
		t.Fatalf("expected submit command")
	}
	app, _ = update(t, app, snapshotMsg{snap: audit.Snapshot{
		Phase:   audit.PhaseScanning,
		Session: &audit.Session{ID: "old", ArtifactName: "Vault.sol"},
	}})
	app, _ = update(t, app, key("r"))

	app, _ = update(t, app, pending())
	if app.statusMsg != "Session reset" {
		t.Fatalf("stale upload result overwrote status: %q", app.statusMsg)
	}
	lines, _ := lb.Tail(10)
	for _, line := range lines {
		if strings.Contains(line, "Upload failed") {
			t.Fatalf("stale upload result reached the journey log: %q", line)
		}
	}
}

func TestOlderUploadResultKeepsNewerSubmissionBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Vault.sol")
	if err := os.WriteFile(path, []byte("contract Vault {}"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	app := NewApp(newFakeController(), &fakeSubmitter{}, WithArtifactPath(path))
	app, _ = update(t, app, key("enter"))
	first := app.attempt
	app, _ = update(t, app, snapshotMsg{snap: audit.Snapshot{
		Phase:   audit.PhaseScanning,
		Session: &audit.Session{ID: "old", ArtifactName: "Vault.sol"},
	}})
	app, _ = update(t, app, key("r"))
	app, _ = update(t, app, key("enter"))
	if !app.busy {
		t.Fatalf("second submission should mark the dashboard busy")
	}

	app, _ = update(t, app, submitResultMsg{attempt: first, session: audit.Session{ID: "old", ArtifactName: "Vault.sol"}})
	if !app.busy {
		t.Fatalf("result of an earlier attempt cleared the busy flag")
	}
	if strings.Contains(app.statusMsg, "Submitted") {
		t.Fatalf("result of an earlier attempt changed the status: %q", app.statusMsg)
	}
}

func TestSnapshotsSelectScreens(t *testing.T) {
	app := NewApp(newFakeController(), &fakeSubmitter{})

	scanning := audit.Snapshot{
		Phase:   audit.PhaseScanning,
		Session: &audit.Session{ID: "sess-0001", ArtifactName: "Vault.sol"},
		Polls:   1,
	}
	app, cmd := update(t, app, snapshotMsg{snap: scanning})
	if cmd == nil {
		t.Fatalf("expected the dashboard to keep listening for snapshots")
	}
	if app.screen() != screenScanning {
		t.Fatalf("expected scanning screen, got %d", app.screen())
	}
	out := app.View()
	for _, step := range agentSteps {
		if !strings.Contains(out, step) {
			t.Fatalf("scanning view missing agent %q", step)
		}
	}

	loading := completedSnapshot()
	loading.Bundle = nil
	loading.Loading = true
	app, _ = update(t, app, snapshotMsg{snap: loading})
	if app.screen() != screenScanning || !strings.Contains(app.View(), "Loading results") {
		t.Fatalf("completed without a bundle should keep the progress screen")
	}

	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})
	if app.screen() != screenResults {
		t.Fatalf("expected results screen, got %d", app.screen())
	}
	if !strings.Contains(app.View(), "reentrancy-eth") {
		t.Fatalf("results view should list findings")
	}

	failed := audit.Snapshot{
		Phase:   audit.PhaseFailed,
		Session: &audit.Session{ID: "sess-0002", ArtifactName: "Vault.sol"},
		Err:     &audit.PipelineStatusError{Status: audit.RemoteError},
	}
	app, _ = update(t, app, snapshotMsg{snap: failed})
	if app.screen() != screenFailed {
		t.Fatalf("expected failed screen, got %d", app.screen())
	}
	if !strings.Contains(app.View(), "press r to reset") {
		t.Fatalf("failed view should offer reset")
	}
}

func TestTabAndManualKeys(t *testing.T) {
	app := NewApp(newFakeController(), &fakeSubmitter{})
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})

	app, _ = update(t, app, key("2"))
	if app.tab != view.TabLogic {
		t.Fatalf("expected logic tab, got %s", app.tab)
	}
	if !strings.Contains(app.viewport.View(), "Gatekeeper Verified") {
		t.Fatalf("logic tab should mark issues verified")
	}
	app, _ = update(t, app, key("tab"))
	if app.tab != view.TabRedTeam {
		t.Fatalf("expected red team tab, got %s", app.tab)
	}
	app, _ = update(t, app, key("]"))
	if app.manualIdx != 1 {
		t.Fatalf("expected second manual selected, got %d", app.manualIdx)
	}
	app, _ = update(t, app, key("]"))
	if app.manualIdx != 1 {
		t.Fatalf("manual selection must clamp, got %d", app.manualIdx)
	}
	if !strings.Contains(app.viewport.View(), "step two") {
		t.Fatalf("selected manual content should be shown")
	}
	app, _ = update(t, app, key("["))
	if app.manualIdx != 0 {
		t.Fatalf("expected first manual selected, got %d", app.manualIdx)
	}
	app, _ = update(t, app, key("4"))
	if app.tab != view.TabCode {
		t.Fatalf("expected code tab, got %s", app.tab)
	}
	if !strings.Contains(app.viewport.View(), "+ ") {
		t.Fatalf("code tab should render the diff")
	}
}

func TestTabKeysIgnoredOutsideResults(t *testing.T) {
	app := NewApp(newFakeController(), &fakeSubmitter{})
	app, _ = update(t, app, snapshotMsg{snap: audit.Snapshot{Phase: audit.PhaseScanning}})
	app, _ = update(t, app, key("3"))
	if app.tab != view.TabFindings {
		t.Fatalf("tab must not change while scanning, got %s", app.tab)
	}
}

func TestResetKeyReturnsToUpload(t *testing.T) {
	ctrl := newFakeController()
	app := NewApp(ctrl, &fakeSubmitter{})
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})
	app, _ = update(t, app, key("3"))
	app, _ = update(t, app, key("r"))
	if ctrl.resets != 1 {
		t.Fatalf("expected one reset, got %d", ctrl.resets)
	}
	if app.screen() != screenUpload || app.tab != view.TabFindings {
		t.Fatalf("reset should return to the upload screen on the first tab")
	}
}

func TestUploadScreenTreatsLettersAsInput(t *testing.T) {
	ctrl := newFakeController()
	app := NewApp(ctrl, &fakeSubmitter{})
	for _, r := range "rq" {
		app, _ = update(t, app, key(string(r)))
	}
	if ctrl.resets != 0 {
		t.Fatalf("typing must not reset")
	}
	if app.input.Value() != "rq" {
		t.Fatalf("expected typed path, got %q", app.input.Value())
	}
}

func TestQuitKeys(t *testing.T) {
	app := NewApp(newFakeController(), &fakeSubmitter{})
	_, cmd := update(t, app, key("esc"))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})
	_, cmd = update(t, app, key("q"))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestPDFDownloadWritesReport(t *testing.T) {
	dir := t.TempDir()
	pdf := &fakePDF{data: []byte("%PDF-1.4 test")}
	app := NewApp(newFakeController(), &fakeSubmitter{}, WithPDFDownloader(pdf, dir))
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})
	app, cmd := update(t, app, key("p"))
	if cmd == nil {
		t.Fatalf("expected download command")
	}
	app, _ = update(t, app, cmd())
	path := filepath.Join(dir, "audit-sess-000.pdf")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(data) != "%PDF-1.4 test" {
		t.Fatalf("unexpected report bytes %q", data)
	}
	if !strings.Contains(app.statusMsg, path) {
		t.Fatalf("status should name the saved file, got %q", app.statusMsg)
	}
}

func TestPDFDownloadFailureRemovesFile(t *testing.T) {
	dir := t.TempDir()
	pdf := &fakePDF{err: errors.New("PDF Report not ready yet.")}
	app := NewApp(newFakeController(), &fakeSubmitter{}, WithPDFDownloader(pdf, dir))
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})
	app, cmd := update(t, app, key("p"))
	app, _ = update(t, app, cmd())
	if !strings.Contains(app.statusMsg, "not ready") {
		t.Fatalf("expected failure in status, got %q", app.statusMsg)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("partial report must be removed, found %d file(s)", len(entries))
	}
}

func TestWaitForSnapshotReadsSubscription(t *testing.T) {
	ctrl := newFakeController()
	app := NewApp(ctrl, &fakeSubmitter{})
	ctrl.updates <- audit.Snapshot{Phase: audit.PhaseScanning}
	msg := app.waitForSnapshot()()
	got, ok := msg.(snapshotMsg)
	if !ok || got.snap.Phase != audit.PhaseScanning {
		t.Fatalf("expected scanning snapshot, got %#v", msg)
	}
	close(ctrl.updates)
	if _, ok := app.waitForSnapshot()().(subscriptionClosedMsg); !ok {
		t.Fatalf("closed subscription should be reported")
	}
}

func TestPhaseChangesAreLogged(t *testing.T) {
	lb, err := logbook.New(filepath.Join(t.TempDir(), "logs", "journey.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	app := NewApp(newFakeController(), &fakeSubmitter{}, WithLogbook(lb))
	scanning := audit.Snapshot{
		Phase:   audit.PhaseScanning,
		Session: &audit.Session{ID: "sess-0001", ArtifactName: "Vault.sol"},
	}
	app, _ = update(t, app, snapshotMsg{snap: scanning})
	scanning.Polls = 2
	app, _ = update(t, app, snapshotMsg{snap: scanning})
	app, _ = update(t, app, snapshotMsg{snap: completedSnapshot()})

	lines, total := lb.Tail(10)
	if total != 2 {
		t.Fatalf("expected 2 journey entries, got %d: %v", total, lines)
	}
	if !strings.Contains(lines[1], "Results loaded") {
		t.Fatalf("expected results entry, got %q", lines[1])
	}
	if !strings.Contains(app.View(), "LOG · journey.log") {
		t.Fatalf("expected log panel in view")
	}
}

func TestStepProgress(t *testing.T) {
	cases := []struct {
		phase  audit.Phase
		done   int
		active int
	}{
		{audit.PhaseIdle, 0, -1},
		{audit.PhaseScanning, 2, 2},
		{audit.PhaseFailed, 2, 2},
		{audit.PhaseCompleted, len(agentSteps), -1},
	}
	for _, tc := range cases {
		done, active := stepProgress(tc.phase)
		if done != tc.done || active != tc.active {
			t.Fatalf("%s: expected (%d,%d), got (%d,%d)", tc.phase, tc.done, tc.active, done, active)
		}
	}
}
