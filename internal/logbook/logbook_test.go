package logbook

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/SmartAudit/internal/audit"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journey.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestTailOnMissingFile(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "none.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	lines, total := book.Tail(4)
	if lines != nil || total != 0 {
		t.Fatalf("expected empty tail, got %v %d", lines, total)
	}
}

func TestRecordSnapshotLevels(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "journey.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	session := &audit.Session{ID: "0123456789abcdef", ArtifactName: "Vault.sol"}
	book.RecordSnapshot(audit.Snapshot{Phase: audit.PhaseScanning, Session: session})
	book.RecordSnapshot(audit.Snapshot{Phase: audit.PhaseFailed, Session: session, Err: errors.New("pipeline exploded")})
	book.RecordSnapshot(audit.Snapshot{Phase: audit.PhaseIdle})

	lines, total := book.Tail(10)
	if total != 3 {
		t.Fatalf("expected 3 entries, got %d", total)
	}
	if !strings.Contains(lines[0], "[01234567] Scanning Vault.sol") {
		t.Fatalf("scanning line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") || !strings.Contains(lines[1], "pipeline exploded") {
		t.Fatalf("failed line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "Session reset") {
		t.Fatalf("reset line = %q", lines[2])
	}
}

func TestReopenContinuesTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "journey.log")
	first, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	first.Info("before restart")

	second, err := New(path)
	if err != nil {
		t.Fatalf("reopen logbook: %v", err)
	}
	second.Warn("after restart")
	lines, total := second.Tail(5)
	if total != 2 || len(lines) != 2 {
		t.Fatalf("expected 2 entries across restarts, got %d %v", total, lines)
	}
	if !strings.Contains(lines[0], "before restart") || !strings.Contains(lines[1], "WARN") {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestTailWindowIsBounded(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "journey.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < recentCap+10; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(recentCap * 2)
	if total != recentCap+10 {
		t.Fatalf("total = %d, want %d", total, recentCap+10)
	}
	if len(lines) != recentCap || !strings.HasSuffix(lines[len(lines)-1], fmt.Sprintf("entry-%d", recentCap+9)) {
		t.Fatalf("window = %d lines ending %q", len(lines), lines[len(lines)-1])
	}
}

func TestEntryString(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))
	got := Entry{At: at, Level: LevelWarn, Session: "abcdef0123", Text: "  slow poll  "}.String()
	want := "2025-03-01T08:30:00Z WARN  [abcdef01] slow poll"
	if got != want {
		t.Fatalf("entry = %q, want %q", got, want)
	}
	plain := Entry{At: at, Level: LevelInfo, Text: "hello"}.String()
	if plain != "2025-03-01T08:30:00Z INFO  hello" {
		t.Fatalf("sessionless entry = %q", plain)
	}
}
