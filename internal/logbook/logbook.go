// Package logbook keeps the human-readable audit journey: one line per
// session milestone, appended to a plain text file and mirrored in memory
// for the dashboard's log panel.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/SmartAudit/internal/audit"
)

// Level represents the severity of a journey entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// recentCap bounds the in-memory window Tail serves from.
const recentCap = 64

const noSession = "--------"

// Entry is one journey line.
type Entry struct {
	At      time.Time
	Level   Level
	Session string
	Text    string
}

// String renders the entry the way it is stored on disk.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, " %-5s ", string(e.Level))
	if e.Session != "" {
		fmt.Fprintf(&b, "[%s] ", shortID(e.Session))
	}
	b.WriteString(strings.TrimSpace(e.Text))
	return b.String()
}

// Logbook is the journey file shown in the TUI log panel. Lines stay plain
// text so the file is readable with tail -f.
type Logbook struct {
	path  string
	clock func() time.Time

	mu     sync.Mutex
	recent []string
	total  int
}

// New opens the journey at path, creating its directory. Lines already in the
// file count towards the total and seed the recent window.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &Logbook{path: path, clock: time.Now}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logbook) load() error {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("logbook: open %s: %w", l.path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		l.remember(scanner.Text())
	}
	return scanner.Err()
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends one entry tagged with sessionID ("" for none).
func (l *Logbook) Record(level Level, sessionID, text string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := Entry{At: l.clock(), Level: level, Session: sessionID, Text: text}.String()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	if _, err := file.WriteString(line + "\n"); err != nil {
		return
	}
	l.remember(line)
}

func (l *Logbook) remember(line string) {
	l.total++
	if len(l.recent) == recentCap {
		copy(l.recent, l.recent[1:])
		l.recent = l.recent[:recentCap-1]
	}
	l.recent = append(l.recent, line)
}

// Tail returns up to maxLines of the newest entries plus the total number of
// entries ever written.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total == 0 {
		return nil, 0
	}
	lines := l.recent
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return append([]string(nil), lines...), l.total
}

func (l *Logbook) Info(format string, args ...any) {
	l.Record(LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logbook) Warn(format string, args ...any) {
	l.Record(LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logbook) Error(format string, args ...any) {
	l.Record(LevelError, "", fmt.Sprintf(format, args...))
}

// RecordSnapshot writes the milestone a snapshot represents.
func (l *Logbook) RecordSnapshot(snap audit.Snapshot) {
	level, text := describe(snap)
	session := snap.SessionID()
	if session == "" && snap.Phase != audit.PhaseIdle {
		session = noSession
	}
	l.Record(level, session, text)
}

// describe maps a snapshot onto a journey line. Failures carry their cause.
func describe(snap audit.Snapshot) (Level, string) {
	switch snap.Phase {
	case audit.PhaseScanning:
		name := ""
		if snap.Session != nil {
			name = snap.Session.ArtifactName
		}
		return LevelInfo, "Scanning " + name
	case audit.PhaseCompleted:
		if snap.Bundle == nil {
			return LevelInfo, "Pipeline completed · loading results"
		}
		return LevelInfo, fmt.Sprintf("Results loaded · %d finding(s), %d logic issue(s), %d manual(s)",
			len(snap.Bundle.Findings()), len(snap.Bundle.LogicIssues()), len(snap.Bundle.Manuals()))
	case audit.PhaseFailed:
		cause := "unknown cause"
		if snap.Err != nil {
			cause = snap.Err.Error()
		}
		return LevelError, fmt.Sprintf("%s · %s", snap.Phase.FriendlyName(), cause)
	default:
		return LevelInfo, "Session reset · ready for a new artifact"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
