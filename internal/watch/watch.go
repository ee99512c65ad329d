// Package watch re-runs an audit whenever the artifact changes on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
)

// DefaultDebounce collapses editor save bursts into one change.
const DefaultDebounce = 300 * time.Millisecond

// Controller is the session surface the watcher needs.
type Controller interface {
	Snapshot() audit.Snapshot
	Subscribe() (<-chan audit.Snapshot, func())
	Reset()
}

// SubmitFunc starts a fresh audit of the watched artifact.
type SubmitFunc func(ctx context.Context) error

// Watcher resubmits the artifact after it changes. A scanning session is
// never interrupted; the change is queued until the session settles.
type Watcher struct {
	path     string
	ctrl     Controller
	submit   SubmitFunc
	debounce time.Duration
	logger   *zap.SugaredLogger
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the quiet period before a change is acted on.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New prepares a watcher for path.
func New(path string, ctrl Controller, submit SubmitFunc, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		ctrl:     ctrl,
		submit:   submit,
		debounce: DefaultDebounce,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run blocks until ctx is cancelled. The parent directory is watched so
// editors that save by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	if w.ctrl == nil || w.submit == nil {
		return errors.New("watch: controller and submit func are required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: init: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch: add %s: %w", filepath.Dir(w.path), err)
	}

	updates, unsubscribe := w.ctrl.Subscribe()
	defer unsubscribe()

	changed := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	pending := false

	w.logger.Infow("watching artifact", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("watch error", "err", err)
		case <-changed:
			if inFlight(w.ctrl.Snapshot()) {
				w.logger.Infow("artifact changed during scan, queued", "path", w.path)
				pending = true
				continue
			}
			w.resubmit(ctx)
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if pending && !inFlight(snap) {
				pending = false
				w.resubmit(ctx)
			}
		}
	}
}

// inFlight reports whether the session is still scanning or loading results.
func inFlight(snap audit.Snapshot) bool {
	return snap.Phase == audit.PhaseScanning || snap.Loading
}

func (w *Watcher) resubmit(ctx context.Context) {
	w.logger.Infow("artifact changed, re-auditing", "path", w.path)
	w.ctrl.Reset()
	if err := w.submit(ctx); err != nil {
		w.logger.Warnw("re-audit failed to start", "path", w.path, "err", err)
	}
}
