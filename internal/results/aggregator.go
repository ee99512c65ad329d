// Package results merges the post-completion fetches of one session into a
// single immutable bundle.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
	"github.com/kingrea/SmartAudit/internal/pipeline"
)

// Fetcher is the slice of the pipeline client the aggregator needs.
type Fetcher interface {
	Report(ctx context.Context, sessionID string) (pipeline.Report, error)
	Manuals(ctx context.Context, sessionID string) ([]audit.ExploitManual, error)
	FixedCode(ctx context.Context, sessionID string) (string, error)
	Source(ctx context.Context, sessionID string) (string, error)
}

// Aggregator owns the published bundle. At most one session is armed at a
// time; loads for any other session are discarded.
type Aggregator struct {
	fetcher Fetcher
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu     sync.Mutex
	armed  string
	bundle *audit.Bundle
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source used for LoadedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New builds an aggregator over f.
func New(f Fetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher: f,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Reset discards the current bundle and arms the aggregator for sessionID.
// An empty id disarms it.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = sessionID
	a.bundle = nil
}

// Bundle returns the published bundle or nil.
func (a *Aggregator) Bundle() *audit.Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bundle
}

// Load fetches report, manuals and fixed code concurrently and publishes the
// merged bundle. Every fetch settles before the outcome is decided; if any
// failed nothing is published. The service's canonical source is fetched
// alongside but is optional: when it is missing the bundle carries none and
// views fall back to the text captured at upload.
func (a *Aggregator) Load(ctx context.Context, sessionID string) (*audit.Bundle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("results: load: empty session id")
	}
	if !a.isArmed(sessionID) {
		return nil, fmt.Errorf("results: load %s: %w", sessionID, audit.ErrStaleSession)
	}

	var (
		report   pipeline.Report
		manuals  []audit.ExploitManual
		fixed    string
		original string
		hasOrig  bool
		failedMu sync.Mutex
		failed   = map[string]error{}
	)
	record := func(name string, err error) {
		failedMu.Lock()
		failed[name] = err
		failedMu.Unlock()
	}

	// No shared cancellation: every fetch settles so the error names each
	// endpoint that failed.
	var g errgroup.Group
	g.Go(func() error {
		r, err := a.fetcher.Report(ctx, sessionID)
		if err != nil {
			record("report", err)
			return err
		}
		report = r
		return nil
	})
	g.Go(func() error {
		m, err := a.fetcher.Manuals(ctx, sessionID)
		if err != nil {
			record("manuals", err)
			return err
		}
		manuals = m
		return nil
	})
	g.Go(func() error {
		code, err := a.fetcher.FixedCode(ctx, sessionID)
		if err != nil {
			record("fixed-code", err)
			return err
		}
		fixed = code
		return nil
	})
	g.Go(func() error {
		code, err := a.fetcher.Source(ctx, sessionID)
		switch {
		case errors.Is(err, audit.ErrNotFound):
			a.logger.Debugw("no canonical source, using captured text", "session", sessionID)
		case err != nil:
			a.logger.Warnw("canonical source unavailable", "session", sessionID, "err", err)
		default:
			original, hasOrig = code, true
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		aggErr := &audit.AggregationError{SessionID: sessionID, Err: &audit.PartialResultsError{Failed: failed}}
		a.logger.Warnw("results incomplete", "session", sessionID, "err", aggErr)
		return nil, aggErr
	}

	bundle := audit.NewBundle(audit.BundleParts{
		SessionID:      sessionID,
		Contract:       report.Contract,
		TotalRisks:     report.TotalRisks,
		Findings:       report.Findings,
		LogicIssues:    report.LogicIssues,
		Manuals:        manuals,
		RemediatedCode: fixed,
		OriginalSource: original,
		HasOriginal:    hasOrig,
		LoadedAt:       a.now(),
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed != sessionID {
		a.logger.Infow("discarding results for stale session", "session", sessionID, "live", a.armed)
		return nil, fmt.Errorf("results: load %s: %w", sessionID, audit.ErrStaleSession)
	}
	a.bundle = bundle
	a.logger.Infow("results loaded", "session", sessionID,
		"findings", len(report.Findings), "logic", len(report.LogicIssues), "manuals", len(manuals))
	return bundle, nil
}

func (a *Aggregator) isArmed(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed == sessionID
}
