package results

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/pipeline"
)

type stubFetcher struct {
	mu         sync.Mutex
	report     pipeline.Report
	reportErr  error
	manuals    []audit.ExploitManual
	manualsErr error
	fixed      string
	fixedErr   error
	source     string
	sourceErr  error
	// gate, when set, blocks every fetch until closed.
	gate  chan struct{}
	calls int
}

func (s *stubFetcher) wait() {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (s *stubFetcher) Report(ctx context.Context, sessionID string) (pipeline.Report, error) {
	s.wait()
	return s.report, s.reportErr
}

func (s *stubFetcher) Manuals(ctx context.Context, sessionID string) ([]audit.ExploitManual, error) {
	s.wait()
	return s.manuals, s.manualsErr
}

func (s *stubFetcher) FixedCode(ctx context.Context, sessionID string) (string, error) {
	s.wait()
	return s.fixed, s.fixedErr
}

func (s *stubFetcher) Source(ctx context.Context, sessionID string) (string, error) {
	s.wait()
	return s.source, s.sourceErr
}

func intPtr(n int) *int { return &n }

func sampleFetcher() *stubFetcher {
	return &stubFetcher{
		report: pipeline.Report{
			Contract: "Vault.sol",
			Findings: []audit.Finding{
				{Check: "tx-origin", Severity: "Low"},
				{Check: "reentrancy-eth", Severity: "critical", Line: intPtr(42)},
				{Check: "mystery", Severity: ""},
			},
			LogicIssues: []audit.LogicIssue{{Title: "price-manipulation", Explanation: "spot price"}},
		},
		manuals: []audit.ExploitManual{{ID: "flash.md", Title: "Flash loan", Content: "1. borrow"}},
		fixed:   "contract Vault { /* fixed */ }",
		source:  "contract Vault {}",
	}
}

func TestLoadPublishesNormalizedBundle(t *testing.T) {
	loadedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := New(sampleFetcher(), WithClock(func() time.Time { return loadedAt }))
	agg.Reset("s1")

	bundle, err := agg.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Same(t, bundle, agg.Bundle())

	assert.Equal(t, "s1", bundle.SessionID)
	assert.Equal(t, loadedAt, bundle.LoadedAt)
	assert.Equal(t, 4, bundle.TotalRisks)
	sorted := bundle.SortedFindings()
	require.Len(t, sorted, 3)
	assert.Equal(t, audit.SeverityCritical, sorted[0].Severity)
	assert.Equal(t, audit.SeverityMedium, sorted[1].Severity)
	assert.Equal(t, audit.SeverityLow, sorted[2].Severity)
	assert.Len(t, bundle.LogicIssues(), 1)
	assert.Len(t, bundle.Manuals(), 1)
	assert.Equal(t, "contract Vault { /* fixed */ }", bundle.RemediatedCode)
	assert.True(t, bundle.HasOriginal)
	assert.Equal(t, "contract Vault {}", bundle.OriginalSource)
}

func TestLoadToleratesMissingSource(t *testing.T) {
	for name, sourceErr := range map[string]error{
		"not found":   audit.ErrNotFound,
		"server down": errors.New("503 service unavailable"),
	} {
		t.Run(name, func(t *testing.T) {
			fetcher := sampleFetcher()
			fetcher.sourceErr = sourceErr
			agg := New(fetcher)
			agg.Reset("s1")

			bundle, err := agg.Load(context.Background(), "s1")
			require.NoError(t, err)
			assert.False(t, bundle.HasOriginal)
			assert.Empty(t, bundle.OriginalSource)
			assert.Same(t, bundle, agg.Bundle())
		})
	}
}

func TestSourceFailureDoesNotMaskMandatoryFailure(t *testing.T) {
	fetcher := sampleFetcher()
	fetcher.fixedErr = errors.New("fixed down")
	fetcher.sourceErr = audit.ErrNotFound
	agg := New(fetcher)
	agg.Reset("s1")

	_, err := agg.Load(context.Background(), "s1")
	var partial *audit.PartialResultsError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Failed, 1)
	assert.Contains(t, partial.Failed, "fixed-code")
}

func TestLoadFailsWhenAnyFetchFails(t *testing.T) {
	fetcher := sampleFetcher()
	fetcher.manualsErr = errors.New("boom")
	agg := New(fetcher)
	agg.Reset("s1")

	bundle, err := agg.Load(context.Background(), "s1")
	assert.Nil(t, bundle)
	assert.Nil(t, agg.Bundle(), "partial results are never published")

	var aggErr *audit.AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "s1", aggErr.SessionID)
	var partial *audit.PartialResultsError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, "manuals")
	assert.NotContains(t, partial.Failed, "report")
	assert.Equal(t, 4, fetcher.calls, "every fetch settles")
}

func TestLoadNamesEveryFailedFetch(t *testing.T) {
	fetcher := sampleFetcher()
	fetcher.reportErr = errors.New("report down")
	fetcher.fixedErr = audit.ErrNotFound
	agg := New(fetcher)
	agg.Reset("s1")

	_, err := agg.Load(context.Background(), "s1")
	var partial *audit.PartialResultsError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Failed, 2)
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestLoadRejectsUnarmedSession(t *testing.T) {
	fetcher := sampleFetcher()
	agg := New(fetcher)
	agg.Reset("s2")

	_, err := agg.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, audit.ErrStaleSession)
	assert.Zero(t, fetcher.calls)
}

func TestResetDuringLoadDiscardsResult(t *testing.T) {
	fetcher := sampleFetcher()
	fetcher.gate = make(chan struct{})
	agg := New(fetcher)
	agg.Reset("s1")

	done := make(chan error, 1)
	go func() {
		_, err := agg.Load(context.Background(), "s1")
		done <- err
	}()

	agg.Reset("s2")
	close(fetcher.gate)

	err := <-done
	assert.ErrorIs(t, err, audit.ErrStaleSession)
	assert.Nil(t, agg.Bundle())
}

func TestReloadReplacesBundleWholesale(t *testing.T) {
	fetcher := sampleFetcher()
	agg := New(fetcher)
	agg.Reset("s1")
	first, err := agg.Load(context.Background(), "s1")
	require.NoError(t, err)

	fetcher.report.Findings = nil
	fetcher.report.LogicIssues = nil
	second, err := agg.Load(context.Background(), "s1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Len(t, first.Findings(), 3, "earlier bundle is untouched")
	assert.Empty(t, second.Findings())
}

func TestResetClearsBundle(t *testing.T) {
	agg := New(sampleFetcher())
	agg.Reset("s1")
	_, err := agg.Load(context.Background(), "s1")
	require.NoError(t, err)

	agg.Reset("")
	assert.Nil(t, agg.Bundle())
}
