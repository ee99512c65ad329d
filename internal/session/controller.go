// Package session drives one audit attempt from submission through polling
// to results. The Controller is the single writer of session state; every
// other component reads immutable snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
	"github.com/kingrea/SmartAudit/internal/pipeline"
)

const (
	DefaultInterval    = 1500 * time.Millisecond
	DefaultMaxFailures = 5
	meterName          = "github.com/kingrea/SmartAudit/internal/session"
)

// Artifact is a named source file that can be read for upload.
type Artifact interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// Pipeline is the subset of the pipeline client the controller talks to.
type Pipeline interface {
	Upload(ctx context.Context, sessionID, name string, body io.Reader) (pipeline.UploadReceipt, error)
	Status(ctx context.Context, sessionID string) (audit.RemoteStatus, error)
}

// Aggregator loads and owns the result bundle for the armed session.
type Aggregator interface {
	Reset(sessionID string)
	Load(ctx context.Context, sessionID string) (*audit.Bundle, error)
}

// Controller owns the Idle -> Scanning -> {Completed, Failed} state machine.
type Controller struct {
	client      Pipeline
	agg         Aggregator
	interval    time.Duration
	maxFailures int
	maxWait     time.Duration
	now         func() time.Time
	newID       func() string
	logger      *zap.SugaredLogger

	polls        metric.Int64Counter
	pollFailures metric.Int64Counter
	duration     metric.Float64Histogram

	mu         sync.Mutex
	phase      audit.Phase
	session    *audit.Session
	bundle     *audit.Bundle
	err        error
	loading    bool
	pollCount  int
	updatedAt  time.Time
	uploading  bool
	aggregated string
	cancel     context.CancelFunc
	sessionCtx context.Context
	subs       map[int]chan audit.Snapshot
	nextSub    int
	closed     bool

	wg sync.WaitGroup
}

// Option customizes a Controller.
type Option func(*Controller)

// WithInterval sets the delay between status polls.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxFailures sets how many consecutive failed polls fail the session.
func WithMaxFailures(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxFailures = n
		}
	}
}

// WithMaxWait fails sessions whose job is still unsettled after d. Zero waits
// forever.
func WithMaxWait(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.maxWait = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides session id minting.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMeterProvider records poll and session metrics through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Controller) {
		if mp != nil {
			c.initInstruments(mp.Meter(meterName))
		}
	}
}

// New builds an idle controller.
func New(client Pipeline, agg Aggregator, opts ...Option) *Controller {
	c := &Controller{
		client:      client,
		agg:         agg,
		interval:    DefaultInterval,
		maxFailures: DefaultMaxFailures,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logging.Nop(),
		phase:       audit.PhaseIdle,
		subs:        make(map[int]chan audit.Snapshot),
	}
	c.initInstruments(noop.NewMeterProvider().Meter(meterName))
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.updatedAt = c.now()
	return c
}

func (c *Controller) initInstruments(m metric.Meter) {
	fallback := noop.NewMeterProvider().Meter(meterName)
	var err error
	if c.polls, err = m.Int64Counter("smartaudit.polls",
		metric.WithDescription("Status queries issued")); err != nil {
		c.polls, _ = fallback.Int64Counter("smartaudit.polls")
	}
	if c.pollFailures, err = m.Int64Counter("smartaudit.poll_failures",
		metric.WithDescription("Status queries that failed")); err != nil {
		c.pollFailures, _ = fallback.Int64Counter("smartaudit.poll_failures")
	}
	if c.duration, err = m.Float64Histogram("smartaudit.session.duration",
		metric.WithDescription("Time from submission to a terminal phase"),
		metric.WithUnit("s")); err != nil {
		c.duration, _ = fallback.Float64Histogram("smartaudit.session.duration")
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() audit.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe delivers the latest snapshot after every transition. Slow readers
// only ever see the newest snapshot. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan audit.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan audit.Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Begin mints a new session and moves Idle -> Scanning. Any previous bundle is
// discarded and the aggregator is armed for the new session.
func (c *Controller) Begin(artifactName string) (audit.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audit.Session{}, fmt.Errorf("session: controller closed")
	}
	if c.phase != audit.PhaseIdle {
		return audit.Session{}, fmt.Errorf("session: begin from %s: %w", c.phase, audit.ErrInvalidTransition)
	}

	sess := &audit.Session{
		ID:           c.newID(),
		ArtifactName: artifactName,
		StartedAt:    c.now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.session = sess
	c.sessionCtx = ctx
	c.cancel = cancel
	c.phase = audit.PhaseScanning
	c.bundle = nil
	c.err = nil
	c.loading = false
	c.pollCount = 0
	c.uploading = false
	c.aggregated = ""
	c.agg.Reset(sess.ID)
	c.logger.Infow("session started", "session", sess.ID, "artifact", artifactName)
	c.publishLocked()
	return *sess, nil
}

// Upload submits the artifact for a begun session. On success the status
// polling loop starts; on failure the session moves to Failed.
func (c *Controller) Upload(ctx context.Context, sessionID string, artifact Artifact) error {
	c.mu.Lock()
	if !c.liveLocked(sessionID) {
		c.mu.Unlock()
		return fmt.Errorf("session: upload %s: %w", sessionID, audit.ErrStaleSession)
	}
	if c.phase != audit.PhaseScanning || c.uploading {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("session: upload from %s: %w", phase, audit.ErrInvalidTransition)
	}
	c.uploading = true
	sessCtx := c.sessionCtx
	c.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(sessCtx, stop)
	defer unhook()

	err := c.upload(ctx, sessionID, artifact)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("session: upload %s: controller closed", sessionID)
	}
	if !c.liveLocked(sessionID) {
		return fmt.Errorf("session: upload %s: %w", sessionID, audit.ErrStaleSession)
	}
	if err != nil {
		c.failLocked(err)
		return err
	}
	c.logger.Infow("upload accepted, polling", "session", sessionID, "interval", c.interval)
	c.wg.Add(1)
	go c.poll(sessCtx, sessionID, c.session.StartedAt)
	return nil
}

func (c *Controller) upload(ctx context.Context, sessionID string, artifact Artifact) error {
	if artifact == nil {
		return &audit.SubmissionError{Err: errors.New("no artifact")}
	}
	body, err := artifact.Open()
	if err != nil {
		return &audit.SubmissionError{Err: fmt.Errorf("open %s: %w", artifact.Name(), err)}
	}
	defer body.Close()
	if _, err := c.client.Upload(ctx, sessionID, artifact.Name(), body); err != nil {
		var subErr *audit.SubmissionError
		if errors.As(err, &subErr) {
			return err
		}
		return &audit.SubmissionError{Err: err}
	}
	return nil
}

// Submit begins a session and uploads artifact in one call.
func (c *Controller) Submit(ctx context.Context, artifact Artifact) (audit.Session, error) {
	if artifact == nil {
		return audit.Session{}, fmt.Errorf("session: submit: %w", &audit.SubmissionError{Err: errors.New("no artifact")})
	}
	sess, err := c.Begin(artifact.Name())
	if err != nil {
		return audit.Session{}, err
	}
	return sess, c.Upload(ctx, sess.ID, artifact)
}

// CaptureSource records the locally decoded artifact text on the live
// session. Captures for any other session are dropped. It never changes the
// phase.
func (c *Controller) CaptureSource(sessionID, text string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(sessionID) {
		return false
	}
	updated := *c.session
	if err != nil {
		updated.Source = ""
		updated.SourceCaptured = false
		updated.SourceErr = err
		c.logger.Warnw("artifact text unavailable", "session", sessionID, "err", err)
	} else {
		updated.Source = text
		updated.SourceCaptured = true
		updated.SourceErr = nil
	}
	c.session = &updated
	c.publishLocked()
	return true
}

// Reset abandons the current session from any phase and returns to Idle.
// In-flight polls and loads are cancelled and their results discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	prev := ""
	if c.session != nil {
		prev = c.session.ID
	}
	c.cancel = nil
	c.sessionCtx = nil
	c.session = nil
	c.phase = audit.PhaseIdle
	c.bundle = nil
	c.err = nil
	c.loading = false
	c.pollCount = 0
	c.uploading = false
	c.aggregated = ""
	c.agg.Reset("")
	if prev != "" {
		c.logger.Infow("session reset", "session", prev)
	}
	c.publishLocked()
}

// Close cancels any running session and waits for its goroutines. Subscriber
// channels are closed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// poll queries status sequentially until the job settles, the session is
// abandoned or too many consecutive queries fail.
func (c *Controller) poll(ctx context.Context, sessionID string, startedAt time.Time) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	sessionAttr := metric.WithAttributes(attribute.String("audit.session_id", sessionID))
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.maxWait > 0 {
			if waited := c.now().Sub(startedAt); waited > c.maxWait {
				c.fail(sessionID, &audit.TimeoutError{Waited: waited})
				return
			}
		}

		status, err := c.client.Status(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		c.polls.Add(ctx, 1, sessionAttr)
		if err != nil {
			failures++
			c.pollFailures.Add(ctx, 1, sessionAttr)
			c.logger.Warnw("status poll failed", "session", sessionID, "attempt", failures, "err", err)
			if failures >= c.maxFailures || !pipeline.IsTransient(err) {
				c.fail(sessionID, &audit.PollError{Attempts: failures, Err: err})
				return
			}
			c.notePoll(sessionID)
			continue
		}
		failures = 0

		if !status.Settled() {
			if !isKnownRunning(status) {
				c.logger.Debugw("unrecognised remote status, still waiting", "session", sessionID, "status", status)
			}
			c.notePoll(sessionID)
			continue
		}
		if status == audit.RemoteCompleted {
			c.complete(ctx, sessionID)
		} else {
			c.fail(sessionID, &audit.PipelineStatusError{Status: status})
		}
		return
	}
}

func isKnownRunning(s audit.RemoteStatus) bool {
	switch s {
	case audit.RemoteIdle, audit.RemoteStarting, audit.RemoteScanning:
		return true
	}
	return false
}

func (c *Controller) notePoll(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(sessionID) || c.phase != audit.PhaseScanning {
		return
	}
	c.pollCount++
	c.publishLocked()
}

// complete moves the session to Completed and runs its single aggregation.
func (c *Controller) complete(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if !c.liveLocked(sessionID) || c.phase != audit.PhaseScanning || c.aggregated == sessionID {
		c.mu.Unlock()
		return
	}
	c.aggregated = sessionID
	c.phase = audit.PhaseCompleted
	c.loading = true
	c.pollCount++
	c.logger.Infow("pipeline completed, loading results", "session", sessionID)
	c.publishLocked()
	c.mu.Unlock()

	bundle, err := c.agg.Load(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(sessionID) {
		c.logger.Debugw("dropping results for abandoned session", "session", sessionID)
		return
	}
	c.loading = false
	if err != nil {
		var aggErr *audit.AggregationError
		if !errors.As(err, &aggErr) {
			err = &audit.AggregationError{SessionID: sessionID, Err: err}
		}
		c.failLocked(err)
		return
	}
	c.bundle = bundle
	c.recordDuration(ctx, audit.PhaseCompleted)
	c.publishLocked()
}

func (c *Controller) fail(sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(sessionID) {
		return
	}
	c.failLocked(err)
}

func (c *Controller) failLocked(err error) {
	if c.phase == audit.PhaseFailed || c.phase == audit.PhaseIdle {
		return
	}
	c.phase = audit.PhaseFailed
	c.err = err
	c.loading = false
	c.logger.Errorw("session failed", "session", c.session.ID, "err", err)
	c.recordDuration(context.Background(), audit.PhaseFailed)
	c.publishLocked()
}

func (c *Controller) recordDuration(ctx context.Context, outcome audit.Phase) {
	if c.session == nil {
		return
	}
	elapsed := c.now().Sub(c.session.StartedAt).Seconds()
	c.duration.Record(ctx, elapsed, metric.WithAttributes(attribute.String("audit.outcome", string(outcome))))
}

func (c *Controller) liveLocked(sessionID string) bool {
	return sessionID != "" && c.session != nil && c.session.ID == sessionID
}

func (c *Controller) snapshotLocked() audit.Snapshot {
	snap := audit.Snapshot{
		Phase:     c.phase,
		Bundle:    c.bundle,
		Err:       c.err,
		Loading:   c.loading,
		Polls:     c.pollCount,
		UpdatedAt: c.updatedAt,
	}
	if c.session != nil {
		sess := *c.session
		snap.Session = &sess
	}
	return snap
}

func (c *Controller) publishLocked() {
	c.updatedAt = c.now()
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
