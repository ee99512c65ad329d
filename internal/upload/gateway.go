// Package upload accepts artifacts from the user and hands them to the
// session controller.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
	"github.com/kingrea/SmartAudit/internal/session"
)

// DefaultMaxBytes is the advisory size ceiling.
const DefaultMaxBytes int64 = 5 << 20

// Controller is the session surface the gateway drives.
type Controller interface {
	Begin(artifactName string) (audit.Session, error)
	Upload(ctx context.Context, sessionID string, artifact session.Artifact) error
	CaptureSource(sessionID, text string, err error) bool
}

// Gateway submits one artifact per call. The local text capture and the
// network upload run concurrently; a failed capture never affects the upload.
type Gateway struct {
	ctrl     Controller
	maxBytes int64
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMaxBytes sets the size above which a warning is logged.
func WithMaxBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBytes = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway builds a gateway in front of ctrl.
func NewGateway(ctrl Controller, opts ...Option) *Gateway {
	g := &Gateway{
		ctrl:     ctrl,
		maxBytes: DefaultMaxBytes,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SubmitArtifact starts a new session for artifact. Unsupported artifacts are
// rejected before any session exists.
func (g *Gateway) SubmitArtifact(ctx context.Context, artifact Artifact) (audit.Session, error) {
	if artifact == nil {
		return audit.Session{}, fmt.Errorf("upload: no artifact: %w", audit.ErrUnsupportedArtifact)
	}
	if err := CheckName(artifact.Name()); err != nil {
		return audit.Session{}, err
	}
	if size := artifact.Size(); size > g.maxBytes {
		g.logger.Warnw("artifact exceeds advisory size", "file", artifact.Name(), "bytes", size, "limit", g.maxBytes)
	}

	sess, err := g.ctrl.Begin(artifact.Name())
	if err != nil {
		return audit.Session{}, err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		text, decodeErr := Decode(artifact)
		var de *audit.DecodeError
		if decodeErr != nil && !errors.As(decodeErr, &de) {
			decodeErr = &audit.DecodeError{Name: artifact.Name(), Err: decodeErr}
		}
		if !g.ctrl.CaptureSource(sess.ID, text, decodeErr) {
			g.logger.Debugw("dropped source capture for abandoned session", "session", sess.ID)
		}
	}()

	if err := g.ctrl.Upload(ctx, sess.ID, artifact); err != nil {
		return sess, err
	}
	return sess, nil
}

// Wait blocks until every pending source capture has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
