package audit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed from
	// the current phase.
	ErrInvalidTransition = errors.New("audit: invalid phase transition")
	// ErrStaleSession marks a result that belongs to a session that is no
	// longer live.
	ErrStaleSession = errors.New("audit: stale session")
	// ErrUnsupportedArtifact is returned for uploads that are not Solidity sources.
	ErrUnsupportedArtifact = errors.New("audit: only .sol artifacts are accepted")
	// ErrNotFound is returned when the pipeline has nothing at an endpoint yet.
	ErrNotFound = errors.New("audit: not found")
)

// SubmissionError means the pipeline rejected the artifact or the upload
// failed in transit. It is terminal for the session.
type SubmissionError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString("submission failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError wraps a failed status query. A single one is transient; the
// controller only fails the session after repeated failures.
type PollError struct {
	Attempts int
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("status polling failed %d time(s) in a row: %v", e.Attempts, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// PipelineStatusError means the pipeline reported a job-level failure.
type PipelineStatusError struct {
	Status RemoteStatus
}

func (e *PipelineStatusError) Error() string {
	return fmt.Sprintf("pipeline reported job status %q", string(e.Status))
}

// PartialResultsError names the post-completion fetches that failed.
type PartialResultsError struct {
	Failed map[string]error
}

func (e *PartialResultsError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failed[name]))
	}
	return "partial results: " + strings.Join(parts, "; ")
}

// Unwrap exposes every underlying fetch error to errors.Is/As.
func (e *PartialResultsError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// AggregationError means no bundle was published for a completed job.
type AggregationError struct {
	SessionID string
	Err       error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("loading results for session %s: %v", e.SessionID, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// DecodeError means the local artifact could not be read as text. It only
// degrades the diff view.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("reading %s as text: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError means the job stayed unsettled past the configured maximum wait.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipeline did not finish within %s", e.Waited.Round(time.Second))
}
