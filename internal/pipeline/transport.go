package pipeline

import (
	"net/http"
	"time"
)

// retryTransport retries idempotent requests on transport errors and 5xx
// responses with exponential backoff. Non-GET requests pass straight through
// so an upload never starts two remote jobs.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff func(attempt int) time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return base.RoundTrip(req)
	}
	backoff := t.backoff
	if backoff == nil {
		backoff = defaultBackoff
	}

	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if attempt >= t.retries {
			return resp, err
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		timer := time.NewTimer(backoff(attempt))
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(100*(1<<attempt)) * time.Millisecond
}
