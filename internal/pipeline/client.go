package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
)

// SessionHeader carries the client-minted session token on every request.
// Services that echo it back let the client reject cross-session results.
const SessionHeader = "X-Audit-Session"

const (
	defaultTimeout = 30 * time.Second
	// maxDocumentBytes bounds JSON documents read from the service.
	maxDocumentBytes = 64 << 20
	tracerName       = "github.com/kingrea/SmartAudit/internal/pipeline"
)

// StatusError is a non-2xx response from the pipeline service.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pipeline: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("pipeline: %s: HTTP %d", e.Op, e.StatusCode)
}

// Is lets errors.Is(err, audit.ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == audit.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// UploadReceipt is the acknowledgement returned by POST /upload.
type UploadReceipt struct {
	Message  string
	Filename string
}

// Client is the typed boundary over the pipeline service HTTP contract. It
// holds no session state.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	retries int
	timeout time.Duration
	tracer  trace.Tracer
	logger  *zap.SugaredLogger
}

// Option customizes client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is still
// wrapped for GET retries.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every individual request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how many times GET requests are retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New prepares a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("pipeline: base url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: parsed,
		http:    &http.Client{},
		retries: 2,
		timeout: defaultTimeout,
		tracer:  otel.Tracer(tracerName),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	wrapped := *c.http
	wrapped.Transport = &retryTransport{base: c.http.Transport, retries: c.retries}
	c.http = &wrapped
	return c, nil
}

// BaseURL returns the service address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// PDFURL returns the address a browser would open for the PDF report.
func (c *Client) PDFURL() string {
	return c.endpoint("/download-pdf")
}

// Upload submits the artifact as multipart field "file" and starts a remote job.
func (c *Client) Upload(ctx context.Context, sessionID, name string, body io.Reader) (receipt UploadReceipt, err error) {
	ctx, span := c.startSpan(ctx, "upload", sessionID)
	defer func() { endSpan(span, err) }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: err}
	}
	if _, err := io.Copy(part, body); err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: fmt.Errorf("read artifact: %w", err)}
	}
	if err := mw.Close(); err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: err}
	}
	span.SetAttributes(attribute.Int("audit.upload_bytes", buf.Len()))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload"), &buf)
	if err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(SessionHeader, sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadReceipt{}, &audit.SubmissionError{
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
	}
	if err := checkEcho(resp, sessionID); err != nil {
		return UploadReceipt{}, &audit.SubmissionError{Err: err}
	}
	var decoded uploadResponse
	if err := decodeJSON(resp.Body, &decoded); err != nil {
		c.logger.Debugw("upload acknowledgement not JSON", "session", sessionID, "err", err)
	}
	c.logger.Infow("artifact uploaded", "session", sessionID, "file", name)
	return UploadReceipt{Message: decoded.Message, Filename: decoded.Filename}, nil
}

// Status reads the coarse remote job status.
func (c *Client) Status(ctx context.Context, sessionID string) (status audit.RemoteStatus, err error) {
	ctx, span := c.startSpan(ctx, "status", sessionID)
	defer func() { endSpan(span, err) }()

	var resp statusResponse
	if err := c.getJSON(ctx, span, "status", "/status", sessionID, &resp); err != nil {
		return "", err
	}
	status = audit.ParseRemoteStatus(resp.Status)
	if status == "" {
		return "", fmt.Errorf("pipeline: status: empty status field")
	}
	span.SetAttributes(attribute.String("audit.remote_status", string(status)))
	return status, nil
}

// Report fetches static findings and verified logic issues.
func (c *Client) Report(ctx context.Context, sessionID string) (report Report, err error) {
	ctx, span := c.startSpan(ctx, "report", sessionID)
	defer func() { endSpan(span, err) }()

	var resp reportResponse
	if err := c.getJSON(ctx, span, "report", "/report", sessionID, &resp); err != nil {
		return Report{}, err
	}
	return resp.toReport(), nil
}

// Manuals fetches the red-team manual catalog in service order.
func (c *Client) Manuals(ctx context.Context, sessionID string) (manuals []audit.ExploitManual, err error) {
	ctx, span := c.startSpan(ctx, "manuals", sessionID)
	defer func() { endSpan(span, err) }()

	var resp []wireManual
	if err := c.getJSON(ctx, span, "manuals", "/manuals", sessionID, &resp); err != nil {
		return nil, err
	}
	manuals = make([]audit.ExploitManual, 0, len(resp))
	for _, m := range resp {
		manuals = append(manuals, m.toManual())
	}
	return manuals, nil
}

// FixedCode fetches the remediated contract source.
func (c *Client) FixedCode(ctx context.Context, sessionID string) (code string, err error) {
	ctx, span := c.startSpan(ctx, "fixed_code", sessionID)
	defer func() { endSpan(span, err) }()

	var resp codeResponse
	if err := c.getJSON(ctx, span, "fixed-code", "/fixed-code", sessionID, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// Source fetches the service's canonical copy of the uploaded artifact.
// Services without the endpoint answer 404, reported as audit.ErrNotFound.
func (c *Client) Source(ctx context.Context, sessionID string) (code string, err error) {
	ctx, span := c.startSpan(ctx, "source", sessionID)
	defer func() { endSpan(span, err) }()

	var resp codeResponse
	if err := c.getJSON(ctx, span, "source", "/source", sessionID, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// DownloadPDF streams the rendered PDF report into w.
func (c *Client) DownloadPDF(ctx context.Context, sessionID string, w io.Writer) (n int64, err error) {
	ctx, span := c.startSpan(ctx, "download_pdf", sessionID)
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.get(ctx, span, "download-pdf", "/download-pdf", sessionID)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err = io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("pipeline: download-pdf: %w", err)
	}
	span.SetAttributes(attribute.Int64("audit.pdf_bytes", n))
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, span trace.Span, op, path, sessionID string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.get(ctx, span, op, path, sessionID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("pipeline: %s: decode: %w", op, err)
	}
	return nil
}

// get issues the request and checks status and session echo. The caller
// closes the body on success.
func (c *Client) get(ctx context.Context, span trace.Span, op, path, sessionID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", op, err)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readDetail(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
	}
	if err := checkEcho(resp, sessionID); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("pipeline: %s: %w", op, err)
	}
	return resp, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

func (c *Client) startSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "pipeline."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("audit.session_id", sessionID)),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// checkEcho rejects responses that carry another session's token. A missing
// header is accepted because the reference service does not echo.
func checkEcho(resp *http.Response, sessionID string) error {
	echoed := strings.TrimSpace(resp.Header.Get(SessionHeader))
	if echoed == "" || sessionID == "" || echoed == sessionID {
		return nil
	}
	return fmt.Errorf("%w: response belongs to session %s", audit.ErrStaleSession, echoed)
}

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxDocumentBytes))
	return dec.Decode(out)
}

func readDetail(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return ""
	}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if text := parsed.text(); text != "" {
			return text
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// IsTransient reports whether err is worth another poll: transport failures,
// timeouts and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, audit.ErrStaleSession) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
