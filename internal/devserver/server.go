// Package devserver is an in-process stand-in for the audit pipeline service.
// It speaks the same HTTP contract, scripts the job status progression and
// serves canned results, so the client can be run and tested without the
// real multi-agent backend.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/SmartAudit/internal/audit"
	"github.com/kingrea/SmartAudit/internal/logging"
)

// SessionHeader mirrors the client's session token header.
const SessionHeader = "X-Audit-Session"

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Server is the stub pipeline service. Like the real service it tracks a
// single active job; a new upload replaces it.
type Server struct {
	settings Settings
	fixtures Fixtures
	logger   *zap.SugaredLogger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time

	jobMu sync.Mutex
	job   job
}

type job struct {
	status    audit.RemoteStatus
	token     string
	filename  string
	source    []byte
	remaining int
	uploads   int
}

// Option customizes server construction.
type Option func(*Server)

// WithFixtures replaces the built-in result set.
func WithFixtures(fx Fixtures) Option {
	return func(s *Server) {
		s.fixtures = fx
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a stub server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		fixtures: DefaultFixtures(),
		logger:   logging.Nop(),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
		job:      job{status: audit.RemoteIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/manuals", s.handleManuals)
	mux.HandleFunc("/fixed-code", s.handleFixedCode)
	mux.HandleFunc("/source", s.handleSource)
	mux.HandleFunc("/download-pdf", s.handlePDF)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("devserver: server is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("devserver: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("devserver: serve error", "err", err)
		}
	}()
	s.logger.Infow("devserver: listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// JobStatus reports the scripted job status without advancing it.
func (s *Server) JobStatus() audit.RemoteStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.job.status
}

// Uploads reports how many uploads were accepted.
func (s *Server) Uploads() int {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.job.uploads
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		JobStatus:     string(s.JobStatus()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, detail("method not allowed"))
		return
	}
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, detail("empty body"))
		return
	}
	if r.ContentLength > s.settings.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, detail("payload exceeds limit"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, detail("payload exceeds limit"))
			return
		}
		writeJSON(w, http.StatusBadRequest, detail("multipart field \"file\" is required"))
		return
	}
	defer file.Close()
	name := filepath.Base(header.Filename)
	if !strings.HasSuffix(name, ".sol") {
		writeJSON(w, http.StatusBadRequest, detail("Only .sol files are allowed"))
		return
	}
	source, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail("unable to read file"))
		return
	}

	token := strings.TrimSpace(r.Header.Get(SessionHeader))
	s.jobMu.Lock()
	s.job = job{
		status:    audit.RemoteStarting,
		token:     token,
		filename:  name,
		source:    source,
		remaining: s.settings.ScanPolls,
		uploads:   s.job.uploads + 1,
	}
	s.jobMu.Unlock()
	s.logger.Infow("devserver: audit started", "file", name, "session", token)

	s.echo(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Audit started", "filename": name})
}

// handleStatus advances the scripted job: the first query after an upload
// starts the scan, ScanPolls queries report scanning, then the outcome sticks.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.jobMu.Lock()
	switch s.job.status {
	case audit.RemoteStarting:
		s.job.status = audit.RemoteScanning
		fallthrough
	case audit.RemoteScanning:
		if s.job.remaining > 0 {
			s.job.remaining--
		} else {
			s.job.status = s.settings.Outcome
		}
	}
	status := s.job.status
	s.jobMu.Unlock()

	s.echo(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	filename, ok := s.completedJob(w)
	if !ok {
		return
	}
	s.echo(w)
	writeJSON(w, http.StatusOK, s.fixtures.reportFor(filename))
}

func (s *Server) handleManuals(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if _, ok := s.completedJob(w); !ok {
		return
	}
	manuals := s.fixtures.Manuals
	if manuals == nil {
		manuals = []Manual{}
	}
	s.echo(w)
	writeJSON(w, http.StatusOK, manuals)
}

func (s *Server) handleFixedCode(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if _, ok := s.completedJob(w); !ok {
		return
	}
	s.echo(w)
	writeJSON(w, http.StatusOK, map[string]string{"code": s.fixtures.FixedCode})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.jobMu.Lock()
	source := s.job.source
	s.jobMu.Unlock()
	if source == nil {
		writeJSON(w, http.StatusNotFound, detail("No contract uploaded yet."))
		return
	}
	s.echo(w)
	writeJSON(w, http.StatusOK, map[string]string{"code": string(source)})
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.JobStatus() != audit.RemoteCompleted || len(s.fixtures.PDF) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "PDF Report not ready yet."})
		return
	}
	s.echo(w)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="SmartAudit_Report.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.fixtures.PDF)
}

// completedJob writes a 404 unless the job has completed.
func (s *Server) completedJob(w http.ResponseWriter) (string, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.job.status != audit.RemoteCompleted {
		writeJSON(w, http.StatusNotFound, detail("No completed audit."))
		return "", false
	}
	return s.job.filename, true
}

// echo reflects the token of the job the response describes.
func (s *Server) echo(w http.ResponseWriter) {
	s.jobMu.Lock()
	token := s.job.token
	s.jobMu.Unlock()
	if token != "" {
		w.Header().Set(SessionHeader, token)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
	writeJSON(w, http.StatusMethodNotAllowed, detail("method not allowed"))
	return false
}

type healthResponse struct {
	Status        string `json:"status"`
	JobStatus     string `json:"job_status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func detail(msg string) map[string]string {
	return map[string]string{"detail": msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
