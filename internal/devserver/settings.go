package devserver

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/SmartAudit/internal/audit"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort matches the pipeline service's usual port so the client
	// defaults reach the stub without configuration.
	DefaultPort = 8000
	// DefaultMaxUploadBytes rejects uploads above 5 MB.
	DefaultMaxUploadBytes int64 = 5 << 20
	// DefaultScanPolls is how many status queries report "scanning" before the
	// scripted outcome.
	DefaultScanPolls    = 3
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Settings captures runtime configuration for the stub pipeline service.
type Settings struct {
	Host           string
	Port           int
	MaxUploadBytes int64
	ScanPolls      int
	// Outcome is the status reported once the scripted scan finishes:
	// "completed" or "error".
	Outcome      audit.RemoteStatus
	FixturesDir  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns settings with every field populated.
func DefaultSettings() Settings {
	return Settings{
		Host:           DefaultHost,
		Port:           DefaultPort,
		MaxUploadBytes: DefaultMaxUploadBytes,
		ScanPolls:      DefaultScanPolls,
		Outcome:        audit.RemoteCompleted,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// SettingsFromEnv starts from the defaults and applies SMARTAUDIT_DEV_*
// overrides.
func SettingsFromEnv() Settings {
	s := DefaultSettings()
	s.applyEnvOverrides()
	s.normalize()
	return s
}

func (s *Settings) applyEnvOverrides() {
	if s == nil {
		return
	}
	if host := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEV_HOST")); host != "" {
		s.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEV_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			s.Port = parsed
		}
	}
	if polls := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEV_SCAN_POLLS")); polls != "" {
		if parsed, err := strconv.Atoi(polls); err == nil && parsed >= 0 {
			s.ScanPolls = parsed
		}
	}
	if outcome := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEV_OUTCOME")); outcome != "" {
		s.Outcome = audit.ParseRemoteStatus(outcome)
	}
	if dir := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEV_FIXTURES")); dir != "" {
		s.FixturesDir = dir
	}
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	// Port 0 asks the kernel for a free port.
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxUploadBytes <= 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.ScanPolls < 0 {
		s.ScanPolls = DefaultScanPolls
	}
	if s.Outcome != audit.RemoteError {
		s.Outcome = audit.RemoteCompleted
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}
