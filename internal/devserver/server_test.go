package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/SmartAudit/internal/audit"
)

func TestSettingsFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("SMARTAUDIT_DEV_PORT", "9001")
	t.Setenv("SMARTAUDIT_DEV_HOST", "0.0.0.0")
	t.Setenv("SMARTAUDIT_DEV_SCAN_POLLS", "0")
	t.Setenv("SMARTAUDIT_DEV_OUTCOME", "Error")
	settings := SettingsFromEnv()
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.ScanPolls != 0 {
		t.Fatalf("expected zero scan polls, got %d", settings.ScanPolls)
	}
	if settings.Outcome != audit.RemoteError {
		t.Fatalf("expected error outcome, got %s", settings.Outcome)
	}
	if settings.MaxUploadBytes != DefaultMaxUploadBytes {
		t.Fatalf("expected default upload limit, got %d", settings.MaxUploadBytes)
	}
}

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, base, token, name string, content []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, name, content)
	req, err := http.NewRequest(http.MethodPost, base+"/upload", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func getStatus(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return decoded.Status
}

func newTestServer(t *testing.T, settings Settings, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer(settings, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func TestServerStartAndHealth(t *testing.T) {
	t.Parallel()
	fixed := time.Unix(1730000000, 0).UTC()
	settings := DefaultSettings()
	settings.Port = 0
	srv := NewServer(settings, WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready, got %s", srv.Status())
	}
	resp, err := http.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.JobStatus != "idle" {
		t.Fatalf("expected idle job, got %s", health.JobStatus)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestServerScriptsStatusProgression(t *testing.T) {
	t.Parallel()
	settings := DefaultSettings()
	settings.ScanPolls = 3
	_, base := newTestServer(t, settings)

	if got := getStatus(t, base); got != "idle" {
		t.Fatalf("expected idle before upload, got %s", got)
	}
	resp := upload(t, base, "sess-1", "Vault.sol", []byte("contract Vault {}"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 upload, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(SessionHeader); got != "sess-1" {
		t.Fatalf("expected session echo, got %q", got)
	}
	for i := 0; i < 3; i++ {
		if got := getStatus(t, base); got != "scanning" {
			t.Fatalf("poll %d: expected scanning, got %s", i, got)
		}
	}
	if got := getStatus(t, base); got != "completed" {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := getStatus(t, base); got != "completed" {
		t.Fatalf("expected completed to stick, got %s", got)
	}
}

func TestServerRejectsNonSolidity(t *testing.T) {
	t.Parallel()
	srv, base := newTestServer(t, DefaultSettings())
	resp := upload(t, base, "", "notes.txt", []byte("hello"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["detail"] != "Only .sol files are allowed" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
	if srv.Uploads() != 0 {
		t.Fatalf("rejected upload must not start a job")
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	t.Parallel()
	settings := DefaultSettings()
	settings.MaxUploadBytes = 64
	_, base := newTestServer(t, settings)
	resp := upload(t, base, "", "Big.sol", bytes.Repeat([]byte("a"), 512))
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestServerResultsOnlyAfterCompletion(t *testing.T) {
	t.Parallel()
	settings := DefaultSettings()
	settings.ScanPolls = 0
	_, base := newTestServer(t, settings)

	resp, err := http.Get(base + "/report")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before completion, got %d", resp.StatusCode)
	}
	resp, err = http.Get(base + "/download-pdf")
	if err != nil {
		t.Fatalf("pdf: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected pdf 404 before completion, got %d", resp.StatusCode)
	}

	resp = upload(t, base, "", "Vault.sol", []byte("contract Vault {}"))
	resp.Body.Close()
	if got := getStatus(t, base); got != "completed" {
		t.Fatalf("expected completed, got %s", got)
	}

	resp, err = http.Get(base + "/report")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	defer resp.Body.Close()
	var report map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report["contract"] != "Vault.sol" {
		t.Fatalf("expected contract from upload, got %v", report["contract"])
	}
	metrics, _ := report["metrics"].(map[string]any)
	if metrics["total_risks"] != float64(3) {
		t.Fatalf("expected 3 total risks, got %v", metrics["total_risks"])
	}

	pdf, err := http.Get(base + "/download-pdf")
	if err != nil {
		t.Fatalf("pdf: %v", err)
	}
	defer pdf.Body.Close()
	data, _ := io.ReadAll(pdf.Body)
	if pdf.StatusCode != http.StatusOK || !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("expected pdf bytes, got %d %q", pdf.StatusCode, data)
	}
}

func TestServerErrorOutcome(t *testing.T) {
	t.Parallel()
	settings := DefaultSettings()
	settings.ScanPolls = 1
	settings.Outcome = audit.RemoteError
	_, base := newTestServer(t, settings)
	resp := upload(t, base, "", "Vault.sol", []byte("contract Vault {}"))
	resp.Body.Close()
	if got := getStatus(t, base); got != "scanning" {
		t.Fatalf("expected scanning, got %s", got)
	}
	if got := getStatus(t, base); got != "error" {
		t.Fatalf("expected error, got %s", got)
	}
}

func TestLoadFixturesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "manuals"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"report.json":               `{"code_vulnerabilities": [], "logic_vulnerabilities": []}`,
		"manuals/oracle_skew.md":    "step one",
		"manuals/a_first_attack.md": "step zero",
		"manuals/ignored.txt":       "nope",
		"fixed.sol":                 "contract Fixed {}",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fx, err := LoadFixtures(dir)
	if err != nil {
		t.Fatalf("LoadFixtures: %v", err)
	}
	if len(fx.Manuals) != 2 {
		t.Fatalf("expected 2 manuals, got %d", len(fx.Manuals))
	}
	if fx.Manuals[0].Title != "a first attack" || fx.Manuals[1].Title != "oracle skew" {
		t.Fatalf("unexpected manual titles: %+v", fx.Manuals)
	}
	if fx.FixedCode != "contract Fixed {}" {
		t.Fatalf("unexpected fixed code %q", fx.FixedCode)
	}
	if len(fx.PDF) == 0 {
		t.Fatalf("expected built-in pdf fallback")
	}

	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixtures(dir); err == nil {
		t.Fatalf("expected parse error for broken report.json")
	}
	if _, err := LoadFixtures(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing fixtures dir")
	}
}
