package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/inbox"
	"github.com/vauntico/vaultgate/internal/signature"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLICaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

const testSecret = "whsec_c2VjcmV0LWZvci10ZXN0cw=="

// writeConfig writes a sqlite-backed config with one standard-webhooks
// integration into a fresh directory and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`service:
  log_level: error
  lock_path: %[1]s/vaultgate.lock
database:
  url: sqlite://%[1]s/vaultgate.db
  max: 4
audit:
  sink: both
  path: %[1]s/audit.jsonl
webhooks:
  listen: 127.0.0.1:0
  integrations:
    - name: standard
      path: /webhooks/standard
      preset: standard
      secret: %[2]s
      handler: inbox
%[3]s`, dir, testSecret, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, stderr := runCLICaptured(t, "version", "--json")
	require.Equal(t, 0, code, stderr)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "version", "extra")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: vaultgate version")
}

func TestUsageAndUnknownCommand(t *testing.T) {
	code, stdout, _ := runCLICaptured(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "config check")

	code, _, stderr := runCLICaptured(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, _ = runCLICaptured(t)
	assert.Equal(t, 1, code)
}

func TestNounDispatch(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "config", "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown config action: explode")

	code, stdout, _ := runCLICaptured(t, "audit", "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "list, verify")

	code, stdout, _ = runCLICaptured(t, "webhook", "sign", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "--preset")

	code, _, _ = runCLICaptured(t, "db")
	assert.Equal(t, 1, code)
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, "")

	code, stdout, stderr := runCLICaptured(t, "config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration valid")

	// No redis_url leaves a warning, which --strict turns into exit 2.
	code, _, _ = runCLICaptured(t, "config", "check", "--config", path, "--strict")
	assert.Equal(t, 2, code)

	code, stdout, _ = runCLICaptured(t, "config", "check", "--config", path, "--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"valid": true`)
}

func TestConfigCheckReportsErrors(t *testing.T) {
	path := writeConfig(t, `    - name: dup
      path: /webhooks/standard/
      preset: paystack
      secret: sk_test
`)
	code, stdout, _ := runCLICaptured(t, "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "conflicts with")
}

func TestConfigCheckMissingFile(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "config", "check", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Config load error")
}

func TestConfigLock(t *testing.T) {
	path := writeConfig(t, "")
	dir := filepath.Dir(path)

	code, stdout, stderr := runCLICaptured(t, "config", "lock", "--config", path, "--dry-run", "-v")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "DRY-RUN")
	_, err := os.Stat(filepath.Join(dir, config.ChecksumFile))
	assert.True(t, os.IsNotExist(err), "dry run must not write the manifest")

	code, stdout, stderr = runCLICaptured(t, "config", "lock", "--config", path, "--verbose")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "HASH config.yaml")
	assert.Contains(t, stdout, "WROTE")

	_, err = config.Load(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vaultgate config lock")
}

func TestWebhookSignWithPreset(t *testing.T) {
	bodyPath := filepath.Join(t.TempDir(), "body.json")
	body := []byte(`{"type":"invoice.paid"}`)
	require.NoError(t, os.WriteFile(bodyPath, body, 0o600))

	code, stdout, stderr := runCLICaptured(t, "webhook", "sign",
		"--preset", "standard", "--secret", testSecret,
		"--body", bodyPath, "--timestamp", "1700000000", "--id", "msg_1", "--json")
	require.Equal(t, 0, code, stderr)

	var headers []signedHeader
	require.NoError(t, json.Unmarshal([]byte(stdout), &headers))
	require.Len(t, headers, 3)
	assert.Equal(t, signedHeader{"webhook-id", "msg_1"}, headers[0])
	assert.Equal(t, signedHeader{"webhook-timestamp", "1700000000"}, headers[1])

	scheme, err := signature.Preset(signature.PresetStandard)
	require.NoError(t, err)
	parts := signature.Parts{ID: "msg_1", Timestamp: "1700000000", Body: body}
	assert.True(t, scheme.VerifyHeader(testSecret, parts, headers[2].Value))
}

func TestWebhookSignFromConfig(t *testing.T) {
	path := writeConfig(t, "")
	bodyPath := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(bodyPath, []byte(`{}`), 0o600))

	code, stdout, stderr := runCLICaptured(t, "webhook", "sign",
		"--config", path, "--integration", "standard", "--body", bodyPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "webhook-signature: v1,")
	assert.Contains(t, stdout, "webhook-id: msg_")

	code, _, stderr = runCLICaptured(t, "webhook", "sign",
		"--config", path, "--integration", "missing", "--body", bodyPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `"missing" not found`)
}

func TestWebhookSignNeedsSource(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "webhook", "sign", "--preset", "standard")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--preset and --secret")
}

func TestSignHeadersWithoutReplayHeaders(t *testing.T) {
	scheme, err := signature.Preset(signature.PresetPaystack)
	require.NoError(t, err)

	headers, err := signHeaders(scheme, "sk_test", []byte(`{}`), 0, "ignored", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "x-paystack-signature", headers[0].Name)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2026-02-28T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("-5m", now)
	assert.Error(t, err)
	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppVerifiesStoresAndAudits(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	closed := false
	t.Cleanup(func() {
		if !closed {
			a.shutdown()
		}
	})
	require.NotNil(t, a.sqlSink)
	require.NotNil(t, a.fileSink)
	assert.Nil(t, a.api, "api is disabled by default")

	scheme, err := signature.Preset(signature.PresetStandard)
	require.NoError(t, err)
	body := []byte(`{"type":"invoice.paid"}`)
	headers, err := signHeaders(scheme, testSecret, body, 0, "msg_app_1", time.Now())
	require.NoError(t, err)

	send := func(hs []signedHeader) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/standard", bytes.NewReader(body))
		for _, h := range hs {
			req.Header.Set(h.Name, h.Value)
		}
		rec := httptest.NewRecorder()
		a.webhook.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := send(headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	// Same delivery id again is a replay.
	rec = send(headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Tampered signature.
	forged := append([]signedHeader(nil), headers...)
	forged[2].Value = "v1,AAAA"
	forged[0].Value = "msg_app_2"
	rec = send(forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	counts, err := inbox.NewStore(a.exec).Counts(ctx, "standard")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "invoice.paid", counts[0].EventType)
	assert.EqualValues(t, 1, counts[0].Total)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.audit.Close(drainCtx))

	outcomes, err := a.sqlSink.List(ctx, audit.Filter{Integration: "standard"})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	results := map[audit.Result]int{}
	for _, o := range outcomes {
		results[o.Result]++
	}
	assert.Equal(t, 1, results[audit.Passed])
	assert.Equal(t, 2, len(outcomes)-results[audit.Passed])

	report, err := a.sqlSink.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)

	fileOutcomes, err := a.fileSink.List(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, fileOutcomes, 3)

	a.shutdown()
	closed = true

	// The CLI reads the same database after the gateway is gone.
	code, stdout, stderr := runCLICaptured(t, "audit", "verify", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Audit chain intact (3 row(s) checked)")

	code, stdout, stderr = runCLICaptured(t, "audit", "list", "--config", path, "--result", "passed", "--json")
	require.Equal(t, 0, code, stderr)
	var listed []audit.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "invoice.paid", listed[0].EventType)

	code, stdout, stderr = runCLICaptured(t, "db", "stats", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "database: healthy")
	assert.True(t, strings.Contains(stdout, "invoice.paid"), stdout)
}

func TestAuditListRejectsBadResult(t *testing.T) {
	path := writeConfig(t, "")
	code, _, stderr := runCLICaptured(t, "audit", "list", "--config", path, "--result", "maybe")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Invalid --result")
}

func TestNewAppRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Webhooks.Integrations[0].Secret = ""

	_, err = newApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingSecret)
}
