package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pump-control/pcc/internal/auth"
	"github.com/pump-control/pcc/internal/config"
	"github.com/pump-control/pcc/internal/safety"
)

// writeConfig writes a minimal config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`logger:
  level: error
storage:
  path: %s
audit:
  dir: %s
api:
  addr: 127.0.0.1:0
queue:
  status_poll_interval: 0s
constraints:
  maxima:
    max_bolus: 4
`, filepath.Join(dir, "history.db"), filepath.Join(dir, "audit"))
	path := filepath.Join(dir, "pcc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body+extra), 0o600))
	return path
}

const authDisabled = `auth:
  enabled: false
`

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func TestVersionNeedsNoConfig(t *testing.T) {
	out, err := execute(t, context.Background(), "version", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestExplicitMissingConfigFails(t *testing.T) {
	_, err := execute(t, context.Background(), "resolve", "max_bolus", "1", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestResolveCommand(t *testing.T) {
	path := writeConfig(t, authDisabled)

	out, err := execute(t, context.Background(), "resolve", "max_bolus", "12", "--config", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "max_bolus: 12 -> 4\n"), out)
	assert.Contains(t, out, "UserSettings")

	_, err = execute(t, context.Background(), "resolve", "max_speed", "1", "--config", path)
	assert.ErrorContains(t, err, "unknown kind")

	_, err = execute(t, context.Background(), "resolve", "max_bolus", "lots", "--config", path)
	assert.ErrorContains(t, err, "invalid value")
}

func TestResolveCommandJSON(t *testing.T) {
	path := writeConfig(t, authDisabled)

	out, err := execute(t, context.Background(), "resolve", "max_basal_percent", "500", "--json", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "max_basal_percent"`)
	assert.Contains(t, out, `"value": 200`)
}

func TestProfileCheck(t *testing.T) {
	path := writeConfig(t, authDisabled)
	doc := filepath.Join(t.TempDir(), "weekday.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(`name: weekday
units: mg/dl
dia: 5
basal:
  - start: "00:00"
    value: 0.5
  - start: "12:00"
    value: 1.0
`), 0o600))

	out, err := execute(t, context.Background(), "profile", "check", doc, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `profile "weekday" OK`)
	assert.Contains(t, out, "total daily:      18.00 U")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\nunits: mg/dl\ndia: 5\n"), 0o600))
	_, err = execute(t, context.Background(), "profile", "check", bad, "--config", path)
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, `auth:
  enabled: true
  algorithm: HS256
  secret: s3cret
`)

	out, err := execute(t, context.Background(), "token", "--subject", "alice", "--role", auth.RoleOperator, "--config", path)
	require.NoError(t, err)

	v, err := auth.NewVerifier(config.AuthConfig{Algorithm: "HS256", Secret: "s3cret", Issuer: "pcc"})
	require.NoError(t, err)
	claims, err := v.VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.Allows(auth.ScopeBolus))

	out, err = execute(t, context.Background(), "token", "--subject", "loop-1", "--role", auth.RoleLoop,
		"--scope", auth.ScopeSMB, "--scope", auth.ScopeRead, "--config", path)
	require.NoError(t, err)
	claims, err = v.VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, []string{auth.ScopeRead, auth.ScopeSMB}, claims.Scopes)

	_, err = execute(t, context.Background(), "token", "--subject", "loop-1", "--role", auth.RoleLoop,
		"--scope", auth.ScopeBolus, "--config", path)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = execute(t, context.Background(), "token", "--config", path)
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	path := writeConfig(t, authDisabled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "serve", "--config", path)
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadBaseline()
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "history.db")
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.Auth.Enabled = false
	cfg.Constraints.Maxima.MaxBolus = 4
	return cfg
}

func TestAppServesBolus(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.close()

	h := a.server.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/bolus", strings.NewReader(`{"insulin":6}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"units":4`)

	require.Eventually(t, func() bool {
		items, err := a.history.Recent(context.Background(), 5)
		return err == nil && len(items) == 1
	}, time.Second, 5*time.Millisecond)

	snap := a.snapshot()
	assert.Equal(t, "pump-01", snap["activePumpId"])
}

func TestAppReloadUpdatesUserMaxima(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.close()

	next := *cfg
	next.Constraints.Maxima.MaxBolus = 2
	a.reload(&next)
	assert.Equal(t, 2.0, a.user.Current().MaxBolus)

	// Invalid maxima keep the previous values.
	bad := *cfg
	bad.Constraints.Maxima = safety.Maxima{MaxBolus: -1}
	a.reload(&bad)
	assert.Equal(t, 2.0, a.user.Current().MaxBolus)
}

func TestAppPollStatus(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.pollStatus(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return a.pump.Calls("ReadStatus") >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewAppRejectsBadProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
