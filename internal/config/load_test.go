package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pump-control/pcc/internal/queue"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "pcc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBaselineDefaults(t *testing.T) {
	cfg := LoadBaseline()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, queue.DefaultSMBMinInterval, cfg.Queue.SMBMinInterval)
	assert.Equal(t, queue.DefaultStaleTolerance, cfg.Queue.StaleTolerance)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StatusPollInterval)
	assert.Equal(t, "adult", cfg.Constraints.AgeGroup)
	assert.Equal(t, 10.0, cfg.Constraints.Maxima.MaxBolus)
	assert.Equal(t, 4.0, cfg.Constraints.Multipliers.CurrentBasal)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.HeartbeatInterval)
	assert.Equal(t, 50, cfg.Telemetry.EventBufferSize)
	assert.Equal(t, 2*time.Minute, cfg.API.ResultTimeout)
	assert.Equal(t, "fake", cfg.Pump.Driver)
	assert.True(t, cfg.Auth.Enabled)
}

func TestBaselineNeedsSecret(t *testing.T) {
	cfg := LoadBaseline()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PCC_AUTH_SECRET")

	cfg.Auth.Secret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("PCC_AUTH_SECRET", "s3cret")
	path := writeConfig(t, t.TempDir(), `
logger:
  level: debug
  format: json
queue:
  smb_min_interval: 5m
  bolus_timeout: 90s
constraints:
  age_group: child
  maxima:
    max_bolus: 3
    max_iob: 2.5
pump:
  id: dana-1
  vendor: dana
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 5*time.Minute, cfg.Queue.SMBMinInterval)
	assert.Equal(t, 90*time.Second, cfg.Queue.BolusTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, queue.DefaultStaleTolerance, cfg.Queue.StaleTolerance)
	assert.Equal(t, "child", cfg.Constraints.AgeGroup)
	assert.Equal(t, 3.0, cfg.Constraints.Maxima.MaxBolus)
	assert.Equal(t, 100, cfg.Constraints.Maxima.MaxCarbs)
	assert.Equal(t, "dana", cfg.Pump.Vendor)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PCC_AUTH_SECRET", "s3cret")
	t.Setenv("PCC_QUEUE_SMB_MIN_INTERVAL", "4m")
	t.Setenv("PCC_CONSTRAINTS_MAXIMA_MAX_BOLUS", "2.5")
	path := writeConfig(t, t.TempDir(), "queue:\n  smb_min_interval: 5m\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, cfg.Queue.SMBMinInterval)
	assert.Equal(t, 2.5, cfg.Constraints.Maxima.MaxBolus)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("PCC_AUTH_SECRET", "s3cret")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PCC_AUTH_SECRET", "s3cret")
	path := writeConfig(t, t.TempDir(), "constraints:\n  age_group: toddler\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraints validation failed")
}

func TestQueueTimingConversion(t *testing.T) {
	cfg := LoadBaseline()
	assert.Equal(t, queue.DefaultTiming(), cfg.Queue.Timing())
}

func TestAuditOptions(t *testing.T) {
	cfg := LoadBaseline()
	opts := cfg.Audit.Options()
	assert.Equal(t, "logs", opts.Dir)
	assert.Equal(t, 20, opts.MaxSizeMB)
	assert.True(t, opts.Compress)
}
