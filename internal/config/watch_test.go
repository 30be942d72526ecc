package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestWatchReloadsValidChanges(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("PCC_AUTH_SECRET", "s3cret")

	dir := t.TempDir()
	path := writeConfig(t, dir, "constraints:\n  maxima:\n    max_bolus: 8\n")

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zaptest.NewLogger(t), func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("constraints:\n  age_group: toddler\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("constraints:\n  maxima:\n    max_bolus: 4\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			assert.NotEqual(t, "toddler", cfg.Constraints.AgeGroup)
			if cfg.Constraints.Maxima.MaxBolus == 4 {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			cancel()
			<-done
			t.Fatal("config change not observed")
		}
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "pcc.yaml"), nil, func(*Config) {})
	assert.Error(t, err)
}
