package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := LoadBaseline()
	cfg.Auth.Secret = "s3cret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"baseline", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logger.Level = "verbose" }, "logger validation failed"},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }, "logger validation failed"},
		{"zero smb interval", func(c *Config) { c.Queue.SMBMinInterval = 0 }, "smb_min_interval"},
		{"zero stale tolerance", func(c *Config) { c.Queue.StaleTolerance = 0 }, "stale_tolerance"},
		{"zero bolus timeout", func(c *Config) { c.Queue.BolusTimeout = 0 }, "bolus_timeout"},
		{"negative poll", func(c *Config) { c.Queue.StatusPollInterval = -time.Second }, "status_poll_interval"},
		{"unknown age group", func(c *Config) { c.Constraints.AgeGroup = "elder" }, "constraints validation failed"},
		{"negative maxima", func(c *Config) { c.Constraints.Maxima.MaxBolus = -1 }, "constraints validation failed"},
		{"inverted autosens", func(c *Config) {
			c.Constraints.Maxima.AutosensMin = 1.5
			c.Constraints.Maxima.AutosensMax = 1.2
		}, "autosens"},
		{"negative multiplier", func(c *Config) { c.Constraints.Multipliers.CurrentBasal = -1 }, "multipliers"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"no audit dir", func(c *Config) { c.Audit.Dir = "" }, "audit.dir"},
		{"jitter too large", func(c *Config) { c.Telemetry.HeartbeatJitter = 10 * time.Second }, "exceeds 50%"},
		{"zero buffer", func(c *Config) { c.Telemetry.EventBufferSize = 0 }, "event buffer size"},
		{"no addr", func(c *Config) { c.API.Addr = "" }, "api validation failed"},
		{"zero rate", func(c *Config) { c.API.RateLimit = 0 }, "rate_limit"},
		{"zero burst", func(c *Config) { c.API.RateBurst = 0 }, "rate_burst"},
		{"rs256 without key", func(c *Config) { c.Auth.Algorithm = "RS256" }, "RS256 requires"},
		{"unknown algorithm", func(c *Config) { c.Auth.Algorithm = "none" }, "unsupported algorithm"},
		{"negative leeway", func(c *Config) { c.Auth.Leeway = -time.Second }, "leeway"},
		{"auth disabled", func(c *Config) {
			c.Auth.Enabled = false
			c.Auth.Secret = ""
		}, ""},
		{"unknown driver", func(c *Config) { c.Pump.Driver = "medtronic" }, "unknown driver"},
		{"no pump id", func(c *Config) { c.Pump.ID = "" }, "pump validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateNil(t *testing.T) {
	var cfg *Config
	assert.Error(t, cfg.Validate())
}
