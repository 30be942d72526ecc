package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pump-control/pcc/internal/safety"
)

// Validate checks every section.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if err := validateLogger(c.Logger); err != nil {
		return fmt.Errorf("logger validation failed: %w", err)
	}
	if err := validateQueue(c.Queue); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := validateConstraints(c.Constraints); err != nil {
		return fmt.Errorf("constraints validation failed: %w", err)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Audit.Dir == "" {
		return errors.New("audit.dir is required")
	}
	if err := validateTelemetry(c.Telemetry); err != nil {
		return fmt.Errorf("telemetry validation failed: %w", err)
	}
	if err := validateAPI(c.API); err != nil {
		return fmt.Errorf("api validation failed: %w", err)
	}
	if err := validateAuth(c.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := validatePump(c.Pump); err != nil {
		return fmt.Errorf("pump validation failed: %w", err)
	}
	return nil
}

func validateLogger(l LoggerConfig) error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown format %q", l.Format)
	}
	return nil
}

func validateQueue(q QueueConfig) error {
	if q.SMBMinInterval <= 0 {
		return fmt.Errorf("smb_min_interval must be positive, got %v", q.SMBMinInterval)
	}
	if q.StaleTolerance <= 0 {
		return fmt.Errorf("stale_tolerance must be positive, got %v", q.StaleTolerance)
	}

	timeouts := map[string]time.Duration{
		"bolus_timeout":      q.BolusTimeout,
		"temp_basal_timeout": q.TempBasalTimeout,
		"profile_timeout":    q.ProfileTimeout,
		"status_timeout":     q.StatusTimeout,
		"default_timeout":    q.DefaultTimeout,
		"lookup_timeout":     q.LookupTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if q.StatusPollInterval < 0 {
		return fmt.Errorf("status_poll_interval must not be negative, got %v", q.StatusPollInterval)
	}
	return nil
}

func validateConstraints(c ConstraintsConfig) error {
	if _, err := safety.ParseAgeGroup(c.AgeGroup); err != nil {
		return err
	}
	if err := c.Maxima.Validate(); err != nil {
		return err
	}
	if c.Multipliers.CurrentBasal < 0 || c.Multipliers.MaxDailyBasal < 0 {
		return errors.New("multipliers must not be negative")
	}
	return nil
}

func validateTelemetry(t TelemetryConfig) error {
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	if t.HeartbeatJitter < 0 {
		return fmt.Errorf("heartbeat jitter must be non-negative, got %v", t.HeartbeatJitter)
	}
	if t.HeartbeatJitter > t.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v exceeds 50%% of interval %v", t.HeartbeatJitter, t.HeartbeatInterval)
	}
	if t.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", t.EventBufferSize)
	}
	if t.ClientBufferSize <= 0 {
		return fmt.Errorf("client buffer size must be positive, got %d", t.ClientBufferSize)
	}
	return nil
}

func validateAPI(a APIConfig) error {
	if a.Addr == "" {
		return errors.New("addr is required")
	}
	if a.ResultTimeout <= 0 {
		return fmt.Errorf("result_timeout must be positive, got %v", a.ResultTimeout)
	}
	if a.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive, got %v", a.RateLimit)
	}
	if a.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1, got %d", a.RateBurst)
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	if !a.Enabled {
		return nil
	}
	switch a.Algorithm {
	case "HS256":
		if a.Secret == "" {
			return errors.New("HS256 requires auth.secret (PCC_AUTH_SECRET)")
		}
	case "RS256":
		if a.PublicKeyFile == "" {
			return errors.New("RS256 requires auth.public_key_file")
		}
	default:
		return fmt.Errorf("unsupported algorithm: %s", a.Algorithm)
	}
	if a.Leeway < 0 || a.Leeway > 5*time.Minute {
		return fmt.Errorf("leeway must be within [0s, 5m], got %s", a.Leeway)
	}
	return nil
}

func validatePump(p PumpConfig) error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.Driver != "fake" {
		return fmt.Errorf("unknown driver %q", p.Driver)
	}
	if p.RegisterTimeout <= 0 {
		return fmt.Errorf("register_timeout must be positive, got %v", p.RegisterTimeout)
	}
	return nil
}
