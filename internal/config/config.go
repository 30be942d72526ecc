package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/safety"
)

// Config holds the entire service configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Constraints ConstraintsConfig `mapstructure:"constraints" yaml:"constraints"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Audit       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Pump        PumpConfig        `mapstructure:"pump" yaml:"pump"`
	Profile     ProfileConfig     `mapstructure:"profile" yaml:"profile"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ConstraintsConfig configures the safety contributors.
type ConstraintsConfig struct {
	AgeGroup    string             `mapstructure:"age_group" yaml:"age_group"`
	Maxima      safety.Maxima      `mapstructure:"maxima" yaml:"maxima"`
	Multipliers safety.Multipliers `mapstructure:"multipliers" yaml:"multipliers"`
}

// StorageConfig locates the treatment history database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Options converts the section for audit.NewLogger.
func (a AuditConfig) Options() audit.Options {
	return audit.Options{
		Dir:        a.Dir,
		MaxSizeMB:  a.MaxSizeMB,
		MaxBackups: a.MaxBackups,
		MaxAgeDays: a.MaxAgeDays,
		Compress:   a.Compress,
	}
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// ResultTimeout bounds how long a control request waits for the pump.
	ResultTimeout time.Duration `mapstructure:"result_timeout" yaml:"result_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Algorithm     string        `mapstructure:"algorithm" yaml:"algorithm"`
	Secret        string        `mapstructure:"secret" yaml:"-"`
	PublicKeyFile string        `mapstructure:"public_key_file" yaml:"public_key_file"`
	Issuer        string        `mapstructure:"issuer" yaml:"issuer"`
	Leeway        time.Duration `mapstructure:"leeway" yaml:"leeway"`
}

// PumpConfig selects and parameterizes the pump driver.
type PumpConfig struct {
	ID              string         `mapstructure:"id" yaml:"id"`
	Vendor          string         `mapstructure:"vendor" yaml:"vendor"`
	Driver          string         `mapstructure:"driver" yaml:"driver"`
	RegisterTimeout time.Duration  `mapstructure:"register_timeout" yaml:"register_timeout"`
	Fake            FakePumpConfig `mapstructure:"fake" yaml:"fake"`
}

// FakePumpConfig tunes the simulated pump.
type FakePumpConfig struct {
	Delay           time.Duration `mapstructure:"delay" yaml:"delay"`
	ErrorSimulation string        `mapstructure:"error_simulation" yaml:"error_simulation"`
	Reservoir       float64       `mapstructure:"reservoir" yaml:"reservoir"`
}

// ProfileConfig locates the therapy profile loaded at startup.
type ProfileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoadBaseline returns the built-in defaults.
func LoadBaseline() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pcc")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Queue --
	setQueueDefaults(v)

	// -- Constraints --
	v.SetDefault("constraints.age_group", "adult")
	v.SetDefault("constraints.maxima.max_bolus", 10.0)
	v.SetDefault("constraints.maxima.max_carbs", 100)
	v.SetDefault("constraints.maxima.max_iob", 5.0)
	v.SetDefault("constraints.maxima.max_basal", 3.0)
	v.SetDefault("constraints.maxima.autosens_max", 1.2)
	v.SetDefault("constraints.maxima.autosens_min", 0.7)
	v.SetDefault("constraints.multipliers.current_basal", safety.DefaultMultipliers.CurrentBasal)
	v.SetDefault("constraints.multipliers.max_daily_basal", safety.DefaultMultipliers.MaxDailyBasal)

	// -- Storage / Audit --
	v.SetDefault("storage.path", "data/history.db")
	v.SetDefault("audit.dir", "logs")
	v.SetDefault("audit.max_size_mb", 20)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age_days", 90)
	v.SetDefault("audit.compress", true)

	// -- Telemetry --
	setTelemetryDefaults(v)

	// -- API --
	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "0s")
	v.SetDefault("api.idle_timeout", "120s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.result_timeout", "2m")
	v.SetDefault("api.rate_limit", 2.0)
	v.SetDefault("api.rate_burst", 5)

	// -- Auth --
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.public_key_file", "")
	v.SetDefault("auth.issuer", "pcc")
	v.SetDefault("auth.leeway", "30s")

	// -- Pump --
	v.SetDefault("pump.id", "pump-01")
	v.SetDefault("pump.vendor", "generic")
	v.SetDefault("pump.driver", "fake")
	v.SetDefault("pump.register_timeout", "10s")
	v.SetDefault("pump.fake.delay", "0s")
	v.SetDefault("pump.fake.error_simulation", "")
	v.SetDefault("pump.fake.reservoir", 200.0)

	// -- Profile --
	v.SetDefault("profile.path", "")
}
