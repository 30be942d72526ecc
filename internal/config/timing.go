package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/pump-control/pcc/internal/queue"
)

// QueueConfig maps the command queue guards and per-class driver timeouts.
type QueueConfig struct {
	SMBMinInterval time.Duration `mapstructure:"smb_min_interval" yaml:"smb_min_interval"`
	StaleTolerance time.Duration `mapstructure:"stale_tolerance" yaml:"stale_tolerance"`

	BolusTimeout     time.Duration `mapstructure:"bolus_timeout" yaml:"bolus_timeout"`
	TempBasalTimeout time.Duration `mapstructure:"temp_basal_timeout" yaml:"temp_basal_timeout"`
	ProfileTimeout   time.Duration `mapstructure:"profile_timeout" yaml:"profile_timeout"`
	StatusTimeout    time.Duration `mapstructure:"status_timeout" yaml:"status_timeout"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`

	// StatusPollInterval schedules background status reads; zero disables them.
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval" yaml:"status_poll_interval"`
}

// Timing converts the section into queue timing.
func (q QueueConfig) Timing() queue.Timing {
	return queue.Timing{
		SMBMinInterval:   q.SMBMinInterval,
		StaleTolerance:   q.StaleTolerance,
		BolusTimeout:     q.BolusTimeout,
		TempBasalTimeout: q.TempBasalTimeout,
		ProfileTimeout:   q.ProfileTimeout,
		StatusTimeout:    q.StatusTimeout,
		DefaultTimeout:   q.DefaultTimeout,
		LookupTimeout:    q.LookupTimeout,
	}
}

// TelemetryConfig maps the SSE hub heartbeat and replay buffers.
type TelemetryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `mapstructure:"heartbeat_jitter" yaml:"heartbeat_jitter"`
	EventBufferSize   int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`
	ClientBufferSize  int           `mapstructure:"client_buffer_size" yaml:"client_buffer_size"`
}

func setQueueDefaults(v *viper.Viper) {
	d := queue.DefaultTiming()
	v.SetDefault("queue.smb_min_interval", d.SMBMinInterval)
	v.SetDefault("queue.stale_tolerance", d.StaleTolerance)
	v.SetDefault("queue.bolus_timeout", d.BolusTimeout)
	v.SetDefault("queue.temp_basal_timeout", d.TempBasalTimeout)
	v.SetDefault("queue.profile_timeout", d.ProfileTimeout)
	v.SetDefault("queue.status_timeout", d.StatusTimeout)
	v.SetDefault("queue.default_timeout", d.DefaultTimeout)
	v.SetDefault("queue.lookup_timeout", d.LookupTimeout)
	v.SetDefault("queue.status_poll_interval", 5*time.Minute)
}

func setTelemetryDefaults(v *viper.Viper) {
	v.SetDefault("telemetry.heartbeat_interval", 15*time.Second)
	v.SetDefault("telemetry.heartbeat_jitter", 2*time.Second)
	v.SetDefault("telemetry.event_buffer_size", 50)
	v.SetDefault("telemetry.client_buffer_size", 100)
}
