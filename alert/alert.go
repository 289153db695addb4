// Package alert watches the audit trail for attack patterns and pushes
// alerts to notification channels.
package alert

import (
	"context"
	"errors"
	"time"
)

// Type names a detected pattern.
type Type string

const (
	SuspiciousIPActivity Type = "SUSPICIOUS_IP_ACTIVITY"
	BruteForceAttempt    Type = "BRUTE_FORCE_ATTEMPT"
)

const (
	DefaultInterval         = time.Minute
	DefaultWindow           = 10 * time.Minute
	DefaultFailureThreshold = 5
	DefaultIPThreshold      = 3
	DefaultCriticalSample   = 50
	DefaultChannelTimeout   = 5 * time.Second
)

// Alert is one notification.
type Alert struct {
	Type      Type              `json:"type"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Channel delivers alerts somewhere. HandleAlert must honour ctx; the engine
// stops waiting for it once ctx is done.
type Channel interface {
	Name() string
	HandleAlert(ctx context.Context, a Alert) error
}

// Notifier is an outbound message transport (chat, e-mail).
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// Config tunes detection and delivery.
type Config struct {
	Enabled          bool          `yaml:"enabled" envconfig:"ENABLED"`
	Interval         time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Window           time.Duration `yaml:"window" envconfig:"WINDOW"`
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	IPThreshold      int           `yaml:"ip_threshold" envconfig:"IP_THRESHOLD"`
	CriticalSample   int           `yaml:"critical_sample" envconfig:"CRITICAL_SAMPLE"`
	ChannelTimeout   time.Duration `yaml:"channel_timeout" envconfig:"CHANNEL_TIMEOUT"`
}

// DefaultConfig scans every minute over a ten minute window.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         DefaultInterval,
		Window:           DefaultWindow,
		FailureThreshold: DefaultFailureThreshold,
		IPThreshold:      DefaultIPThreshold,
		CriticalSample:   DefaultCriticalSample,
		ChannelTimeout:   DefaultChannelTimeout,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return errors.New("alert Interval must be > 0")
	case c.Window <= 0:
		return errors.New("alert Window must be > 0")
	case c.FailureThreshold <= 0:
		return errors.New("alert FailureThreshold must be > 0")
	case c.IPThreshold <= 0:
		return errors.New("alert IPThreshold must be > 0")
	case c.CriticalSample <= 0:
		return errors.New("alert CriticalSample must be > 0")
	case c.ChannelTimeout <= 0:
		return errors.New("alert ChannelTimeout must be > 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.IPThreshold <= 0 {
		c.IPThreshold = d.IPThreshold
	}
	if c.CriticalSample <= 0 {
		c.CriticalSample = d.CriticalSample
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = d.ChannelTimeout
	}
	return c
}
