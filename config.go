package workqueue

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents queue, worker, and maintenance configuration.
type Config struct {
	// PollInterval is how long a worker sleeps after an empty claim.
	PollInterval time.Duration `env:"WORKQUEUE_POLL_INTERVAL" envDefault:"1s"`

	// LeaseDuration is how long a claim is held before the reaper may
	// reclaim the job.
	LeaseDuration time.Duration `env:"WORKQUEUE_LEASE_DURATION" envDefault:"60s"`

	// HandlerTimeout is the default execution budget per job; individual job
	// types may override it at registration time.
	HandlerTimeout time.Duration `env:"WORKQUEUE_HANDLER_TIMEOUT" envDefault:"45s"`

	// ShutdownGrace is how long a stopping worker waits for its in-flight
	// job before abandoning it to lease expiry.
	ShutdownGrace time.Duration `env:"WORKQUEUE_SHUTDOWN_GRACE" envDefault:"10s"`

	// ReapInterval is how often expired leases are swept.
	ReapInterval time.Duration `env:"WORKQUEUE_REAP_INTERVAL" envDefault:"15s"`

	// PurgeInterval is how often completed jobs older than PurgeTTL are
	// deleted.
	PurgeInterval time.Duration `env:"WORKQUEUE_PURGE_INTERVAL" envDefault:"1h"`

	// PurgeTTL is the retention period for completed jobs (default: 30 days).
	PurgeTTL time.Duration `env:"WORKQUEUE_PURGE_TTL" envDefault:"720h"`

	// MaxAttempts is the default retry budget per job.
	MaxAttempts int `env:"WORKQUEUE_MAX_ATTEMPTS" envDefault:"5"`

	// BaseDelay, MaxDelay and JitterWindow parameterize retry backoff:
	// min(MaxDelay, BaseDelay*2^attempts) + random(0, JitterWindow).
	BaseDelay    time.Duration `env:"WORKQUEUE_BASE_DELAY" envDefault:"2s"`
	MaxDelay     time.Duration `env:"WORKQUEUE_MAX_DELAY" envDefault:"5m"`
	JitterWindow time.Duration `env:"WORKQUEUE_JITTER_WINDOW" envDefault:"1s"`

	// DefaultPriority is assigned when EnqueueOptions leaves priority unset.
	DefaultPriority int `env:"WORKQUEUE_DEFAULT_PRIORITY" envDefault:"5"`

	// Workers is the number of concurrent poll loops a Pool runs.
	Workers int `env:"WORKQUEUE_WORKERS" envDefault:"4"`

	// StatsWindow bounds the trailing window for success-rate and latency
	// aggregation.
	StatsWindow time.Duration `env:"WORKQUEUE_STATS_WINDOW" envDefault:"1h"`

	// JobTypes restricts enqueue to a closed set of job types. Empty means
	// any non-empty type is accepted.
	JobTypes []string `env:"WORKQUEUE_JOB_TYPES" envSeparator:","`
}

// DefaultConfig returns the configuration used when no environment overrides
// are wanted.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    time.Second,
		LeaseDuration:   60 * time.Second,
		HandlerTimeout:  45 * time.Second,
		ShutdownGrace:   10 * time.Second,
		ReapInterval:    15 * time.Second,
		PurgeInterval:   time.Hour,
		PurgeTTL:        30 * 24 * time.Hour,
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        5 * time.Minute,
		JitterWindow:    time.Second,
		DefaultPriority: 5,
		Workers:         4,
		StatsWindow:     time.Hour,
	}
}

// LoadConfig loads configuration from WORKQUEUE_* environment variables,
// falling back to the defaults above for any variable that is not set.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	return &cfg, nil
}
