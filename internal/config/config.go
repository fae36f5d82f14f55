package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server settings. Values come from VIGIL_* environment
// variables, with an optional .env file loaded first.
type Config struct {
	// ListenAddr serves the HTTP API, the UI WebSocket, and agent links.
	ListenAddr string
	// MetricsAddr serves the Prometheus /metrics endpoint.
	MetricsAddr string

	LogLevel  string
	LogFormat string

	// StaleAfter is the global silence threshold: a host transitions to
	// Silent once this much wall-clock time passes without an accepted
	// observation.
	StaleAfter time.Duration
	// SweepInterval is the fast staleness sweep cadence.
	SweepInterval time.Duration

	// PullURL is the source-of-record endpoint. Empty disables the pull
	// reconciliation sweep.
	PullURL string
	// PullInterval is the slower reconciliation-with-source cadence.
	PullInterval time.Duration
	// PullTimeout bounds one snapshot fetch. A timed-out fetch counts as
	// no observation for that round.
	PullTimeout time.Duration

	// CommandTimeout bounds one remote command invocation.
	CommandTimeout time.Duration

	// TranscriptCapacity bounds each host's console transcript ring.
	TranscriptCapacity int
	// ReplayCapacity bounds the recent-transition ring exposed to the API.
	ReplayCapacity int
}

const (
	defaultListenAddr     = ":8410"
	defaultMetricsAddr    = ":9410"
	defaultStaleAfter     = 60 * time.Second
	defaultSweepInterval  = 10 * time.Second
	defaultPullInterval   = 60 * time.Second
	defaultPullTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultTranscriptCap  = 200
	defaultReplayCap      = 128
)

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:         envString("VIGIL_LISTEN", defaultListenAddr),
		MetricsAddr:        envString("VIGIL_METRICS_LISTEN", defaultMetricsAddr),
		LogLevel:           envString("VIGIL_LOG_LEVEL", "info"),
		LogFormat:          envString("VIGIL_LOG_FORMAT", "auto"),
		StaleAfter:         defaultStaleAfter,
		SweepInterval:      defaultSweepInterval,
		PullURL:            strings.TrimSpace(os.Getenv("VIGIL_PULL_URL")),
		PullInterval:       defaultPullInterval,
		PullTimeout:        defaultPullTimeout,
		CommandTimeout:     defaultCommandTimeout,
		TranscriptCapacity: defaultTranscriptCap,
		ReplayCapacity:     defaultReplayCap,
	}

	var err error
	if cfg.StaleAfter, err = envDuration("VIGIL_STALE_AFTER", cfg.StaleAfter); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("VIGIL_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.PullInterval, err = envDuration("VIGIL_PULL_INTERVAL", cfg.PullInterval); err != nil {
		return nil, err
	}
	if cfg.PullTimeout, err = envDuration("VIGIL_PULL_TIMEOUT", cfg.PullTimeout); err != nil {
		return nil, err
	}
	if cfg.CommandTimeout, err = envDuration("VIGIL_COMMAND_TIMEOUT", cfg.CommandTimeout); err != nil {
		return nil, err
	}
	if cfg.TranscriptCapacity, err = envInt("VIGIL_TRANSCRIPT_CAPACITY", cfg.TranscriptCapacity); err != nil {
		return nil, err
	}
	if cfg.ReplayCapacity, err = envInt("VIGIL_REPLAY_CAPACITY", cfg.ReplayCapacity); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive, got %s", c.StaleAfter)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.SweepInterval > c.StaleAfter {
		return fmt.Errorf("sweep interval %s exceeds stale-after %s; silent hosts would be detected late", c.SweepInterval, c.StaleAfter)
	}
	if c.PullURL != "" {
		if c.PullInterval <= 0 {
			return fmt.Errorf("pull interval must be positive, got %s", c.PullInterval)
		}
		if c.PullTimeout <= 0 {
			return fmt.Errorf("pull timeout must be positive, got %s", c.PullTimeout)
		}
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.TranscriptCapacity < 1 {
		return fmt.Errorf("transcript capacity must be at least 1, got %d", c.TranscriptCapacity)
	}
	if c.ReplayCapacity < 1 {
		return fmt.Errorf("replay capacity must be at least 1, got %d", c.ReplayCapacity)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}
