package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/veranemoloko/tilesweep/internal/retry"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:136.0) Gecko/20100101 Firefox/136.0"

// Config holds all process-level settings. Jobs are configured separately,
// see LoadJobs.
type Config struct {
	JobsFile    string `envconfig:"JOBS_FILE" default:"./mapconfig.yaml"`
	StateFile   string `envconfig:"STATE_FILE" default:"./state/tilesweep.json"`
	SnapshotDir string `envconfig:"SNAPSHOT_DIR" default:"./snapshots"`

	SnapshotOnComplete bool `envconfig:"SNAPSHOT_ON_COMPLETE" default:"true"`
	CompressTiles      bool `envconfig:"COMPRESS_TILES" default:"true"`

	UserAgent    string        `envconfig:"USER_AGENT"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"60s"`

	CheckpointInterval int           `envconfig:"CHECKPOINT_INTERVAL" default:"250"`
	AbortCooldown      int           `envconfig:"ABORT_COOLDOWN" default:"1"`
	IdleDelay          time.Duration `envconfig:"IDLE_DELAY" default:"5m"`

	TransientRetries    int           `envconfig:"TRANSIENT_RETRIES" default:"5"`
	ClientErrorRetries  int           `envconfig:"CLIENT_ERROR_RETRIES" default:"2"`
	RetryBackoff        time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	RetryMaxBackoff     time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"60s"`
	NoDataStatuses      []int         `envconfig:"NO_DATA_STATUSES" default:"204,404"`
	MaxConsecutiveSkips int           `envconfig:"MAX_CONSECUTIVE_SKIPS" default:"25"`

	StatusAddr      string        `envconfig:"STATUS_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.JobsFile == "" {
		return fmt.Errorf("jobs file cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}
	if c.SnapshotOnComplete && c.SnapshotDir == "" {
		return fmt.Errorf("snapshot directory cannot be empty when snapshots are enabled")
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive: %s", c.FetchTimeout)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive: %d", c.CheckpointInterval)
	}
	if c.AbortCooldown < 0 {
		return fmt.Errorf("abort cooldown cannot be negative: %d", c.AbortCooldown)
	}
	if c.IdleDelay < 0 {
		return fmt.Errorf("idle delay cannot be negative: %s", c.IdleDelay)
	}

	if c.TransientRetries < 0 {
		return fmt.Errorf("transient retries cannot be negative: %d", c.TransientRetries)
	}
	if c.ClientErrorRetries < 0 {
		return fmt.Errorf("client error retries cannot be negative: %d", c.ClientErrorRetries)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive: %s", c.RetryBackoff)
	}
	if c.RetryMaxBackoff < c.RetryBackoff {
		return fmt.Errorf("retry max backoff %s is below backoff %s", c.RetryMaxBackoff, c.RetryBackoff)
	}
	for _, status := range c.NoDataStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("invalid no-data status: %d", status)
		}
	}
	if c.MaxConsecutiveSkips < 0 {
		return fmt.Errorf("max consecutive skips cannot be negative: %d", c.MaxConsecutiveSkips)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", c.ShutdownTimeout)
	}
	return nil
}

// RetryConfig maps the retry settings onto the policy configuration.
func (c *Config) RetryConfig() retry.Config {
	statuses := c.NoDataStatuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusNoContent, http.StatusNotFound}
	}
	return retry.Config{
		TransientRetries:    c.TransientRetries,
		ClientErrorRetries:  c.ClientErrorRetries,
		Backoff:             c.RetryBackoff,
		MaxBackoff:          c.RetryMaxBackoff,
		NoDataStatuses:      statuses,
		MaxConsecutiveSkips: c.MaxConsecutiveSkips,
	}
}

// EffectiveUserAgent returns the configured agent or the browser default;
// some tile services reject unknown agents.
func (c *Config) EffectiveUserAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}
