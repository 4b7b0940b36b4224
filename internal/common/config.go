package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the analytics SDK.
type Config struct {
	APIKey    string         `toml:"api_key"`
	ServerURL string         `toml:"server_url"`
	QueueName string         `toml:"queue_name"`
	Flush     FlushConfig    `toml:"flush"`
	OptOut    bool           `toml:"opt_out"`
	Storage   StorageConfig  `toml:"storage"`
	Delivery  DeliveryConfig `toml:"delivery"`
	Logging   LoggingConfig  `toml:"logging"`
}

// FlushConfig controls batching behavior.
type FlushConfig struct {
	Interval      string `toml:"interval"`        // batch timer window, duration string
	QueueSize     int    `toml:"queue_size"`      // max messages per batch
	UseBatch      bool   `toml:"use_batch"`       // false forces per-message delivery
	EventsOnClose bool   `toml:"events_on_close"` // final drain on shutdown
}

// GetInterval parses and returns the flush interval duration.
func (c *FlushConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// StorageConfig holds paths for the two persistent areas: the message
// database directory and the job store directory.
type StorageConfig struct {
	DataPath string `toml:"data_path"` // message queue SQLite files
	JobsPath string `toml:"jobs_path"` // persisted delivery jobs
}

// DeliveryConfig tunes the HTTP send path.
type DeliveryConfig struct {
	Timeout     string `toml:"timeout"`
	RateLimit   int    `toml:"rate_limit"` // uploads per second
	MaxRetries  int    `toml:"max_retries"`
	ProbeTarget string `toml:"probe_target"` // host:port dialed by the reachability prober
}

// GetTimeout parses and returns the HTTP timeout duration.
func (c *DeliveryConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultServerURL is the production ingestion endpoint.
const DefaultServerURL = "https://cdp-api.revflow.dev"

// NewDefaultConfig returns a Config with sensible defaults. The data path
// defaults to a revflow directory under the user home, falling back to the
// temp dir when no home is resolvable.
func NewDefaultConfig() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		QueueName: "revflow",
		Flush: FlushConfig{
			Interval:      "30s",
			QueueSize:     30,
			UseBatch:      true,
			EventsOnClose: true,
		},
		Storage: StorageConfig{
			DataPath: defaultDataPath(""),
			JobsPath: defaultDataPath("jobs"),
		},
		Delivery: DeliveryConfig{
			Timeout:     "30s",
			RateLimit:   5,
			MaxRetries:  3,
			ProbeTarget: "cdp-api.revflow.dev:443",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// defaultDataPath resolves <home>/.revflow[/sub], or a temp-dir equivalent
// when the home directory is unavailable.
func defaultDataPath(sub string) string {
	base, err := os.UserHomeDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	if sub == "" {
		return filepath.Join(base, ".revflow")
	}
	return filepath.Join(base, ".revflow", sub)
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("REVFLOW_API_KEY"); v != "" {
		config.APIKey = v
	}
	if v := os.Getenv("REVFLOW_SERVER_URL"); v != "" {
		config.ServerURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("REVFLOW_QUEUE_NAME"); v != "" {
		config.QueueName = v
	}
	if v := os.Getenv("REVFLOW_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("REVFLOW_DATA_PATH"); v != "" {
		config.Storage.DataPath = v
		config.Storage.JobsPath = filepath.Join(v, "jobs")
	}
	if v := os.Getenv("REVFLOW_FLUSH_INTERVAL"); v != "" {
		config.Flush.Interval = v
	}
	if v := os.Getenv("REVFLOW_FLUSH_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Flush.QueueSize = n
		}
	}
	if v := os.Getenv("REVFLOW_OPT_OUT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.OptOut = b
		}
	}
}

// Validate checks config invariants that would otherwise fail deep inside
// the pipeline.
func (c *Config) Validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("queue_name must not be empty")
	}
	if c.Flush.QueueSize < 0 {
		return fmt.Errorf("flush.queue_size must not be negative, got %d", c.Flush.QueueSize)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	return nil
}
