// Package config loads the effective configuration from defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML and env values can be written as
// "3s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Amplitude AmplitudeConfig `yaml:"amplitude"`
	Storage   StorageConfig   `yaml:"storage"`
	Window    WindowConfig    `yaml:"window"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AmplitudeConfig struct {
	APIKey            string   `yaml:"api_key"`
	SecretKey         string   `yaml:"secret_key"`
	ExportURL         string   `yaml:"export_url"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryDelay        Duration `yaml:"retry_delay"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"` // 0 = unlimited
}

type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	DevDir    string `yaml:"dev_dir"` // local substitute bucket used by --dev
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // custom S3 endpoint (MinIO, R2)
	URL       string `yaml:"url"`      // full bucket URL override, e.g. gs://exports
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type WindowConfig struct {
	Lookback Duration `yaml:"lookback"`
	Lag      Duration `yaml:"lag"` // export availability lag behind now
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // ":9102" to expose /metrics, empty = disabled
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Amplitude: AmplitudeConfig{
			ExportURL:   "https://analytics.eu.amplitude.com/api/2/export",
			MaxAttempts: 5,
			RetryDelay:  Duration(3 * time.Second),
			Timeout:     Duration(5 * time.Minute),
		},
		Storage: StorageConfig{
			DataDir: "data",
			DevDir:  "s3_dev",
			Prefix:  "amplitude-import/",
		},
		Window: WindowConfig{
			Lookback: Duration(24 * time.Hour),
			Lag:      Duration(12 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration. A missing path skips the
// file layer; environment variables override whatever the file set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Amplitude.APIKey = getenvDefault("AMP_API_KEY", cfg.Amplitude.APIKey)
	cfg.Amplitude.SecretKey = getenvDefault("AMP_SECRET_KEY", cfg.Amplitude.SecretKey)
	cfg.Amplitude.ExportURL = getenvDefault("AMP_EXPORT_URL", cfg.Amplitude.ExportURL)
	if v := os.Getenv("AMPSYNC_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Amplitude.MaxAttempts = parsed
		}
	}
	applyEnvDuration("AMPSYNC_RETRY_DELAY", &cfg.Amplitude.RetryDelay)

	cfg.Storage.DataDir = getenvDefault("AMPSYNC_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DevDir = getenvDefault("AMPSYNC_DEV_DIR", cfg.Storage.DevDir)
	cfg.Storage.Bucket = getenvDefault("AWS_BUCKET_NAME", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("AMPSYNC_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.Region = getenvDefault("AWS_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = getenvDefault("AMPSYNC_S3_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.URL = getenvDefault("AMPSYNC_REMOTE_URL", cfg.Storage.URL)
	cfg.Storage.AccessKey = getenvDefault("AWS_ACCESS_KEY_ID", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = getenvDefault("AWS_SECRET_ACCESS_KEY", cfg.Storage.SecretKey)

	applyEnvDuration("AMPSYNC_LOOKBACK", &cfg.Window.Lookback)
	applyEnvDuration("AMPSYNC_LAG", &cfg.Window.Lag)

	cfg.Logging.Level = getenvDefault("AMPSYNC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("AMPSYNC_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = getenvDefault("AMPSYNC_LOG_FILE", cfg.Logging.File)

	cfg.Metrics.Addr = getenvDefault("AMPSYNC_METRICS_ADDR", cfg.Metrics.Addr)
}

func applyEnvDuration(key string, d *Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*d = Duration(parsed)
		}
	}
}

// ValidateFetch checks the fields the fetch workflow needs.
func (c Config) ValidateFetch() error {
	if c.Amplitude.APIKey == "" || c.Amplitude.SecretKey == "" {
		return errors.New("AMP_API_KEY and AMP_SECRET_KEY are required for fetch")
	}
	if c.Amplitude.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.Amplitude.MaxAttempts)
	}
	return nil
}

// ValidateSync checks the fields the sync workflow needs. Dev mode
// syncs into a local directory and needs no bucket.
func (c Config) ValidateSync(dev bool) error {
	if dev {
		return nil
	}
	if c.Storage.URL == "" && c.Storage.Bucket == "" {
		return errors.New("AWS_BUCKET_NAME (or storage url) is required for sync")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
