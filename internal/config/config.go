// Package config loads promptloop settings. Values are resolved in order:
// defaults, then an optional YAML file, then PROMPTLOOP_* environment
// variables.
//
//	cfg, err := config.NewLoader().WithConfigPath("promptloop.yaml").Load()
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manash/promptloop/pkg/models"
)

const EnvPrefix = "PROMPTLOOP"

// Reviser modes.
const (
	ReviserDefault = "default"
	ReviserLLM     = "llm"
)

type Config struct {
	// DataDir holds the database, images and pricing overrides unless the
	// individual paths are set.
	DataDir     string `yaml:"data_dir" env:"DATA_DIR"`
	DBPath      string `yaml:"db_path" env:"DB_PATH"`
	ImageDir    string `yaml:"image_dir" env:"IMAGE_DIR"`
	PricingPath string `yaml:"pricing_path" env:"PRICING_PATH"`
	MediaPrefix string `yaml:"media_prefix" env:"MEDIA_PREFIX"`
	// MetricsFile, when set, receives a Prometheus text dump after each
	// run for the node exporter textfile collector.
	MetricsFile string `yaml:"metrics_file" env:"METRICS_FILE"`

	Log       LogConfig       `yaml:"log" env:"LOG"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`
	Judge     ModelConfig     `yaml:"judge" env:"JUDGE"`
	Reviser   ReviserConfig   `yaml:"reviser" env:"REVISER"`
	Retry     RetryConfig     `yaml:"retry" env:"RETRY"`
	Batch     BatchConfig     `yaml:"batch" env:"BATCH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type EngineConfig struct {
	AcceptanceThreshold int           `yaml:"acceptance_threshold" env:"ACCEPTANCE_THRESHOLD"`
	MaxIterations       int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	LeaseTTL            time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
}

// RedisConfig enables the shared run lease when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type ProvidersConfig struct {
	OpenAI     ModelConfig `yaml:"openai" env:"OPENAI"`
	Grok       ModelConfig `yaml:"grok" env:"GROK"`
	NanoBanana ModelConfig `yaml:"nano_banana" env:"NANO_BANANA"`
}

// ModelConfig configures one remote endpoint. Empty fields fall back to the
// client defaults.
type ModelConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type ReviserConfig struct {
	Mode  string `yaml:"mode" env:"MODE"`
	Model string `yaml:"model" env:"MODEL"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay      time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	BackoffFactor     float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
}

type BatchConfig struct {
	Parallel int `yaml:"parallel" env:"PARALLEL"`
}

func Default() *Config {
	return &Config{
		DataDir:     DefaultDataDir(),
		MediaPrefix: "/media",
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Engine: EngineConfig{
			AcceptanceThreshold: 80,
			MaxIterations:       3,
			LeaseTTL:            10 * time.Minute,
		},
		Providers: ProvidersConfig{
			OpenAI:     ModelConfig{Timeout: 5 * time.Minute},
			Grok:       ModelConfig{Timeout: 5 * time.Minute},
			NanoBanana: ModelConfig{Timeout: 5 * time.Minute},
		},
		Judge: ModelConfig{Timeout: 2 * time.Minute},
		Reviser: ReviserConfig{
			Mode: ReviserDefault,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffFactor:     2.0,
			RequestsPerSecond: 1,
			Burst:             2,
		},
		Batch: BatchConfig{Parallel: 2},
	}
}

// DefaultDataDir follows the XDG base directory layout.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "promptloop")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptloop"
	}
	return filepath.Join(home, ".local", "share", "promptloop")
}

func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "promptloop.db")
}

func (c *Config) ImagesDir() string {
	if c.ImageDir != "" {
		return c.ImageDir
	}
	return filepath.Join(c.DataDir, "images")
}

func (c *Config) PricingFile() string {
	if c.PricingPath != "" {
		return c.PricingPath
	}
	return filepath.Join(c.DataDir, "pricing.yaml")
}

// Provider returns the endpoint settings for a registry provider name.
func (c *Config) Provider(name string) ModelConfig {
	switch name {
	case models.ProviderOpenAI:
		return c.Providers.OpenAI
	case models.ProviderGrok:
		return c.Providers.Grok
	case models.ProviderNanoBanana:
		return c.Providers.NanoBanana
	}
	return ModelConfig{}
}

func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" && (c.DBPath == "" || c.ImageDir == "") {
		errs = append(errs, errors.New("data_dir is required unless db_path and image_dir are set"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Engine.AcceptanceThreshold < 0 || c.Engine.AcceptanceThreshold > 100 {
		errs = append(errs, fmt.Errorf("engine.acceptance_threshold must be between 0 and 100, got %d", c.Engine.AcceptanceThreshold))
	}
	if c.Engine.MaxIterations < 1 || c.Engine.MaxIterations > 10 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be between 1 and 10, got %d", c.Engine.MaxIterations))
	}
	if c.Engine.LeaseTTL <= 0 {
		errs = append(errs, errors.New("engine.lease_ttl must be positive"))
	}
	if c.Reviser.Mode != ReviserDefault && c.Reviser.Mode != ReviserLLM {
		errs = append(errs, fmt.Errorf("reviser.mode must be %s or %s, got %q", ReviserDefault, ReviserLLM, c.Reviser.Mode))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries cannot be negative"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be at least 1"))
	}
	if c.Retry.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("retry.requests_per_second cannot be negative"))
	}
	if c.Batch.Parallel < 1 {
		errs = append(errs, errors.New("batch.parallel must be at least 1"))
	}

	return errors.Join(errs...)
}

// Loader builds a Config from defaults, a file and the environment.
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces os.LookupEnv.
func (l *Loader) WithLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
