// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SUBSCOUT_BROWSER_HEADLESS.
const EnvPrefix = "SUBSCOUT"

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Runner  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names used for each level in console output.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig describes how Chromium is launched and how long page operations may take.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args            []string `mapstructure:"args" yaml:"args"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth     int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int      `mapstructure:"window_height" yaml:"window_height"`

	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`

	// CaptureHTMLOnError attaches the page HTML to flow failure logs.
	CaptureHTMLOnError bool `mapstructure:"capture_html_on_error" yaml:"capture_html_on_error"`
}

// RunnerConfig controls queue driven sessions.
type RunnerConfig struct {
	AnswerTimeout time.Duration `mapstructure:"answer_timeout" yaml:"answer_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// ServiceConfig controls runAction retries.
type ServiceConfig struct {
	InfraRetries int           `mapstructure:"infra_retries" yaml:"infra_retries"`
	RetryEvery   time.Duration `mapstructure:"retry_every" yaml:"retry_every"`
	RetryBurst   int           `mapstructure:"retry_burst" yaml:"retry_burst"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Table       string        `mapstructure:"table" yaml:"table"`
	MaxConns    int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// QueueConfig is the NATS transport for queue items and runner events.
type QueueConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	Subject       string `mapstructure:"subject" yaml:"subject"`
	EventsSubject string `mapstructure:"events_subject" yaml:"events_subject"`
	QueueGroup    string `mapstructure:"queue_group" yaml:"queue_group"`
	Name          string `mapstructure:"name" yaml:"name"`
}

type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// NewDefaultConfig returns a configuration populated only from SetDefaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// defaults are static, so this only fires on a programming error
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
	v.SetDefault("logger.service_name", "subscout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.element_timeout", "3s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "5m")
	v.SetDefault("browser.shutdown_grace", "15s")
	v.SetDefault("browser.capture_html_on_error", false)

	// -- Runner --
	v.SetDefault("runner.answer_timeout", "10m")
	v.SetDefault("runner.max_concurrent", 4)

	// -- Service --
	v.SetDefault("service.infra_retries", 2)
	v.SetDefault("service.retry_every", "5s")
	v.SetDefault("service.retry_burst", 1)

	// -- Storage --
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.table", "kv")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.conn_timeout", "10s")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "subscout:")

	// -- Queue --
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.subject", "subscout.queue.items")
	v.SetDefault("queue.events_subject", "subscout.queue.events")
	v.SetDefault("queue.queue_group", "subscout-workers")
	v.SetDefault("queue.name", "subscout")

	// -- API --
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "6m")
}

// BindEnv wires SUBSCOUT_* environment overrides into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets are commonly injected without a config file entry
	_ = v.BindEnv("storage.postgres.url", EnvPrefix+"_POSTGRES_URL")
	_ = v.BindEnv("storage.redis.password", EnvPrefix+"_REDIS_PASSWORD")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Browser.ExecPath, &c.Browser.UserDataDir, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error
	if c.Browser.ElementTimeout <= 0 {
		errs = append(errs, errors.New("browser.element_timeout must be positive"))
	}
	if c.Browser.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("browser.navigation_timeout must be positive"))
	}
	if c.Browser.LaunchTimeout <= 0 {
		errs = append(errs, errors.New("browser.launch_timeout must be positive"))
	}
	if c.Runner.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("runner.max_concurrent must be a positive integer"))
	}
	if c.Service.InfraRetries < 0 {
		errs = append(errs, errors.New("service.infra_retries must not be negative"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.postgres.url is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, postgres, redis", c.Storage.Backend))
	}
	if c.Queue.Enabled && (c.Queue.URL == "" || c.Queue.Subject == "") {
		errs = append(errs, errors.New("queue.url and queue.subject are required when the queue is enabled"))
	}
	return errors.Join(errs...)
}
