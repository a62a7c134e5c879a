// ============================================================================
// Beaver-Sync Config - 設定檔載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML config file, fill defaults, apply BEAVER_*
//          environment overrides and validate.
//
// Precedence (highest first):
//   1. BEAVER_<SECTION>_<KEY> environment variables
//      e.g. BEAVER_API_CLIENT_SECRET, BEAVER_WAIT_MAX_WAIT=2h
//   2. config file (default: configs/beaver-sync.yaml)
//   3. built-in defaults
//
// Credentials are normally supplied through the environment so the config
// file can be committed.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/logger"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "BEAVER"

var ErrMissingCredentials = errors.New("missing API credentials")

// Config represents the complete configuration structure.
type Config struct {
	API struct {
		BaseURL           string        `yaml:"base_url"`
		TokenURL          string        `yaml:"token_url"`
		OrganizationID    string        `yaml:"organization_id"`
		ProjectID         string        `yaml:"project_id"`
		ClientID          string        `yaml:"client_id"`
		ClientSecret      string        `yaml:"client_secret"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		MaxAttempts       int           `yaml:"max_attempts"`
		TokenMargin       time.Duration `yaml:"token_margin"`
	} `yaml:"api"`

	Wait struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxWait      time.Duration `yaml:"max_wait"`
	} `yaml:"wait"`

	Submit struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Delay       time.Duration `yaml:"delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		Multiplier  float64       `yaml:"multiplier"`
	} `yaml:"submit"`

	Store struct {
		PipelinesFile string `yaml:"pipelines_file"`
		HistoryDB     string `yaml:"history_db"`
	} `yaml:"store"`

	Scheduler struct {
		TickInterval  time.Duration `yaml:"tick_interval"`
		StatsInterval time.Duration `yaml:"stats_interval"`
		Concurrency   int           `yaml:"concurrency"`
		JobRetention  time.Duration `yaml:"job_retention"`
	} `yaml:"scheduler"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig presets the fields whose default is not the zero value. They are
// set before the file is decoded so an explicit false in YAML still wins.
func newConfig() *Config {
	cfg := &Config{}
	cfg.Metrics.Enabled = true
	return cfg
}

// Load reads path (skipped when empty), applies defaults, environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := newConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.API.BaseURL, "https://api.neo4j.io/v2beta1")
	setDefault(&c.API.TokenURL, "https://api.neo4j.io/oauth/token")
	setDefault(&c.API.Timeout, 30*time.Second)
	setDefault(&c.API.RequestsPerSecond, 5)
	setDefault(&c.API.Burst, 5)
	setDefault(&c.API.MaxAttempts, 4)
	setDefault(&c.API.TokenMargin, 5*time.Minute)

	setDefault(&c.Wait.PollInterval, 30*time.Second)
	setDefault(&c.Wait.MaxWait, time.Hour)

	setDefault(&c.Submit.MaxAttempts, 5)
	setDefault(&c.Submit.Delay, 2*time.Minute)
	setDefault(&c.Submit.MaxDelay, 15*time.Minute)
	setDefault(&c.Submit.Multiplier, 2)

	setDefault(&c.Store.PipelinesFile, "data/pipelines.yaml")
	setDefault(&c.Store.HistoryDB, "data/history.db")

	setDefault(&c.Scheduler.TickInterval, 30*time.Second)
	setDefault(&c.Scheduler.StatsInterval, 5*time.Minute)
	setDefault(&c.Scheduler.Concurrency, 2)
	setDefault(&c.Scheduler.JobRetention, time.Hour)

	setDefault(&c.Metrics.Port, 9090)

	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// bindings maps each overridable key to its field.
func (c *Config) bindings() map[string]interface{} {
	return map[string]interface{}{
		"api.base_url":             &c.API.BaseURL,
		"api.token_url":            &c.API.TokenURL,
		"api.organization_id":      &c.API.OrganizationID,
		"api.project_id":           &c.API.ProjectID,
		"api.client_id":            &c.API.ClientID,
		"api.client_secret":        &c.API.ClientSecret,
		"api.timeout":              &c.API.Timeout,
		"api.requests_per_second":  &c.API.RequestsPerSecond,
		"api.burst":                &c.API.Burst,
		"api.max_attempts":         &c.API.MaxAttempts,
		"api.token_margin":         &c.API.TokenMargin,
		"wait.poll_interval":       &c.Wait.PollInterval,
		"wait.max_wait":            &c.Wait.MaxWait,
		"submit.max_attempts":      &c.Submit.MaxAttempts,
		"submit.delay":             &c.Submit.Delay,
		"submit.max_delay":         &c.Submit.MaxDelay,
		"submit.multiplier":        &c.Submit.Multiplier,
		"store.pipelines_file":     &c.Store.PipelinesFile,
		"store.history_db":         &c.Store.HistoryDB,
		"scheduler.tick_interval":  &c.Scheduler.TickInterval,
		"scheduler.stats_interval": &c.Scheduler.StatsInterval,
		"scheduler.concurrency":    &c.Scheduler.Concurrency,
		"scheduler.job_retention":  &c.Scheduler.JobRetention,
		"metrics.enabled":          &c.Metrics.Enabled,
		"metrics.port":             &c.Metrics.Port,
		"log.level":                &c.Log.Level,
		"log.format":               &c.Log.Format,
	}
}

// applyEnv 套用 BEAVER_* 環境變數
func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, field := range c.bindings() {
		if !v.IsSet(key) {
			continue
		}
		raw := v.Get(key)
		envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))

		var err error
		switch f := field.(type) {
		case *string:
			*f, err = cast.ToStringE(raw)
		case *int:
			*f, err = cast.ToIntE(raw)
		case *float64:
			*f, err = cast.ToFloat64E(raw)
		case *bool:
			*f, err = cast.ToBoolE(raw)
		case *time.Duration:
			*f, err = cast.ToDurationE(raw)
		}
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envName, err)
		}
	}
	return nil
}

// Validate checks values that would make every command fail. Credentials
// are checked separately by RequireAPI since offline commands do not need them.
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]time.Duration{
		"api.timeout":             c.API.Timeout,
		"wait.poll_interval":      c.Wait.PollInterval,
		"wait.max_wait":           c.Wait.MaxWait,
		"submit.delay":            c.Submit.Delay,
		"scheduler.tick_interval": c.Scheduler.TickInterval,
		"scheduler.job_retention": c.Scheduler.JobRetention,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Submit.MaxDelay < c.Submit.Delay {
		errs = append(errs, fmt.Errorf("submit.max_delay (%s) is shorter than submit.delay (%s)", c.Submit.MaxDelay, c.Submit.Delay))
	}
	if c.Submit.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("submit.multiplier must be >= 1"))
	}
	if c.Submit.MaxAttempts < 1 || c.API.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1"))
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be >= 1"))
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireAPI reports which credentials are missing for commands that talk to
// the remote service.
func (c *Config) RequireAPI() error {
	var missing []string
	if c.API.ClientID == "" {
		missing = append(missing, "api.client_id ("+EnvPrefix+"_API_CLIENT_ID)")
	}
	if c.API.ClientSecret == "" {
		missing = append(missing, "api.client_secret ("+EnvPrefix+"_API_CLIENT_SECRET)")
	}
	if c.API.OrganizationID == "" {
		missing = append(missing, "api.organization_id ("+EnvPrefix+"_API_ORGANIZATION_ID)")
	}
	if c.API.ProjectID == "" {
		missing = append(missing, "api.project_id ("+EnvPrefix+"_API_PROJECT_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}
