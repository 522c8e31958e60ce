package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"studytrack/internal/policy"
	"studytrack/internal/sweep"
	logx "studytrack/pkg/logx"
)

const (
	DefaultDriver          = "sqlite"
	DefaultSQLitePath      = "./data/studytrack.db"
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultShutdownTimeout = 10 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills omitted values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = DefaultDriver
	}
	if isSQLite(c.Storage.Driver) && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultSQLitePath
	}
	if strings.TrimSpace(c.Policy.Name) == "" {
		c.Policy.Name = policy.DefaultName
	}
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		c.Sweep.Schedule = sweep.DefaultSchedule
	}
	if c.Sweep.HistorySize <= 0 {
		c.Sweep.HistorySize = sweep.DefaultHistorySize
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if strings.TrimSpace(c.Metrics.Path) == "" {
		c.Metrics.Path = "/metrics"
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

func isPostgres(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return true
	}
	return false
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled=true"))
	}

	switch {
	case isSQLite(c.Storage.Driver):
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
		_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
		add(err)
	case isPostgres(c.Storage.Driver):
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
		if c.Storage.MaxOpenConns < 0 {
			add(errors.New("storage.max_open_conns must be >= 0"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if _, err := policy.New(c.PolicyOptions()); err != nil {
		add(fmt.Errorf("policy: %w", err))
	}

	if _, err := ParseDurationField("sweep.timeout", c.Sweep.Timeout); err != nil {
		add(err)
	} else if err := c.SweepOptions().Validate(); err != nil {
		add(err)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			add(fmt.Errorf("metrics.addr: %w", err))
		}
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		add(errors.New("tracing.endpoint is required when tracing.enabled=true"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add(errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	_, err := ParseDurationField("shutdown_timeout", c.ShutdownTimeout)
	add(err)

	return errors.Join(errs...)
}

// PolicyOptions maps the policy section.
func (c *Config) PolicyOptions() policy.Config {
	ex := c.Policy.Example
	return policy.Config{
		Name: c.Policy.Name,
		Example: policy.ExampleConfig{
			InitialQuestionnaire:  ex.InitialQuestionnaire,
			IntervalDays:          ex.IntervalDays,
			Iterations:            ex.Iterations,
			AdvanceInstance:       ex.AdvanceInstanceEnabled(),
			OnExhausted:           ex.OnExhausted,
			TerminalQuestionnaire: ex.TerminalQuestionnaire,
		},
	}
}

// SweepOptions maps the sweep section. Timeout errors surface in Validate.
func (c *Config) SweepOptions() sweep.Config {
	timeout, _ := ParseDurationField("sweep.timeout", c.Sweep.Timeout)
	return sweep.Config{
		Enabled:           c.Sweep.SweepEnabled(),
		Schedule:          c.Sweep.Schedule,
		Timezone:          c.Sweep.Timezone,
		Timeout:           timeout,
		RefreshRatePerSec: c.Sweep.RefreshRatePerSec,
		RefreshBurst:      c.Sweep.RefreshBurst,
		HistorySize:       c.Sweep.HistorySize,
	}
}

// ShutdownTimeoutOrDefault parses shutdown_timeout.
func (c *Config) ShutdownTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return DefaultShutdownTimeout
	}
	return d
}
