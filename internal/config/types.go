// Package config loads, validates and watches the studytrack configuration.
//
// A config file is JSON or YAML (by extension); YAML is converted to JSON and
// both go through the same strict decoder, so unknown keys are errors.
// Environment variables prefixed with STUDYTRACK_ override file values, e.g.
// STUDYTRACK_STORAGE_DSN or STUDYTRACK_SWEEP_SCHEDULE.
package config

// Config is the root document.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Policy  PolicyConfig  `json:"policy"`
	Sweep   SweepConfig   `json:"sweep"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`

	// ShutdownTimeout bounds graceful stop of the serve process (default "10s").
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" split_words:"true"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the participant store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/studytrack.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user@db/study" }
//
// Storage changes are not hot-reloaded; they apply on restart.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`                               // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty" split_words:"true"`   // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty" split_words:"true"` // postgres
}

// PolicyConfig selects the state policy by name.
type PolicyConfig struct {
	Name    string              `json:"name"`
	Example ExamplePolicyConfig `json:"example"`
}

// ExamplePolicyConfig configures the reference policy.
//
// Defaults (when fields are omitted):
//   - initial_questionnaire: "Q1"
//   - interval_days: 7
//   - iterations: 4
//   - advance_instance: true
//   - on_exhausted: "clear"
type ExamplePolicyConfig struct {
	InitialQuestionnaire  string `json:"initial_questionnaire,omitempty" split_words:"true"`
	IntervalDays          int    `json:"interval_days,omitempty" split_words:"true"`
	Iterations            int    `json:"iterations,omitempty"`
	AdvanceInstance       *bool  `json:"advance_instance,omitempty" split_words:"true"`
	OnExhausted           string `json:"on_exhausted,omitempty" split_words:"true"`
	TerminalQuestionnaire string `json:"terminal_questionnaire,omitempty" split_words:"true"`
}

// SweepConfig controls the periodic sweep.
//
// Enabled is a pointer so an omitted key (default true) differs from false.
type SweepConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	Schedule          string  `json:"schedule,omitempty"` // default "@every 5m"
	Timezone          string  `json:"timezone,omitempty"`
	Timeout           string  `json:"timeout,omitempty"`
	RefreshRatePerSec float64 `json:"refresh_rate_per_sec,omitempty" split_words:"true"`
	RefreshBurst      int     `json:"refresh_burst,omitempty" split_words:"true"`
	HistorySize       int     `json:"history_size,omitempty" split_words:"true"`
}

// MetricsConfig controls the Prometheus listener.
//
// Prefer binding to localhost (default "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"` // default "/metrics"
	// Pprof exposes /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

// TracingConfig controls OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"service_name,omitempty" split_words:"true"`
	SampleRatio float64 `json:"sample_ratio,omitempty" split_words:"true"`
}

// SweepEnabled resolves the pointer default.
func (c SweepConfig) SweepEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// AdvanceInstanceEnabled resolves the pointer default.
func (c ExamplePolicyConfig) AdvanceInstanceEnabled() bool {
	return c.AdvanceInstance == nil || *c.AdvanceInstance
}
