package config

import (
	"reflect"
	"strings"

	logx "studytrack/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Secrets such as the storage DSN are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.PolicyOptions(), newCfg.PolicyOptions()) {
		changed = append(changed, "policy")
		ex := newCfg.PolicyOptions().Example
		attrs = append(attrs,
			logx.String("policy.name", newCfg.Policy.Name),
			logx.String("policy.initial_questionnaire", ex.InitialQuestionnaire),
			logx.Int("policy.interval_days", ex.IntervalDays),
			logx.Int("policy.iterations", ex.Iterations),
		)
	}

	if !reflect.DeepEqual(oldCfg.SweepOptions(), newCfg.SweepOptions()) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.SweepEnabled()),
			logx.String("sweep.schedule", newCfg.Sweep.Schedule),
			logx.String("sweep.timezone", newCfg.Sweep.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	if strings.TrimSpace(oldCfg.ShutdownTimeout) != strings.TrimSpace(newCfg.ShutdownTimeout) {
		changed = append(changed, "shutdown_timeout")
	}
	return changed, attrs
}

// RestartRequired lists changed sections that a running process cannot apply.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		out = append(out, "tracing")
	}
	return out
}
