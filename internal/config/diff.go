package config

import (
	"reflect"
	"strings"

	logx "taxiflow/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (telegram token, api token) are
// reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Environment != newCfg.Environment || !reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.environment", newCfg.Environment),
			logx.Int("database.environments", len(newCfg.Database.Environments)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Paths != newCfg.Paths {
		changed = append(changed, "paths")
	}
	if oldCfg.Sources != newCfg.Sources {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.String("sources.timeout", strings.TrimSpace(newCfg.Sources.Timeout)),
			logx.Int("sources.rate_per_sec", newCfg.Sources.RatePerSec),
		)
	}
	if oldCfg.Partitions != newCfg.Partitions {
		changed = append(changed, "partitions")
		attrs = append(attrs,
			logx.String("partitions.start", newCfg.Partitions.Start),
			logx.String("partitions.end", newCfg.Partitions.End),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.RunEngine, newCfg.RunEngine) {
		changed = append(changed, "run_engine")
	}
	if oldCfg.Sensors != newCfg.Sensors {
		changed = append(changed, "sensors")
		attrs = append(attrs, logx.Bool("sensors.enabled", newCfg.Sensors.Enabled))
	}
	if oldCfg.AutoMaterialize != newCfg.AutoMaterialize {
		changed = append(changed, "auto_materialize")
		attrs = append(attrs, logx.Bool("auto_materialize.enabled", newCfg.AutoMaterialize.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			)
		}
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dbt, newCfg.Dbt) {
		changed = append(changed, "dbt")
	}
	if !reflect.DeepEqual(oldCfg.RawMirror, newCfg.RawMirror) {
		changed = append(changed, "raw_mirror")
	}
	return changed, attrs
}

// RestartRequired lists sections whose changes only take effect after restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "database", "storage", "paths", "partitions", "sources", "sensors", "auto_materialize", "dbt", "raw_mirror":
			out = append(out, s)
		}
	}
	return out
}
