package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Validate rejects configs that would fail later at wiring time. It runs on
// Load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if _, err := cfg.ResolveDatabase(); err != nil {
		check(err)
	}

	start, err := time.Parse(dateLayout, strings.TrimSpace(cfg.Partitions.Start))
	if err != nil {
		check(fmt.Errorf("partitions.start: %w", err))
	}
	if end := strings.TrimSpace(cfg.Partitions.End); end != "" {
		e, err := time.Parse(dateLayout, end)
		if err != nil {
			check(fmt.Errorf("partitions.end: %w", err))
		} else if !start.IsZero() && !e.After(start) {
			check(fmt.Errorf("partitions.end %s must be after partitions.start %s", end, cfg.Partitions.Start))
		}
	}

	if !strings.Contains(cfg.Sources.TripsURLTemplate, "%s") {
		check(fmt.Errorf("sources.trips_url_template must contain %%s for the month"))
	}
	dur("sources.timeout", cfg.Sources.Timeout)
	if cfg.Sources.RatePerSec < 0 {
		check(fmt.Errorf("sources.rate_per_sec must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if re := cfg.RunEngine; re != nil {
		if re.Workers < 0 {
			check(fmt.Errorf("run_engine.workers must be >= 0"))
		}
		if re.QueueSize < 0 {
			check(fmt.Errorf("run_engine.queue_size must be >= 0"))
		}
		if re.HistorySize < 0 {
			check(fmt.Errorf("run_engine.history_size must be >= 0"))
		}
		if re.RetryMax < 0 {
			check(fmt.Errorf("run_engine.retry_max must be >= 0"))
		}
		dur("run_engine.default_timeout", re.DefaultTimeout)
		dur("run_engine.max_queue_delay", re.MaxQueueDelay)
		dur("run_engine.retry_base", re.RetryBase)
		dur("run_engine.retry_max_delay", re.RetryMaxDelay)
		dur("run_engine.circuit_base_delay", re.CircuitBaseDelay)
		dur("run_engine.circuit_max_delay", re.CircuitMaxDelay)
	}

	dur("sensors.min_interval", cfg.Sensors.MinInterval)
	dur("auto_materialize.interval", cfg.AutoMaterialize.Interval)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				check(fmt.Errorf("storage.path is required when storage.driver=sqlite"))
			}
		default:
			check(fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if n := cfg.Notifier; n != nil {
		if n.Enabled && n.Telegram.ChatID == 0 {
			check(fmt.Errorf("notifier.telegram.chat_id is required when notifier.enabled"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)

	if d := cfg.Dbt; d != nil {
		if strings.TrimSpace(d.ProjectDir) == "" {
			check(fmt.Errorf("dbt.project_dir is required when the dbt section is present"))
		}
		dur("dbt.timeout", d.Timeout)
	}
	if rm := cfg.RawMirror; rm != nil && strings.TrimSpace(rm.S3.Bucket) == "" {
		check(fmt.Errorf("raw_mirror.s3.bucket is required when raw_mirror is present"))
	}

	return errors.Join(errs...)
}
