package app

import (
	"fmt"
	"strings"
	"time"

	"taxiflow/internal/api"
	"taxiflow/internal/automat"
	"taxiflow/internal/config"
	"taxiflow/internal/notifier"
	"taxiflow/internal/pipeline"
	"taxiflow/internal/resource"
	"taxiflow/internal/sensor"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	"taxiflow/internal/task/scheduler"
	logx "taxiflow/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapEngineConfig follows scheduler.enabled or sensors.enabled when
// run_engine.enabled is omitted.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:        cfg.Scheduler.Enabled || cfg.Sensors.Enabled || cfg.AutoMaterialize.Enabled,
		DefaultTimeout: 30 * time.Minute,
		RetryMax:       2,
	}
	re := cfg.RunEngine
	if re == nil {
		return out, nil
	}
	if re.Enabled != nil {
		out.Enabled = *re.Enabled
		if !out.Enabled && cfg.Scheduler.Enabled {
			return engine.Config{}, fmt.Errorf("run_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}
	out.Workers = re.Workers
	out.QueueSize = re.QueueSize
	out.HistorySize = re.HistorySize
	if re.RetryMax != 0 {
		out.RetryMax = re.RetryMax
	}
	out.CircuitTripFailures = re.CircuitTripFailures

	var err error
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"run_engine.default_timeout", re.DefaultTimeout, &out.DefaultTimeout, out.DefaultTimeout},
		{"run_engine.max_queue_delay", re.MaxQueueDelay, &out.MaxQueueDelay, 0},
		{"run_engine.retry_base", re.RetryBase, &out.RetryBase, 5 * time.Second},
		{"run_engine.retry_max_delay", re.RetryMaxDelay, &out.RetryMaxDelay, 2 * time.Minute},
		{"run_engine.circuit_base_delay", re.CircuitBaseDelay, &out.CircuitBaseDelay, 0},
		{"run_engine.circuit_max_delay", re.CircuitMaxDelay, &out.CircuitMaxDelay, 0},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.path, d.raw, d.def); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapSensorConfig(cfg *config.Config) (sensor.Config, error) {
	every, err := config.ParseDurationOrDefault("sensors.min_interval", cfg.Sensors.MinInterval, 30*time.Second)
	if err != nil {
		return sensor.Config{}, err
	}
	return sensor.Config{MinInterval: every, Watch: cfg.Sensors.Watch}, nil
}

func mapAutoConfig(cfg *config.Config) (automat.Config, error) {
	every, err := config.ParseDurationOrDefault("auto_materialize.interval", cfg.AutoMaterialize.Interval, 5*time.Minute)
	if err != nil {
		return automat.Config{}, err
	}
	return automat.Config{Interval: every}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.TelegramConfig, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, notifier.TelegramConfig{}, nil
	}
	out := notifier.Config{
		Enabled:    n.Enabled,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		Events:     n.Events,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 30*time.Minute); err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, err
	}
	tg := notifier.TelegramConfig{Token: n.Telegram.Token, ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID}
	return out, tg, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	out := api.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 15*time.Second); err != nil {
		return api.Config{}, err
	}
	// pprof profile and trace need a long write window.
	def := 30 * time.Second
	if a.Pprof {
		def = 2 * time.Minute
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, def); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

func mapFetcherConfig(cfg *config.Config) (resource.FetcherConfig, error) {
	s := cfg.Sources
	timeout, err := config.ParseDurationOrDefault("sources.timeout", s.Timeout, 5*time.Minute)
	if err != nil {
		return resource.FetcherConfig{}, err
	}
	return resource.FetcherConfig{
		Timeout:    timeout,
		RatePerSec: s.RatePerSec,
		UserAgent:  s.UserAgent,
		MaxBytes:   s.MaxDownloadBytes,
	}, nil
}

func mapDbtConfig(cfg *config.Config) (resource.DbtConfig, bool, error) {
	d := cfg.Dbt
	if d == nil {
		return resource.DbtConfig{}, false, nil
	}
	timeout, err := config.ParseDurationField("dbt.timeout", d.Timeout)
	if err != nil {
		return resource.DbtConfig{}, false, err
	}
	return resource.DbtConfig{
		Bin:         d.Bin,
		ProjectDir:  d.ProjectDir,
		ProfilesDir: d.ProfilesDir,
		Target:      d.Target,
		Timeout:     timeout,
	}, true, nil
}

func mapPipelineConfig(cfg *config.Config, sensorEvery time.Duration) pipeline.Config {
	return pipeline.Config{
		ZonesPageURL:     cfg.Sources.TaxiZonesPageURL,
		ZonesCSVURL:      cfg.Sources.TaxiZonesCSVURL,
		TripsURLTemplate: cfg.Sources.TripsURLTemplate,
		RequestsDir:      cfg.Paths.RequestsDir,
		PartitionStart:   cfg.Partitions.Start,
		PartitionEnd:     cfg.Partitions.End,
		SensorInterval:   sensorEvery,
	}
}
