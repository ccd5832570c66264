package config

import (
	"os"
	"strings"
)

const (
	DefaultEnvironment = "local"

	EnvEnvironment   = "DAGSTER_ENVIRONMENT"
	EnvDuckDBPath    = "DUCKDB_DATABASE"
	EnvTelegramToken = "TAXIFLOW_TELEGRAM_TOKEN"

	DefaultZonesPageURL = "https://data.cityofnewyork.us/Transportation/NYC-Taxi-Zones/d3c5-ddgc"
	DefaultZonesCSVURL  = "https://data.cityofnewyork.us/api/views/755u-8jsi/rows.csv?accessType=DOWNLOAD"
	// DefaultTripsURLTemplate is expanded with the partition month (YYYY-MM).
	DefaultTripsURLTemplate = "https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_%s.parquet"

	DefaultPartitionStart = "2023-01-01"
	DefaultPartitionEnd   = "2023-04-01"
)

// Default returns a config with every field the pipeline needs filled in.
// Parse decodes the file on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Environment: DefaultEnvironment,
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Paths: PathsConfig{
			RawDir:      "data/raw",
			StagingDir:  "data/staging",
			OutputsDir:  "data/outputs",
			RequestsDir: "data/requests",
		},
		Database: DatabaseConfig{
			Path: "data/staging/data.duckdb",
		},
		Sources: SourcesConfig{
			TaxiZonesPageURL: DefaultZonesPageURL,
			TaxiZonesCSVURL:  DefaultZonesCSVURL,
			TripsURLTemplate: DefaultTripsURLTemplate,
			Timeout:          "5m",
			RatePerSec:       2,
			UserAgent:        "taxiflow/1.0",
		},
		Partitions: PartitionsConfig{
			Start: DefaultPartitionStart,
			End:   DefaultPartitionEnd,
		},
		Scheduler: SchedulerConfig{Enabled: true},
		Sensors:   SensorsConfig{Enabled: true, MinInterval: "30s", Watch: true},
		AutoMaterialize: AutoMaterializeConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Storage: &StorageConfig{
			Driver:      "sqlite",
			Path:        "data/staging/runs.db",
			BusyTimeout: "2s",
		},
	}
}

// ApplyEnv overlays environment variable overrides onto cfg.
// getenv is os.Getenv in production; tests pass a map lookup.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvEnvironment)); v != "" {
		cfg.Environment = v
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = DefaultEnvironment
	}
	if v := strings.TrimSpace(getenv(EnvDuckDBPath)); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{}
		}
		cfg.Notifier.Telegram.Token = v
	}
}
