package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Sections that are pointers may be omitted entirely; the app layer maps them
// to component configs and applies defaults there.
type Config struct {
	// Environment selects the database configuration. "local" uses
	// database.path; any other name must exist under database.environments.
	// Overridden by DAGSTER_ENVIRONMENT.
	Environment string `json:"environment,omitempty"`

	Logging    LoggingConfig    `json:"logging"`
	Paths      PathsConfig      `json:"paths"`
	Database   DatabaseConfig   `json:"database"`
	Sources    SourcesConfig    `json:"sources"`
	Partitions PartitionsConfig `json:"partitions"`

	// Scheduler controls cron triggers for schedules.
	Scheduler SchedulerConfig `json:"scheduler"`

	// RunEngine controls run execution (workers, retries, circuit breaker).
	RunEngine *RunEngineConfig `json:"run_engine,omitempty"`

	Sensors         SensorsConfig         `json:"sensors"`
	AutoMaterialize AutoMaterializeConfig `json:"auto_materialize"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	API       APIConfig        `json:"api"`
	Dbt       *DbtConfig       `json:"dbt,omitempty"`
	RawMirror *RawMirrorConfig `json:"raw_mirror,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PathsConfig holds the data directories. Relative paths are resolved against
// the process working directory.
type PathsConfig struct {
	RawDir      string `json:"raw_dir"`
	StagingDir  string `json:"staging_dir"`
	OutputsDir  string `json:"outputs_dir"`
	RequestsDir string `json:"requests_dir"`
}

type DatabaseConfig struct {
	// Path of the DuckDB database used by the "local" environment.
	// Overridden by DUCKDB_DATABASE.
	Path         string                         `json:"path"`
	Threads      int                            `json:"threads,omitempty"`
	MemoryLimit  string                         `json:"memory_limit,omitempty"`
	Environments map[string]DatabaseEnvironment `json:"environments,omitempty"`
}

// DatabaseEnvironment is a named non-local database target, e.g. a shared
// DuckDB file or a MotherDuck DSN ("md:taxi?motherduck_token=...").
type DatabaseEnvironment struct {
	Path string `json:"path"`
	// MirrorRaw uploads landed raw files to raw_mirror.s3 when this
	// environment is active.
	MirrorRaw bool `json:"mirror_raw,omitempty"`
}

type SourcesConfig struct {
	TaxiZonesPageURL string `json:"taxi_zones_page_url"`
	TaxiZonesCSVURL  string `json:"taxi_zones_csv_url"`
	TripsURLTemplate string `json:"trips_url_template"`
	Timeout          string `json:"timeout"`
	RatePerSec       int    `json:"rate_per_sec"`
	UserAgent        string `json:"user_agent,omitempty"`
	MaxDownloadBytes int64  `json:"max_download_bytes,omitempty"`
}

type PartitionsConfig struct {
	// Start is the first partition date (YYYY-MM-DD).
	Start string `json:"start"`
	// End is the exclusive end date (YYYY-MM-DD). Empty means open-ended.
	End string `json:"end,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone (IANA, e.g. "America/New_York").
	Timezone string `json:"timezone,omitempty"`
}

// RunEngineConfig controls run execution.
//
// Enabled is a pointer so we can distinguish "omitted" (follow scheduler.enabled
// or sensors.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "30m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2
type RunEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`

	// CircuitTripFailures < 0 disables the per-job circuit breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

type SensorsConfig struct {
	Enabled bool `json:"enabled"`
	// MinInterval between evaluations of a sensor (default "30s").
	MinInterval string `json:"min_interval,omitempty"`
	// Watch wakes sensors early on filesystem changes in their directories.
	Watch bool `json:"watch,omitempty"`
}

type AutoMaterializeConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "5m"
}

// StorageConfig controls the run store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/staging/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls run-failure alerts.
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Telegram      TelegramTarget `json:"telegram"`
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`
	DedupWindow   string         `json:"dedup_window,omitempty"`
	// Events lists bus event types that produce an alert (default: run.failed).
	Events []string `json:"events,omitempty"`
}

type TelegramTarget struct {
	// Token is never logged. Overridden by TAXIFLOW_TELEGRAM_TOKEN.
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:3070"
	// Token, if set, is required as a bearer token on mutating endpoints.
	Token string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback Addr without a token.
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type DbtConfig struct {
	ProjectDir  string `json:"project_dir"`
	ProfilesDir string `json:"profiles_dir,omitempty"`
	Target      string `json:"target,omitempty"`
	Bin         string `json:"bin,omitempty"` // default "dbt"
	Timeout     string `json:"timeout,omitempty"`
}

type RawMirrorConfig struct {
	S3 S3MirrorConfig `json:"s3"`
}

type S3MirrorConfig struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}
