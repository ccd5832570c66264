package app

import (
	"context"
	"errors"
	"fmt"

	"taxiflow/internal/config"
	"taxiflow/internal/defs"
	"taxiflow/internal/eventbus"
	"taxiflow/internal/launcher"
	"taxiflow/internal/pipeline"
	"taxiflow/internal/resource"
	"taxiflow/internal/run"
	"taxiflow/internal/storage"
	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

// Components is the run stack shared by the daemon and the one-shot CLI
// commands: stores, resources, definitions and the engine that executes
// runs.
type Components struct {
	Cfg      *config.Config
	Target   config.DatabaseTarget
	Log      logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store
	DB       *resource.DuckDB
	Pipeline *pipeline.Pipeline
	Defs     *defs.Definitions
	Engine   *engine.Service
	Runner   *run.Runner
	Launcher *launcher.Launcher

	logs *logx.Service
}

// Options tweak Open for callers that are not the daemon.
type Options struct {
	// ForceEngine starts the run engine even when the config disables it.
	ForceEngine bool
	// SkipDatabase leaves DuckDB closed. Runs cannot execute, but the
	// definitions and the run store are usable while a daemon holds the
	// database lock.
	SkipDatabase bool
}

// Open wires everything a run needs. The caller owns the result and must
// Close it.
func Open(cfg *config.Config, bus eventbus.Bus, log logx.Logger, opt Options) (_ *Components, err error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	target, err := cfg.ResolveDatabase()
	if err != nil {
		return nil, err
	}
	c := &Components{Cfg: cfg, Target: target, Log: log, Bus: bus}
	defer func() {
		if err != nil {
			_ = c.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if c.Store, err = storage.Open(sc, log.With(logx.Comp("storage"))); err != nil {
		return nil, fmt.Errorf("open run storage: %w", err)
	}

	if !opt.SkipDatabase {
		c.DB, err = resource.OpenDuckDB(resource.DuckDBConfig{
			Path:        target.Path,
			Threads:     cfg.Database.Threads,
			MemoryLimit: cfg.Database.MemoryLimit,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	fc, err := mapFetcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	var mirror resource.Mirror
	if target.MirrorRaw {
		if cfg.RawMirror == nil {
			return nil, fmt.Errorf("environment %s mirrors raw files but raw_mirror is not configured", target.Environment)
		}
		s3c := cfg.RawMirror.S3
		m, err := resource.NewS3Mirror(resource.S3Config{Bucket: s3c.Bucket, Prefix: s3c.Prefix, Region: s3c.Region, Endpoint: s3c.Endpoint})
		if err != nil {
			return nil, err
		}
		mirror = m
	}
	res := pipeline.Resources{
		Fetch:   resource.NewFetcher(fc, log),
		Raw:     resource.NewLander(cfg.Paths.RawDir, mirror, log),
		Staging: resource.NewLander(cfg.Paths.StagingDir, nil, log),
		Outputs: resource.NewLander(cfg.Paths.OutputsDir, nil, log),
		DB:      c.DB,
	}
	if dc, ok, err := mapDbtConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		if res.Dbt, err = resource.NewDbt(dc, log); err != nil {
			return nil, err
		}
	}

	sensorCfg, err := mapSensorConfig(cfg)
	if err != nil {
		return nil, err
	}
	if c.Pipeline, err = pipeline.New(mapPipelineConfig(cfg, sensorCfg.MinInterval), res); err != nil {
		return nil, err
	}
	if c.Defs, err = c.Pipeline.Definitions(); err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if opt.ForceEngine {
		ec.Enabled = true
	}
	c.Engine = engine.New(ec, log.With(logx.Comp("engine")))
	c.Runner = run.NewRunner(c.Defs.Graph, c.Store, bus, log)
	c.Launcher = launcher.New(c.Defs, c.Store, c.Runner, c.Engine, log, launcher.Options{Timeout: ec.DefaultTimeout})

	log.Info("pipeline ready",
		logx.String("environment", target.Environment),
		logx.Int("assets", c.Defs.Graph.Len()),
		logx.Bool("database", c.DB != nil),
		logx.Bool("dbt", res.Dbt != nil),
		logx.Bool("raw_mirror", mirror != nil),
	)
	return c, nil
}

// CommandOptions select how a one-shot CLI command opens the stack.
type CommandOptions struct {
	// ReadOnly skips DuckDB and leaves the engine stopped.
	ReadOnly bool
	// LogLevel overrides logging.level when set.
	LogLevel string
}

// OpenCommand loads cfgPath and opens the run stack for a one-shot CLI
// command. Runs left by an earlier process are not recovered here since a
// daemon may still own them.
func OpenCommand(ctx context.Context, cfgPath string, opt CommandOptions) (*Components, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	lc := mapLogConfig(cfg)
	if opt.LogLevel != "" {
		lc.Level = opt.LogLevel
	}
	logs, log := logx.New(lc)
	c, err := Open(cfg, nil, log, Options{ForceEngine: !opt.ReadOnly, SkipDatabase: opt.ReadOnly})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	c.logs = logs
	if !opt.ReadOnly {
		c.Engine.Start(ctx)
	}
	return c, nil
}

// Start closes runs a previous process left behind, then starts the engine.
func (c *Components) Start(ctx context.Context) error {
	if _, err := c.Launcher.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	c.Engine.Start(ctx)
	return nil
}

// Close stops the engine and releases the stores.
func (c *Components) Close(ctx context.Context) error {
	if c.Engine != nil {
		c.Engine.Stop(ctx)
	}
	return c.closeResources()
}

func (c *Components) closeResources() error {
	var errs []error
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.logs != nil {
		errs = append(errs, c.logs.Close())
	}
	return errors.Join(errs...)
}
