package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("")
	m.SetEnvLookup(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	target, err := cfg.ResolveDatabase()
	if err != nil {
		t.Fatalf("ResolveDatabase: %v", err)
	}
	if target.Environment != "local" || target.Path != "data/staging/data.duckdb" {
		t.Fatalf("target = %+v", target)
	}
}

func TestParseYAMLOverlaysDefaults(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "taxiflow.yaml", `
paths:
  raw_dir: /srv/raw
  staging_dir: /srv/staging
  outputs_dir: /srv/outputs
  requests_dir: /srv/requests
scheduler:
  enabled: false
  timezone: America/New_York
run_engine:
  workers: 4
  retry_max: 1
`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.RawDir != "/srv/raw" || cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "America/New_York" {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.RunEngine == nil || cfg.RunEngine.Workers != 4 {
		t.Fatalf("run_engine = %+v", cfg.RunEngine)
	}
	if cfg.Database.Path != Default().Database.Path {
		t.Fatalf("omitted key lost its default: %q", cfg.Database.Path)
	}
}

func TestParseRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown.json":  `{"databse": {"path": "x"}}`,
		"trailing.json": `{"environment": "local"} {}`,
	}
	for name, body := range cases {
		m := NewConfigManager(writeFile(t, name, body))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "c.json", `{
  "database": {
    "path": "data/staging/data.duckdb",
    "environments": {"prod": {"path": "md:taxi", "mirror_raw": true}}
  }
}`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envMap(map[string]string{
		EnvEnvironment:   "prod",
		EnvTelegramToken: "secret",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	target, err := cfg.ResolveDatabase()
	if err != nil {
		t.Fatalf("ResolveDatabase: %v", err)
	}
	want := DatabaseTarget{Environment: "prod", Path: "md:taxi", MirrorRaw: true}
	if target != want {
		t.Fatalf("target = %+v, want %+v", target, want)
	}
	if cfg.Notifier == nil || cfg.Notifier.Telegram.Token != "secret" {
		t.Fatalf("telegram token override not applied")
	}

	m2 := NewConfigManager("")
	m2.SetEnvLookup(envMap(map[string]string{EnvDuckDBPath: "/tmp/other.duckdb"}))
	cfg2, err := m2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg2.Database.Path != "/tmp/other.duckdb" {
		t.Fatalf("DUCKDB_DATABASE not applied: %q", cfg2.Database.Path)
	}
}

func TestUnknownEnvironmentFailsValidation(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("")
	m.SetEnvLookup(envMap(map[string]string{EnvEnvironment: "staging"}))
	_, err := m.Load()
	if !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("err = %v, want ErrUnknownEnvironment", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Partitions.Start = "2023-13-01"
	cfg.Sources.TripsURLTemplate = "https://example.com/static.parquet"
	cfg.Sensors.MinInterval = "soon"
	cfg.Storage.Driver = "postgres"
	cfg.Scheduler.Timezone = "Mars/Olympus"

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"partitions.start", "trips_url_template", "sensors.min_interval", "storage.driver", "scheduler.timezone"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Sensors.MinInterval = "10s"
	b.API.Addr = "0.0.0.0:3070"

	changed, fields := SummarizeConfigChange(a, b)
	if diff := cmp.Diff([]string{"logging", "sensors", "api"}, changed); diff != "" {
		t.Fatalf("changed sections (-want +got):\n%s", diff)
	}
	if len(fields) == 0 {
		t.Fatalf("expected log fields")
	}
	if diff := cmp.Diff([]string{"sensors"}, RestartRequired(changed)); diff != "" {
		t.Fatalf("restart required (-want +got):\n%s", diff)
	}
}

func TestYAMLDatesStayDates(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "dates.yml", `
partitions:
  start: 2022-07-01
  end: "2023-01-01"
`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envMap(nil))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := PartitionsConfig{Start: "2022-07-01", End: "2023-01-01"}
	if diff := cmp.Diff(want, cfg.Partitions); diff != "" {
		t.Fatalf("partitions (-want +got):\n%s", diff)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "1.5d", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("notifier.dedup_window", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v", tc.raw, err)
		}
		if err != nil {
			if !strings.Contains(err.Error(), "notifier.dedup_window") {
				t.Fatalf("%q: error lacks field path: %v", tc.raw, err)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}

	d, err := ParseDurationOrDefault("x", "0s", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("zero did not fall back: %v %v", d, err)
	}
}
