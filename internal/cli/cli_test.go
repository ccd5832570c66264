package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"taxiflow/internal/app"
	"taxiflow/internal/asset"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `logging:
  level: warn
  console: false
paths:
  raw_dir: ` + filepath.Join(dir, "raw") + `
  staging_dir: ` + filepath.Join(dir, "staging") + `
  outputs_dir: ` + filepath.Join(dir, "outputs") + `
  requests_dir: ` + filepath.Join(dir, "requests") + `
database:
  path: ` + filepath.Join(dir, "staging", "data.duckdb") + `
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "runs.db") + `
`
	path := filepath.Join(dir, "taxiflow.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	g := &globals{stdin: strings.NewReader(""), stdout: &out, stderr: &errOut, open: app.OpenCommand}
	rc := newRoot(g)
	rc.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := rc.Execute()
	return out.String(), err
}

func TestAssetsJSON(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "assets", "--json", "--group", "raw_files")
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	var rows []struct {
		Key   string `json:"key"`
		Group string `json:"group"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	got := map[string]string{}
	for _, r := range rows {
		if r.Group != "raw_files" {
			t.Fatalf("group filter leaked %+v", r)
		}
		got[r.Key] = r.Kind
	}
	if got["taxi_zones_endpoint"] != "observable_source" || got["taxi_trips_file"] != "materializable" {
		t.Fatalf("kinds=%v", got)
	}
}

func TestPartitionsTable(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "partitions", "taxi_trips_file")
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	for _, key := range []string{"2023-01-01", "2023-02-01", "2023-03-01"} {
		if !strings.Contains(out, key) {
			t.Fatalf("missing %s in\n%s", key, out)
		}
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 4 {
		t.Fatalf("want header and 3 partitions, got\n%s", out)
	}

	_, err = execute(t, "partitions", "nope")
	if !errors.Is(err, asset.ErrUnknownAsset) {
		t.Fatalf("err=%v", err)
	}
	if _, err := execute(t, "partitions", "taxi_zones_file"); err == nil {
		t.Fatalf("unpartitioned asset accepted")
	}
}

func TestRunsEmpty(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "runs", "--json", "--job", "trip_update_job")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("out=%q", out)
	}
}

func TestBackfillRejectsUnpartitionedJob(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "backfill", "adhoc_request_job")
	if err == nil || !strings.Contains(err.Error(), "not partitioned") {
		t.Fatalf("err=%v", err)
	}
	if _, err := execute(t, "backfill", "trip_update_job", "--parallel", "0"); err == nil {
		t.Fatalf("parallel 0 accepted")
	}
}

func TestMaterializeUnknownAsset(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "materialize", "no_such_asset")
	if !errors.Is(err, asset.ErrUnknownAsset) {
		t.Fatalf("err=%v", err)
	}
}

func TestReadRunConfig(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "rc.json")
	if err := os.WriteFile(file, []byte(`{"ops":{"adhoc_request":{"config":{"filename":"a.json"}}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name, inline, path string
		want               string
		wantErr            bool
	}{
		{name: "none"},
		{name: "inline", inline: `{"a":1}`, want: `{"a":1}`},
		{name: "file", path: file, want: `{"ops":{"adhoc_request":{"config":{"filename":"a.json"}}}}`},
		{name: "both", inline: `{}`, path: file, wantErr: true},
		{name: "invalid", inline: `{a:1}`, wantErr: true},
		{name: "missing file", path: file + ".nope", wantErr: true},
	}
	for _, tc := range cases {
		got, err := readRunConfig(tc.inline, tc.path)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, string(got)); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 100)
	cases := map[string]string{
		"":              "",
		"boom":          "boom",
		"first\nsecond": "first",
		long:            strings.Repeat("x", 77) + "...",
	}
	for in, want := range cases {
		if got := oneLine(in); got != want {
			t.Fatalf("oneLine(%q)=%q want %q", in, got, want)
		}
	}
}
