package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "taxiflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width nanoseconds keep lexical order equal to time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite lock contention out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateRun(ctx context.Context, r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	assets, err := encodeAssets(r.Assets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, partition_key, status, triggered_by, source, run_key, run_config, assets, attempts, err, created_at, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Job, r.Partition, string(r.Status), string(r.Trigger), nullStr(r.Source), nullStr(r.RunKey),
		nullStr(string(r.RunConfig)), assets, r.Attempts, nullStr(r.Error),
		fmtTime(r.CreatedAt), nullTime(r.StartedAt), nullTime(r.EndedAt),
	)
	return err
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r Run) error {
	assets, err := encodeAssets(r.Assets)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET job=?, partition_key=?, status=?, triggered_by=?, source=?, run_key=?, run_config=?, assets=?,
		 attempts=?, err=?, started_at=?, ended_at=? WHERE id=?`,
		r.Job, r.Partition, string(r.Status), string(r.Trigger), nullStr(r.Source), nullStr(r.RunKey),
		nullStr(string(r.RunConfig)), assets, r.Attempts, nullStr(r.Error),
		nullTime(r.StartedAt), nullTime(r.EndedAt), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, job, partition_key, status, triggered_by, source, run_key, run_config, assets, attempts, err, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var (
		r                                   Run
		status, trigger                     string
		source, runKey, cfg, assets, errStr sql.NullString
		created                             string
		started, ended                      sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Job, &r.Partition, &status, &trigger, &source, &runKey, &cfg, &assets,
		&r.Attempts, &errStr, &created, &started, &ended); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.Trigger = Trigger(trigger)
	r.Source = source.String
	r.RunKey = runKey.String
	if cfg.Valid && cfg.String != "" {
		r.RunConfig = json.RawMessage(cfg.String)
	}
	if assets.Valid && assets.String != "" {
		if err := json.Unmarshal([]byte(assets.String), &r.Assets); err != nil {
			return Run{}, fmt.Errorf("run %s assets: %w", r.ID, err)
		}
	}
	r.Error = errStr.String
	r.CreatedAt = parseTime(created)
	r.StartedAt = parseTime(started.String)
	r.EndedAt = parseTime(ended.String)
	return r, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.Job != "" {
		where = append(where, "job = ?")
		args = append(args, f.Job)
	}
	if f.Partition != "" {
		where = append(where, "partition_key = ?")
		args = append(args, f.Partition)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddMaterialization(ctx context.Context, m Materialization) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	var meta any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO materializations(run_id, asset, partition_key, data_version, metadata, at) VALUES(?,?,?,?,?,?)`,
		m.RunID, m.Asset, m.Partition, nullStr(m.DataVersion), meta, fmtTime(m.At),
	)
	return err
}

func scanMaterialization(sc rowScanner) (Materialization, error) {
	var (
		m             Materialization
		version, meta sql.NullString
		at            string
	)
	if err := sc.Scan(&m.RunID, &m.Asset, &m.Partition, &version, &meta, &at); err != nil {
		return Materialization{}, err
	}
	m.DataVersion = version.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return Materialization{}, err
		}
	}
	m.At = parseTime(at)
	return m, nil
}

func (s *sqliteStore) LatestMaterialization(ctx context.Context, asset, partition string) (Materialization, bool, error) {
	m, err := scanMaterialization(s.db.QueryRowContext(ctx,
		`SELECT run_id, asset, partition_key, data_version, metadata, at FROM materializations
		 WHERE asset = ? AND partition_key = ? ORDER BY id DESC LIMIT 1`, asset, partition))
	if errors.Is(err, sql.ErrNoRows) {
		return Materialization{}, false, nil
	}
	if err != nil {
		return Materialization{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) MaterializedPartitions(ctx context.Context, asset string) (map[string]Materialization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, asset, partition_key, data_version, metadata, at FROM materializations
		 WHERE asset = ? ORDER BY id ASC`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Materialization{}
	for rows.Next() {
		m, err := scanMaterialization(rows)
		if err != nil {
			return nil, err
		}
		out[m.Partition] = m
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddObservation(ctx context.Context, o Observation) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations(asset, data_version, at) VALUES(?,?,?)`,
		o.Asset, o.DataVersion, fmtTime(o.At),
	)
	return err
}

func (s *sqliteStore) LatestObservation(ctx context.Context, asset string) (Observation, bool, error) {
	var (
		o  Observation
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT asset, data_version, at FROM observations WHERE asset = ? ORDER BY id DESC LIMIT 1`, asset,
	).Scan(&o.Asset, &o.DataVersion, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}
	o.At = parseTime(at)
	return o, true, nil
}

func (s *sqliteStore) GetCursor(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *sqliteStore) SetCursor(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		name, value,
	)
	return err
}

func (s *sqliteStore) ClaimRunKey(ctx context.Context, sensor, runKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_keys(sensor, run_key, at) VALUES(?,?,?) ON CONFLICT(sensor, run_key) DO NOTHING`,
		sensor, runKey, fmtTime(time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseRunKey(ctx context.Context, sensor, runKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_keys WHERE sensor=? AND run_key=?`, sensor, runKey)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func encodeAssets(a []string) (any, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Timestamps are stored in UTC.
func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
