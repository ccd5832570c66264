package resource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb"

	logx "taxiflow/pkg/logx"
)

type DuckDBConfig struct {
	// Path is a database file, a MotherDuck DSN ("md:...") or empty for an
	// in-memory database.
	Path        string
	Threads     int
	MemoryLimit string
}

// DuckDB is the analytical database the pipeline loads into. Writers are
// serialized: DuckDB allows one writing connection per file.
type DuckDB struct {
	db   *sql.DB
	conn *duckdb.Connector
	wmu  sync.Mutex
	path string
	log  logx.Logger
}

func OpenDuckDB(cfg DuckDBConfig, log logx.Logger) (*DuckDB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path != "" && !strings.HasPrefix(path, "md:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("duckdb: %w", err)
			}
		}
	}

	var settings []string
	if cfg.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	if cfg.MemoryLimit != "" {
		settings = append(settings, "SET memory_limit = "+QuoteLiteral(cfg.MemoryLimit))
	}
	connector, err := duckdb.NewConnector(path, func(ex driver.ExecerContext) error {
		for _, s := range settings {
			if _, err := ex.ExecContext(context.Background(), s, nil); err != nil {
				return fmt.Errorf("%s: %w", s, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("duckdb open %q: %w", path, err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		_ = connector.Close()
		return nil, fmt.Errorf("duckdb ping %q: %w", path, err)
	}
	log = log.With(logx.Comp("duckdb"))
	log.Info("duckdb opened", logx.String("path", displayPath(path)), logx.Int("threads", cfg.Threads))
	return &DuckDB{db: db, conn: connector, path: path, log: log}, nil
}

// DB exposes the pool for read queries.
func (d *DuckDB) DB() *sql.DB { return d.db }

// Exec runs a write statement.
func (d *DuckDB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.db.ExecContext(ctx, query, args...)
}

// WithTx runs fn in one write transaction. fn's error rolls it back.
func (d *DuckDB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *DuckDB) Close() error {
	err := d.db.Close()
	if cerr := d.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// QuoteLiteral quotes s as a SQL string literal. DuckDB does not accept
// bind parameters for file paths in FROM clauses.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// displayPath hides MotherDuck tokens.
func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 && strings.HasPrefix(p, "md:") {
		return p[:i] + "?..."
	}
	return p
}
