// Package sqlstore keeps PFE counter samples in a SQL table. SQLite serves
// local replay and tests; Postgres serves shared history.
package sqlstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds database settings.
type Config struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// DefaultConfig returns a local SQLite file store.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          "file:pfeguard.db",
		Table:        "pfe_samples",
		MaxOpenConns: 4,
	}
}

// Validate checks the driver, DSN and table name.
func (c Config) Validate() error {
	switch {
	case c.Driver != DriverSQLite && c.Driver != DriverPostgres:
		return fmt.Errorf("unsupported sql driver %q", c.Driver)
	case c.DSN == "":
		return fmt.Errorf("sql dsn is required")
	case !identifier.MatchString(c.Table):
		return fmt.Errorf("invalid table name %q", c.Table)
	case c.MaxOpenConns < 0:
		return fmt.Errorf("max_open_conns must not be negative")
	}
	return nil
}

var _ pfeio.Source = (*Store)(nil)

// Store reads and writes samples. Timestamps are stored as unix
// milliseconds so both drivers share one schema.
type Store struct {
	db    *sqlx.DB
	table string
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return &Store{db: db, table: cfg.Table}, nil
}

// Migrate creates the sample table and its index.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    ts        BIGINT NOT NULL,
    device    TEXT NOT NULL,
    slot      TEXT NOT NULL,
    exception TEXT NOT NULL,
    count     DOUBLE PRECISION NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_key_ts ON %s(device, slot, exception, ts)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// Insert stores samples in one transaction.
func (s *Store) Insert(ctx context.Context, samples ...series.Sample) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(fmt.Sprintf(
		"INSERT INTO %s (ts, device, slot, exception, count) VALUES (?, ?, ?, ?, ?)", s.table)))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		if _, err := stmt.ExecContext(ctx, sm.Time.UnixMilli(), sm.Key.Device, sm.Key.Slot, sm.Key.Exception, sm.Count); err != nil {
			return fmt.Errorf("insert %s: %w", sm.Key, err)
		}
	}
	return tx.Commit()
}

// Devices implements io.Source.
func (s *Store) Devices(ctx context.Context, start, end time.Time) ([]string, error) {
	var devices []string
	query := s.db.Rebind(fmt.Sprintf(
		"SELECT DISTINCT device FROM %s WHERE ts >= ? AND ts <= ? ORDER BY device", s.table))
	if err := s.db.SelectContext(ctx, &devices, query, start.UnixMilli(), end.UnixMilli()); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// sampleRow is one table row.
type sampleRow struct {
	TS        int64   `db:"ts"`
	Device    string  `db:"device"`
	Slot      string  `db:"slot"`
	Exception string  `db:"exception"`
	Count     float64 `db:"count"`
}

// Query implements io.Source.
func (s *Store) Query(ctx context.Context, q series.Query) ([]series.Sample, error) {
	where := []string{"ts >= ?", "ts <= ?"}
	args := []any{q.Start.UnixMilli(), q.End.UnixMilli()}
	for _, f := range []struct{ col, val string }{
		{"device", q.Device},
		{"slot", q.Slot},
		{"exception", q.Exception},
	} {
		if f.val != "" {
			where = append(where, f.col+" = ?")
			args = append(args, f.val)
		}
	}

	var rows []sampleRow
	query := s.db.Rebind(fmt.Sprintf(
		"SELECT ts, device, slot, exception, count FROM %s WHERE %s ORDER BY ts",
		s.table, strings.Join(where, " AND ")))
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}

	out := make([]series.Sample, 0, len(rows))
	for _, r := range rows {
		out = append(out, series.Sample{
			Key:   series.Key{Device: r.Device, Slot: r.Slot, Exception: r.Exception},
			Time:  time.UnixMilli(r.TS).UTC(),
			Count: r.Count,
		})
	}
	return out, nil
}

// Close implements io.Source.
func (s *Store) Close() error {
	return s.db.Close()
}
