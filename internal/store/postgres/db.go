package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// DefaultQueryTimeout bounds individual repo queries so a slow statement
// cannot hold a pool connection indefinitely.
const DefaultQueryTimeout = 30 * time.Second

const migrationLockTimeout = "10s"

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
}

// New opens a pool against cfg.URL and verifies connectivity. A positive
// StatementTimeoutMS is baked into the connection options so it covers
// every connection the pool hands out.
func New(cfg Config) (*DB, error) {
	url := cfg.URL
	if cfg.StatementTimeoutMS > 0 {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(cfg.StatementTimeoutMS)
	}

	pool, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{pool}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations applies every *.up.sql file under dir in lexical order,
// recording applied versions in schema_migrations so reruns are no-ops.
func (db *DB) RunMigrations(dir string) error {
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)

	for _, version := range versions {
		applied, err := db.migrationApplied(version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := db.applyMigration(dir, version); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrationApplied(version string) (bool, error) {
	var applied bool
	err := db.QueryRowContext(context.Background(),
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return applied, nil
}

func (db *DB) applyMigration(dir, version string) error {
	body, err := os.ReadFile(filepath.Join(dir, version))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	slog.Info("migration starting", "version", version)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := db.ExecContext(ctx, "SET lock_timeout = '"+migrationLockTimeout+"'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := db.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}

	if _, err := db.ExecContext(context.Background(),
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}

	slog.Info("migration completed", "version", version, "elapsed", time.Since(start).String())
	return nil
}
