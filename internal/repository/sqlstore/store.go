// Package sqlstore is the embedded libSQL backend. It implements the same
// accessors as the DynamoDB repository for local runs and tests. All writes
// go through a single connection, so ledger updates serialize.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a libSQL-backed store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens (creating if needed) the database file at path and applies
// pending migrations.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlstore: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlstore: create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:  db,
		log: log.With().Str("component", "sqlstore").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlstore: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectTurso, s.db, fsys)
	if err != nil {
		return fmt.Errorf("sqlstore: goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: run migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("migration applied")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction. fn must only use tx: the pool holds a
// single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// insertNew runs an INSERT ... ON CONFLICT DO NOTHING and reports whether a
// row was written.
func insertNew(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func unixNano(ts time.Time) int64 {
	return ts.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
