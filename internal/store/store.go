// Package store wraps the agent's SQLite database: connection setup,
// per-owner schema migrations and a guard against opening a database
// written by a newer release.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNewerSchema is returned when the database was written by a newer
// poewatch release than the running binary.
var ErrNewerSchema = errors.New("database was created by a newer version of poewatch")

// Migration is one forward-only schema step. Versions are per owner and
// must be applied in ascending order.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store is a SQLite database opened with the agent's pragmas.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes migrations
	once sync.Once
	err  error
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One writer; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return &Store{db: db}, nil
}

// DB returns the underlying handle for queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn in a transaction, committing when fn returns nil.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Migrate applies the migrations of owner that are not yet recorded. Each
// migration commits on its own, so a failure keeps the earlier ones.
func (s *Store) Migrate(ctx context.Context, owner string, migrations []Migration) error {
	if err := s.ensureMeta(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.schemaVersion(ctx, owner)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO _migrations (owner, version, description) VALUES (?, ?, ?)",
				owner, m.Version, m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", owner, m.Version, m.Description, err)
		}
		current = m.Version
	}
	return nil
}

// schemaVersion returns the highest applied migration of owner, 0 if none.
func (s *Store) schemaVersion(ctx context.Context, owner string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM _migrations WHERE owner = ?", owner,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version of %s: %w", owner, err)
	}
	return int(v.Int64), nil
}

// CheckVersion records the running release in the database and refuses a
// database last written by a newer one. "dev" builds always pass.
func (s *Store) CheckVersion(ctx context.Context, current string) error {
	if err := s.ensureMeta(ctx); err != nil {
		return err
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.setVersion(ctx, current)
	case err != nil:
		return fmt.Errorf("query schema version: %w", err)
	case stored == "dev" || current == "dev":
		return s.setVersion(ctx, current)
	}

	cur, sto := canonicalVersion(current), canonicalVersion(stored)
	switch c := semver.Compare(cur, sto); {
	case c < 0:
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, current)
	case c > 0:
		return s.setVersion(ctx, current)
	}
	return nil
}

func (s *Store) setVersion(ctx context.Context, v string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET app_version = excluded.app_version, updated_at = CURRENT_TIMESTAMP`,
		v,
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// canonicalVersion adds the "v" prefix semver comparison expects.
func canonicalVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

// ensureMeta creates the bookkeeping tables once per Store.
func (s *Store) ensureMeta(ctx context.Context) error {
	s.once.Do(func() {
		_, s.err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				owner       TEXT     NOT NULL,
				version     INTEGER  NOT NULL,
				description TEXT     NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (owner, version)
			);
			CREATE TABLE IF NOT EXISTS _schema_meta (
				id          INTEGER  PRIMARY KEY CHECK (id = 1),
				app_version TEXT     NOT NULL,
				updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`)
		if s.err != nil {
			s.err = fmt.Errorf("create bookkeeping tables: %w", s.err)
		}
	})
	return s.err
}
