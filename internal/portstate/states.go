package portstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/exaviz/poewatch/internal/store"
)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create port admin state table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE port_admin_state (
					set_name   TEXT    NOT NULL,
					port       INTEGER NOT NULL,
					enabled    INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (set_name, port)
				)
			`)
			return err
		},
	},
}

// PortState is the admin state last requested for one port.
type PortState struct {
	Set       string    `json:"set"`
	Port      int       `json:"port"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// States reads and writes saved port admin states.
type States struct {
	st *store.Store
}

// NewStates applies the schema to st.
func NewStates(ctx context.Context, st *store.Store) (*States, error) {
	if err := st.Migrate(ctx, "portstate", migrations); err != nil {
		return nil, err
	}
	return &States{st: st}, nil
}

// Save records the requested admin state of a port, replacing any earlier
// one.
func (s *States) Save(ctx context.Context, ps PortState) error {
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO port_admin_state (set_name, port, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (set_name, port) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		ps.Set, ps.Port, ps.Enabled, ps.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save state of %s/%d: %w", ps.Set, ps.Port, err)
	}
	return nil
}

// All returns every saved state ordered by set and port.
func (s *States) All(ctx context.Context) ([]PortState, error) {
	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT set_name, port, enabled, updated_at
		FROM port_admin_state
		ORDER BY set_name, port`)
	if err != nil {
		return nil, fmt.Errorf("list port states: %w", err)
	}
	defer rows.Close()

	out := []PortState{}
	for rows.Next() {
		var ps PortState
		var ms int64
		if err := rows.Scan(&ps.Set, &ps.Port, &ps.Enabled, &ms); err != nil {
			return nil, fmt.Errorf("scan port state: %w", err)
		}
		ps.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, ps)
	}
	return out, rows.Err()
}

// Delete forgets the saved state of a port. It reports whether one
// existed.
func (s *States) Delete(ctx context.Context, set string, port int) (bool, error) {
	res, err := s.st.DB().ExecContext(ctx,
		`DELETE FROM port_admin_state WHERE set_name = ? AND port = ?`, set, port)
	if err != nil {
		return false, fmt.Errorf("delete state of %s/%d: %w", set, port, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
