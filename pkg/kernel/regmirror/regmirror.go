// Package regmirror maintains a queryable SQLite mirror of every root
// dialog's type-B registry (kernel spec §4.9's (agentId, sessionSlug) ->
// subdialogId mapping) for operator tooling that wants a single indexed
// table instead of walking registry.yaml per root. It is a read-side
// convenience only: registry.yaml under each root remains the one
// authoritative store (kernel spec §4.6). Grounded on nevindra-oasis's
// store/sqlite (modernc.org/sqlite pure-Go driver, SetMaxOpenConns(1) to
// serialize writers, INSERT OR REPLACE upserts) adapted from its
// documents/threads tables to one flat registry_entries table.
package regmirror

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// Mirror is a SQLite-backed secondary index over every root's registry.
type Mirror struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at dsn and ensures its
// schema exists. A single connection is used so concurrent Sync/Upsert
// calls serialize through one writer, avoiding SQLITE_BUSY.
func Open(dsn string) (*Mirror, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("regmirror: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	m := &Mirror{db: db}
	if err := m.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS registry_entries (
		root_self_id TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		session_slug TEXT NOT NULL,
		subdialog_id TEXT NOT NULL,
		PRIMARY KEY (root_self_id, agent_id, session_slug)
	)`)
	if err != nil {
		return fmt.Errorf("regmirror: create table: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_registry_entries_subdialog ON registry_entries(subdialog_id)`)
	if err != nil {
		return fmt.Errorf("regmirror: create index: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Upsert mirrors a single (agentId, sessionSlug) -> subdialogId mapping
// for rootSelfID, matching registry.yaml's own "replace on reuse"
// semantics (store.Registry.Upsert).
func (m *Mirror) Upsert(ctx context.Context, rootSelfID, agentID, sessionSlug, subdialogID string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registry_entries (root_self_id, agent_id, session_slug, subdialog_id) VALUES (?, ?, ?, ?)`,
		rootSelfID, agentID, sessionSlug, subdialogID,
	)
	if err != nil {
		return fmt.Errorf("regmirror: upsert %s/%s/%s: %w", rootSelfID, agentID, sessionSlug, err)
	}
	return nil
}

// Lookup returns the subdialogId mirrored for (rootSelfID, agentId,
// sessionSlug), or "" if none.
func (m *Mirror) Lookup(ctx context.Context, rootSelfID, agentID, sessionSlug string) (string, error) {
	var subdialogID string
	err := m.db.QueryRowContext(ctx,
		`SELECT subdialog_id FROM registry_entries WHERE root_self_id = ? AND agent_id = ? AND session_slug = ?`,
		rootSelfID, agentID, sessionSlug,
	).Scan(&subdialogID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("regmirror: lookup %s/%s/%s: %w", rootSelfID, agentID, sessionSlug, err)
	}
	return subdialogID, nil
}

// Entry is one mirrored registry row, used by ListByRoot for operator
// listing.
type Entry struct {
	RootSelfID  string
	AgentID     string
	SessionSlug string
	SubdialogID string
}

// ListByRoot returns every mirrored entry for rootSelfID.
func (m *Mirror) ListByRoot(ctx context.Context, rootSelfID string) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT root_self_id, agent_id, session_slug, subdialog_id FROM registry_entries WHERE root_self_id = ? ORDER BY agent_id, session_slug`,
		rootSelfID,
	)
	if err != nil {
		return nil, fmt.Errorf("regmirror: list %s: %w", rootSelfID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RootSelfID, &e.AgentID, &e.SessionSlug, &e.SubdialogID); err != nil {
			return nil, fmt.Errorf("regmirror: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild wipes and reloads the mirror from every root's registry.yaml, as
// read from st. Used at startup (kernel spec §6.6): the mirror is a cache,
// not a durable store, so a process restart simply rebuilds it from the
// files that remain the source of truth.
func Rebuild(ctx context.Context, m *Mirror, st *store.Store, status dialog.Status) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM registry_entries`); err != nil {
		return fmt.Errorf("regmirror: clear for rebuild: %w", err)
	}

	entries, err := st.Enumerate(status)
	if err != nil {
		return fmt.Errorf("regmirror: enumerate %s: %w", status, err)
	}
	for _, e := range entries {
		if !e.Ref.IsRoot() {
			continue
		}
		reg, err := st.ReadRegistry(e.Ref, status)
		if err != nil {
			return fmt.Errorf("regmirror: read registry for %s: %w", e.Ref.RootSelfID, err)
		}
		for _, re := range reg.Entries {
			if err := m.Upsert(ctx, e.Ref.RootSelfID, re.AgentID, re.SessionSlug, re.SubdialogID); err != nil {
				return err
			}
		}
	}
	return nil
}
