// Package store is the SQLite-backed source of permission usage
// data: apps, permission groups, and the raw access events they
// produce.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/permview/permview/internal/usage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS apps (
    key TEXT PRIMARY KEY,
    label TEXT NOT NULL DEFAULT '',
    system INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS perm_groups (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL DEFAULT '',
    user_sensitive INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS accesses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    app_key TEXT NOT NULL,
    group_id TEXT NOT NULL,
    at INTEGER NOT NULL,
    count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS ingest_state (
    path TEXT PRIMARY KEY,
    offset INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_accesses_at ON accesses(at);
CREATE INDEX IF NOT EXISTS idx_accesses_app_group
    ON accesses(app_key, group_id);
`

// Store manages a write connection and a read-only pool.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens the usage database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader}
	if err := s.init(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(schemaSQL)
	return err
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Update executes fn within a write lock and transaction.
func (s *Store) Update(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Flags select which access aggregates contribute to a load.
type Flags uint8

const (
	// FlagLast includes each app/group pair's most recent access.
	FlagLast Flags = 1 << iota
	// FlagHistorical includes access counts over the whole window
	// rather than just the latest access.
	FlagHistorical
)

// Query describes one dataset load.
type Query struct {
	App         string   // exact app key ("" = all apps)
	Groups      []string // restrict to these group ids (nil = all)
	StartMillis int64
	EndMillis   int64
	Flags       Flags
}

// LoadUsages aggregates access events into per-app per-group usage
// records and returns them as a fresh dataset. A record's sensitivity
// is derived from its group's classification and the owning app's
// system flag.
func (s *Store) LoadUsages(ctx context.Context, q Query) (*usage.Dataset, error) {
	d := &usage.Dataset{}
	if q.Flags == 0 {
		return d, nil
	}

	countExpr := "1"
	if q.Flags&FlagHistorical != 0 {
		countExpr = "SUM(a.count)"
	}

	preds := []string{"a.at >= ?", "a.at <= ?"}
	args := []any{q.StartMillis, q.EndMillis}
	if q.App != "" {
		preds = append(preds, "a.app_key = ?")
		args = append(args, q.App)
	}
	if len(q.Groups) > 0 {
		placeholders := strings.Repeat(",?", len(q.Groups))[1:]
		preds = append(preds, "a.group_id IN ("+placeholders+")")
		for _, g := range q.Groups {
			args = append(args, g)
		}
	}

	query := `
		SELECT a.app_key, a.group_id, IFNULL(g.label, a.group_id),
			MAX(a.at), ` + countExpr + `,
			(IFNULL(g.user_sensitive, 1) = 1
				AND IFNULL(ap.system, 0) = 0)
		FROM accesses a
		LEFT JOIN perm_groups g ON g.id = a.group_id
		LEFT JOIN apps ap ON ap.key = a.app_key
		WHERE ` + strings.Join(preds, " AND ") + `
		GROUP BY a.app_key, a.group_id
		ORDER BY a.app_key, MIN(a.id)`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			appKey string
			rec    usage.Record
		)
		if err := rows.Scan(
			&appKey, &rec.Group, &rec.GroupLabel,
			&rec.LastAccess, &rec.Count, &rec.UserSensitive,
		); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		n := len(d.Apps)
		if n == 0 || d.Apps[n-1].Key != appKey {
			d.Apps = append(d.Apps, usage.AppUsage{Key: appKey})
			n++
		}
		d.Apps[n-1].Records = append(d.Apps[n-1].Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading usage rows: %w", err)
	}
	return d, nil
}

// ResolveLabels returns display labels for app keys, positionally.
// Apps without a stored label fall back to their key.
func (s *Store) ResolveLabels(ctx context.Context, keys []string) ([]string, error) {
	labels := make([]string, len(keys))
	stmt, err := s.reader.PrepareContext(ctx,
		"SELECT label FROM apps WHERE key = ?")
	if err != nil {
		return nil, fmt.Errorf("preparing label lookup: %w", err)
	}
	defer stmt.Close()

	for i, key := range keys {
		labels[i] = key
		var label string
		err := stmt.QueryRowContext(ctx, key).Scan(&label)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving label for %s: %w", key, err)
		}
		if label != "" {
			labels[i] = label
		}
	}
	return labels, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Apps     int `json:"apps"`
	Groups   int `json:"groups"`
	Accesses int `json:"accesses"`
}

// GetStats returns row counts for the store's tables.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.reader.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM apps),
			(SELECT COUNT(*) FROM perm_groups),
			(SELECT COUNT(*) FROM accesses)`)
	if err := row.Scan(&st.Apps, &st.Groups, &st.Accesses); err != nil {
		return Stats{}, fmt.Errorf("counting store rows: %w", err)
	}
	return st, nil
}
