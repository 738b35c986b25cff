package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node history variant. Same shape as the
// Postgres table, ?-placeholders and text timestamps.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if needed initializes) a SQLite history file.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_account_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			group_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			meta TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_lookup
			ON history_entries (bot_account_id, user_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Read(ctx context.Context, key Key, opts ReadOptions) ([]Entry, error) {
	q := `SELECT role, content, created_at, group_id, meta
	      FROM history_entries
	      WHERE bot_account_id = ? AND user_id = ?
	      ORDER BY id DESC`
	args := []interface{}{key.BotAccountID, key.UserID}
	if opts.MaxEntries > 0 {
		q += " LIMIT ?"
		args = append(args, opts.MaxEntries)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var newestFirst []Entry
	for rows.Next() {
		var e Entry
		var groupID, metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Role, &e.Content, &createdAt, &groupID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		e.CreatedAt = ts
		e.GroupID = groupID.String
		if metaJSON.Valid && metaJSON.String != "" {
			var m entryMeta
			if err := json.Unmarshal([]byte(metaJSON.String), &m); err != nil {
				return nil, fmt.Errorf("decode history meta: %w", err)
			}
			e.SessionID = m.SessionID
			e.IncludeInContext = m.IncludeInContext
			e.Trace = m.Trace
		}
		newestFirst = append(newestFirst, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	entries := make([]Entry, len(newestFirst))
	for i, e := range newestFirst {
		entries[len(newestFirst)-1-i] = e
	}
	return trimToBudget(entries, opts.MaxBytes), nil
}

func (s *SQLiteStore) Append(ctx context.Context, key Key, e Entry) error {
	metaJSON, err := json.Marshal(entryMeta{
		SessionID:        e.SessionID,
		IncludeInContext: e.IncludeInContext,
		Trace:            e.Trace,
	})
	if err != nil {
		return fmt.Errorf("encode history meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history_entries (bot_account_id, user_id, group_id, role, content, created_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.BotAccountID, key.UserID, nullStr(e.GroupID), string(e.Role),
		e.Content, e.CreatedAt.UTC().Format(time.RFC3339Nano), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
