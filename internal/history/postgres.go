package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// entryMeta is the jsonb meta column: everything not worth its own column.
type entryMeta struct {
	SessionID        string `json:"sessionId,omitempty"`
	IncludeInContext *bool  `json:"includeInContext,omitempty"`
	Trace            string `json:"trace,omitempty"`
}

// PostgresStore persists history in the history_entries table (see
// migrations/). The reader pulls the most recent N rows by id desc, reverses
// them, then byte-trims from the head.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Read(ctx context.Context, key Key, opts ReadOptions) ([]Entry, error) {
	q := `SELECT role, content, created_at, group_id, meta
	      FROM history_entries
	      WHERE bot_account_id = $1 AND user_id = $2
	      ORDER BY id DESC`
	args := []interface{}{key.BotAccountID, key.UserID}
	if opts.MaxEntries > 0 {
		q += " LIMIT $3"
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
		var groupID sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&e.Role, &e.Content, &e.CreatedAt, &groupID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.GroupID = groupID.String
		if len(metaJSON) > 0 {
			var m entryMeta
			if err := json.Unmarshal(metaJSON, &m); err != nil {
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

func (s *PostgresStore) Append(ctx context.Context, key Key, e Entry) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.BotAccountID, key.UserID, nullStr(e.GroupID), string(e.Role), e.Content, e.CreatedAt, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
