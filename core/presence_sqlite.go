package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SQLitePresenceStore struct {
	db *sql.DB
}

func NewSQLitePresenceStore(db *sql.DB) *SQLitePresenceStore {
	return &SQLitePresenceStore{db: db}
}

func (s *SQLitePresenceStore) Touch(ctx context.Context, userID UserID, t time.Time) error {
	query := `INSERT INTO presence (user_id, last_online) VALUES (@user_id, @last_online)
	          ON CONFLICT (user_id) DO UPDATE SET last_online = excluded.last_online`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("user_id", string(userID)), sql.Named("last_online", t.UTC()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLitePresenceStore) LastOnline(ctx context.Context, userIDs []UserID) (map[UserID]time.Time, error) {
	statuses := make(map[UserID]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return statuses, nil
	}

	values := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		values = append(values, string(id))
	}

	query := "SELECT user_id, last_online FROM presence WHERE user_id IN (" +
		strings.Repeat("?,", len(userIDs)-1) + "?)"
	rows, err := s.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var lastOnline time.Time
		if err := rows.Scan(&userID, &lastOnline); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		statuses[UserID(userID)] = lastOnline
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return statuses, nil
}
