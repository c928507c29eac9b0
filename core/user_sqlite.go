package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) error {
	query := `INSERT INTO users (id, auth_id, first_name, last_name, email, profile)
	          VALUES (@id, @auth_id, @first_name, @last_name, @email, @profile)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", string(user.ID)), sql.Named("auth_id", user.AuthID),
		sql.Named("first_name", user.FirstName), sql.Named("last_name", user.LastName),
		sql.Named("email", user.Email), sql.Named("profile", user.Profile))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetUserByAuthID(ctx context.Context, authID string) (*User, error) {
	query := `SELECT id, auth_id, first_name, last_name, email, profile FROM users WHERE auth_id = @auth_id`
	return s.getUser(ctx, query, sql.Named("auth_id", authID))
}

func (s *SQLiteUserStore) GetUserByID(ctx context.Context, userID UserID) (*User, error) {
	query := `SELECT id, auth_id, first_name, last_name, email, profile FROM users WHERE id = @id`
	return s.getUser(ctx, query, sql.Named("id", string(userID)))
}

func (s *SQLiteUserStore) getUser(ctx context.Context, query string, args ...interface{}) (*User, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var user User
	var id string
	if err := row.Scan(&id, &user.AuthID, &user.FirstName, &user.LastName, &user.Email, &user.Profile); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	user.ID = UserID(id)
	return &user, nil
}

func (s *SQLiteUserStore) GetUsersByIDs(ctx context.Context, userIDs ...UserID) ([]User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		values = append(values, string(id))
	}

	query := "SELECT id, auth_id, first_name, last_name, email, profile FROM users WHERE id IN (" +
		strings.Repeat("?,", len(userIDs)-1) + "?)"
	rows, err := s.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

func (s *SQLiteUserStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	pattern := "%" + query + "%"
	q := `SELECT id, auth_id, first_name, last_name, email, profile FROM users
	      WHERE first_name LIKE @q COLLATE NOCASE
	         OR last_name LIKE @q COLLATE NOCASE
	         OR email LIKE @q COLLATE NOCASE`
	rows, err := s.db.QueryContext(ctx, q, sql.Named("q", pattern))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		var user User
		var id string
		if err := rows.Scan(&id, &user.AuthID, &user.FirstName, &user.LastName, &user.Email, &user.Profile); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		user.ID = UserID(id)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}
