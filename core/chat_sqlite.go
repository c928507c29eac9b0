package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

type SQLiteChatStore struct {
	db        *sql.DB
	userStore UserStore
}

func NewSQLiteChatStore(db *sql.DB, userStore UserStore) *SQLiteChatStore {
	return &SQLiteChatStore{
		db:        db,
		userStore: userStore,
	}
}

func (s *SQLiteChatStore) CreateChat(ctx context.Context, chat Chat) error {
	members, err := json.Marshal(chat.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	query := `INSERT INTO chats (id, name, profile, type, description, members)
	          VALUES (@id, @name, @profile, @type, @description, @members)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", chat.ID), sql.Named("name", chat.Name),
		sql.Named("profile", chat.Profile), sql.Named("type", chat.Type),
		sql.Named("description", chat.Description), sql.Named("members", string(members)))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	query := `SELECT id, name, profile, type, description, members FROM chats WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", chatID))

	var chat Chat
	var members string
	if err := row.Scan(&chat.ID, &chat.Name, &chat.Profile, &chat.Type, &chat.Description, &members); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &chat.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteChatStore) FindPrivateChat(ctx context.Context, a, b UserID) (*Chat, error) {
	// the member list of a private chat has exactly two entries, so an
	// exact set match is two containment checks
	query := `SELECT id, name, profile, type, description, members FROM chats
	          WHERE type = @type
	            AND EXISTS (SELECT 1 FROM json_each(chats.members) WHERE json_each.value = @a)
	            AND EXISTS (SELECT 1 FROM json_each(chats.members) WHERE json_each.value = @b)
	            AND json_array_length(chats.members) = 2`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("type", PrivateChat), sql.Named("a", string(a)), sql.Named("b", string(b)))

	var chat Chat
	var members string
	if err := row.Scan(&chat.ID, &chat.Name, &chat.Profile, &chat.Type, &chat.Description, &members); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &chat.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteChatStore) UpdateChatInfo(ctx context.Context, chatID, name, description, profile string) error {
	query := `UPDATE chats SET name = @name, description = @description, profile = @profile WHERE id = @id`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("name", name), sql.Named("description", description),
		sql.Named("profile", profile), sql.Named("id", chatID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidChat
	}
	return nil
}

func (s *SQLiteChatStore) DeleteChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = @id`, sql.Named("id", chatID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) SetChatMembers(ctx context.Context, chatID string, members []UserID) error {
	b, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chats SET members = @members WHERE id = @id`,
		sql.Named("members", string(b)), sql.Named("id", chatID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) CreateMembership(ctx context.Context, m Membership) error {
	query := `INSERT INTO memberships (user_id, chat_id, joined_at) VALUES (@user_id, @chat_id, @joined_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("user_id", string(m.UserID)), sql.Named("chat_id", m.ChatID),
		sql.Named("joined_at", m.JoinedAt.UTC()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrDuplicateMembership
		}
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) GetMembership(ctx context.Context, userID UserID, chatID string) (*Membership, error) {
	query := `SELECT user_id, chat_id, joined_at FROM memberships WHERE user_id = @user_id AND chat_id = @chat_id`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("user_id", string(userID)), sql.Named("chat_id", chatID))

	var m Membership
	var uid string
	if err := row.Scan(&uid, &m.ChatID, &m.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	m.UserID = UserID(uid)
	return &m, nil
}

func (s *SQLiteChatStore) DeleteMembership(ctx context.Context, userID UserID, chatID string) error {
	query := `DELETE FROM memberships WHERE user_id = @user_id AND chat_id = @chat_id`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("user_id", string(userID)), sql.Named("chat_id", chatID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) ListUserChats(ctx context.Context, userID UserID) ([]ChatWithMembers, error) {
	query := `SELECT c.id, c.name, c.profile, c.type, c.description, c.members
	          FROM memberships AS m INNER JOIN chats AS c ON m.chat_id = c.id
	          WHERE m.user_id = @user_id
	          ORDER BY m.joined_at`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("user_id", string(userID)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var chats []ChatWithMembers
	for rows.Next() {
		var chat Chat
		var members string
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.Profile, &chat.Type, &chat.Description, &members); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &chat.Members); err != nil {
			return nil, fmt.Errorf("unmarshal members: %w", err)
		}
		chats = append(chats, ChatWithMembers{Chat: chat})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	for i := range chats {
		profiles, err := s.userStore.GetUsersByIDs(ctx, chats[i].Members...)
		if err != nil {
			return nil, fmt.Errorf("GetUsersByIDs: %w", err)
		}
		chats[i].MemberProfiles = profiles
	}
	return chats, nil
}

func (s *SQLiteChatStore) ListChatMemberships(ctx context.Context, chatID string) ([]Membership, error) {
	query := `SELECT user_id, chat_id, joined_at FROM memberships WHERE chat_id = @chat_id ORDER BY joined_at`
	return s.listMemberships(ctx, query, sql.Named("chat_id", chatID))
}

func (s *SQLiteChatStore) ListUserMemberships(ctx context.Context, userID UserID) ([]Membership, error) {
	query := `SELECT user_id, chat_id, joined_at FROM memberships WHERE user_id = @user_id ORDER BY joined_at`
	return s.listMemberships(ctx, query, sql.Named("user_id", string(userID)))
}

func (s *SQLiteChatStore) listMemberships(ctx context.Context, query string, args ...interface{}) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		var uid string
		if err := rows.Scan(&uid, &m.ChatID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m.UserID = UserID(uid)
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return memberships, nil
}

// ReconcileChatMembers rewrites the chat's member list from its membership
// rows, repairing drift left by a crash between the two writes.
func (s *SQLiteChatStore) ReconcileChatMembers(ctx context.Context, chatID string) error {
	memberships, err := s.ListChatMemberships(ctx, chatID)
	if err != nil {
		return fmt.Errorf("ListChatMemberships: %w", err)
	}
	members := make([]UserID, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, m.UserID)
	}
	if err := s.SetChatMembers(ctx, chatID, members); err != nil {
		return fmt.Errorf("SetChatMembers: %w", err)
	}
	return nil
}
