package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, chat_id, sender_id, text, file_name, file_type, file_size, file_content,
	sent_at, status, deleted, type, replied_to, local_id`

type SQLiteMessageStore struct {
	db *sql.DB
}

func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db}
}

// CreateMessage persists a message. Timestamps are stored as text and
// compared lexicographically, so every bound time.Time in this file is
// normalized to UTC first.
func (s *SQLiteMessageStore) CreateMessage(ctx context.Context, m Message) error {
	var senderID, repliedTo sql.NullString
	if m.SenderID != "" {
		senderID = sql.NullString{String: string(m.SenderID), Valid: true}
	}
	if m.RepliedTo != nil {
		repliedTo = sql.NullString{String: m.RepliedTo.ID, Valid: true}
	}
	var fileName, fileType, fileContent sql.NullString
	var fileSize sql.NullInt64
	if m.File != nil {
		fileName = sql.NullString{String: m.File.Name, Valid: true}
		fileType = sql.NullString{String: m.File.Type, Valid: true}
		fileSize = sql.NullInt64{Int64: m.File.Size, Valid: true}
		fileContent = sql.NullString{String: m.File.Content, Valid: true}
	}

	query := `INSERT INTO messages (` + messageColumns + `)
	          VALUES (@id, @chat_id, @sender_id, @text, @file_name, @file_type, @file_size, @file_content,
	                  @sent_at, @status, @deleted, @type, @replied_to, @local_id)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", m.ID), sql.Named("chat_id", m.ChatID),
		sql.Named("sender_id", senderID), sql.Named("text", m.Text),
		sql.Named("file_name", fileName), sql.Named("file_type", fileType),
		sql.Named("file_size", fileSize), sql.Named("file_content", fileContent),
		sql.Named("sent_at", m.SentAt.UTC()), sql.Named("status", m.Status),
		sql.Named("deleted", m.Deleted), sql.Named("type", m.Type),
		sql.Named("replied_to", repliedTo), sql.Named("local_id", m.LocalID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteMessageStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", messageID))

	msg, repliedTo, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if repliedTo != "" {
		replied, err := s.getShallowMessage(ctx, repliedTo)
		if err != nil {
			return nil, err
		}
		msg.RepliedTo = replied
	}
	if err := s.loadReadBy(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// getShallowMessage loads a message without resolving its own reply
// reference. Reply chains are resolved one level deep.
func (s *SQLiteMessageStore) getShallowMessage(ctx context.Context, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", messageID))

	msg, _, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteMessageStore) MarkRead(ctx context.Context, messageID string, readerID UserID) error {
	query := `INSERT INTO message_reads (message_id, user_id) VALUES (@message_id, @user_id)
	          ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("message_id", messageID), sql.Named("user_id", string(readerID)))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteMessageStore) MarkDeleted(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = @id`,
		sql.Named("id", messageID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidMessage
	}
	return nil
}

func (s *SQLiteMessageStore) ListChatMessages(ctx context.Context, chatID string, since time.Time) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
	          WHERE chat_id = @chat_id AND sent_at >= @since
	          ORDER BY sent_at ASC`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("chat_id", chatID), sql.Named("since", since.UTC()))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []Message
	var replyRefs []string
	for rows.Next() {
		msg, repliedTo, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
		replyRefs = append(replyRefs, repliedTo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	for i := range messages {
		if replyRefs[i] == "" {
			continue
		}
		replied, err := s.getShallowMessage(ctx, replyRefs[i])
		if err != nil {
			return nil, err
		}
		messages[i].RepliedTo = replied
	}

	if err := s.loadReadBySets(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLiteMessageStore) loadReadBy(ctx context.Context, msg *Message) error {
	query := `SELECT user_id FROM message_reads WHERE message_id = @message_id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("message_id", msg.ID))
	if err != nil {
		return fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("rows.Scan: %w", err)
		}
		msg.ReadBy = append(msg.ReadBy, UserID(userID))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows.Err: %w", err)
	}
	return nil
}

func (s *SQLiteMessageStore) loadReadBySets(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	index := make(map[string]int, len(messages))
	values := make([]interface{}, 0, len(messages))
	for i := range messages {
		index[messages[i].ID] = i
		values = append(values, messages[i].ID)
	}

	query := "SELECT message_id, user_id FROM message_reads WHERE message_id IN (" +
		strings.Repeat("?,", len(messages)-1) + "?)"
	rows, err := s.db.QueryContext(ctx, query, values...)
	if err != nil {
		return fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("rows.Scan: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, UserID(userID))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows.Err: %w", err)
	}
	return nil
}

// scanMessage scans a message row and returns the unresolved reply
// reference, if any.
func scanMessage(scan func(...interface{}) error) (*Message, string, error) {
	var msg Message
	var senderID, fileName, fileType, fileContent, repliedTo sql.NullString
	var fileSize sql.NullInt64

	err := scan(&msg.ID, &msg.ChatID, &senderID, &msg.Text,
		&fileName, &fileType, &fileSize, &fileContent,
		&msg.SentAt, &msg.Status, &msg.Deleted, &msg.Type, &repliedTo, &msg.LocalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("scan message: %w", err)
	}

	msg.SenderID = UserID(senderID.String)
	if fileName.Valid || fileType.Valid || fileSize.Valid || fileContent.Valid {
		msg.File = &FileInfo{
			Name:    fileName.String,
			Type:    fileType.String,
			Size:    fileSize.Int64,
			Content: fileContent.String,
		}
	}
	return &msg, repliedTo.String, nil
}
