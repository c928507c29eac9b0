package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	TextMessage  MessageType = "text"
	FileMessage  MessageType = "file"
	AlertMessage MessageType = "alert"
)

// MessageType determines how a message body should be interpreted.
type MessageType = string

const (
	StatusSent = "sent"
	StatusRead = "read"
)

// FileInfo describes a file attached to a message. Encoding of the content
// is the client's concern.
type FileInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    int64  `json:"size"`
	Content string `json:"content"`
}

// Message is a chat message. SenderID is empty for system-generated alert
// messages. ReadBy only ever grows, and Deleted is one-way: a deleted
// message keeps its stored attributes but clients must withhold the body.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatID"`
	SenderID  UserID      `json:"senderID,omitempty"`
	Text      string      `json:"text"`
	File      *FileInfo   `json:"file,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
	Status    string      `json:"status"`
	Deleted   bool        `json:"deleted"`
	Type      MessageType `json:"type"`
	RepliedTo *Message    `json:"repliedTo,omitempty"`
	// LocalID is the client-assigned correlation identifier, echoed back in
	// the sent acknowledgement so the client can match the server-confirmed
	// message to its optimistic local copy.
	LocalID string   `json:"localID,omitempty"`
	ReadBy  []UserID `json:"readBy,omitempty"`
}

var (
	// ErrInvalidMessage is returned when a message is not found.
	ErrInvalidMessage = errors.New("invalid message")
)

type MessageStore interface {
	CreateMessage(ctx context.Context, m Message) error

	// GetMessage returns the message with its reply reference and readBy
	// set resolved, or nil.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// MarkRead adds the reader to the message's readBy set. Idempotent
	// set-union: marking twice is a single membership.
	MarkRead(ctx context.Context, messageID string, readerID UserID) error

	// MarkDeleted sets the soft-delete flag. The row is retained.
	MarkDeleted(ctx context.Context, messageID string) error

	// ListChatMessages returns the chat's messages with sentAt >= since,
	// ordered by sentAt ascending, reply references resolved inline.
	ListChatMessages(ctx context.Context, chatID string, since time.Time) ([]Message, error)
}

// MessageSendInput is the payload of an inbound message event.
type MessageSendInput struct {
	ChatID    string      `json:"chatID" validate:"required"`
	SenderID  UserID      `json:"senderID" validate:"required"`
	Text      string      `json:"text"`
	File      *FileInfo   `json:"file"`
	Type      MessageType `json:"type"`
	SentAt    time.Time   `json:"sentAt"`
	LocalID   string      `json:"localID"`
	RepliedTo string      `json:"repliedTo"`
}

func (in *MessageSendInput) Validate() error {
	return validate.Struct(in)
}

// PendingRead identifies one message a reader has viewed.
type PendingRead struct {
	MessageID string `json:"messageID"`
	ReaderID  UserID `json:"readerID"`
	SenderID  UserID `json:"senderID"`
}

// MessageService drives the message lifecycle: persist and fan out new
// messages, advance per-reader read state, and soft-delete. No event is
// ever broadcast unless the corresponding write succeeded, so an
// unacknowledged send leaves the sender's client pending rather than
// falsely confirmed.
type MessageService struct {
	messages MessageStore
	chats    ChatStore
	registry *Registry
	rooms    *RoomRouter
	logger   *slog.Logger
	now      func() time.Time
}

func NewMessageService(messages MessageStore, chats ChatStore, registry *Registry, rooms *RoomRouter, logger *slog.Logger) *MessageService {
	return &MessageService{
		messages: messages,
		chats:    chats,
		registry: registry,
		rooms:    rooms,
		logger:   logger,
		now:      time.Now,
	}
}

// Send persists the message, acknowledges the sender with the correlated
// sent status, and broadcasts the full message to the rest of the room.
// The sender connection is excluded from the broadcast because it receives
// the direct acknowledgement instead.
func (s *MessageService) Send(ctx context.Context, senderConn ConnID, in MessageSendInput) (*Message, error) {
	msgType := in.Type
	if msgType == "" {
		msgType = TextMessage
	}
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	msg := Message{
		ID:       newID(),
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Text:     in.Text,
		File:     in.File,
		SentAt:   sentAt,
		Status:   StatusSent,
		Type:     msgType,
		LocalID:  in.LocalID,
	}
	if in.RepliedTo != "" {
		replied, err := s.messages.GetMessage(ctx, in.RepliedTo)
		if err != nil {
			return nil, fmt.Errorf("GetMessage(repliedTo): %w", err)
		}
		msg.RepliedTo = replied
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("CreateMessage: %w", err)
	}

	ack, err := NewEvent(UpdateMessageEvent, map[string]interface{}{
		"messageID": in.LocalID,
		"id":        msg.ID,
		"chatID":    msg.ChatID,
		"status":    StatusSent,
		"type":      StatusSent,
	})
	if err != nil {
		return nil, err
	}
	s.rooms.EmitToUser(in.SenderID, ack)

	e, err := NewEvent(MessageEvent, msg)
	if err != nil {
		return nil, err
	}
	s.rooms.Broadcast(RoomForChat(msg.ChatID), e, senderConn)

	return &msg, nil
}

// MarkRead records a batch of read receipts. Each receipt is an idempotent
// set-union on the message's readBy set. The original sender, and only the
// sender, is notified, and only while online; the store update happens
// either way.
func (s *MessageService) MarkRead(ctx context.Context, chatID string, pending []PendingRead) error {
	for _, p := range pending {
		if err := s.messages.MarkRead(ctx, p.MessageID, p.ReaderID); err != nil {
			return fmt.Errorf("MarkRead: %w", err)
		}

		if !s.registry.IsOnline(p.SenderID) {
			continue
		}
		e, err := NewEvent(UpdateMessageEvent, map[string]interface{}{
			"chatID":    chatID,
			"messageID": p.MessageID,
			"type":      StatusRead,
			"readerID":  p.ReaderID,
		})
		if err != nil {
			return err
		}
		s.rooms.EmitToUser(p.SenderID, e)
	}
	return nil
}

// Delete sets the soft-delete flag and broadcasts the deletion to the
// whole room. The row is kept so readBy and other attributes remain
// queryable.
func (s *MessageService) Delete(ctx context.Context, messageID, chatID string) error {
	if err := s.messages.MarkDeleted(ctx, messageID); err != nil {
		return fmt.Errorf("MarkDeleted: %w", err)
	}

	e, err := NewEvent(UpdateMessageEvent, map[string]interface{}{
		"messageID": messageID,
		"chatID":    chatID,
		"type":      "delete",
	})
	if err != nil {
		return err
	}
	s.rooms.Broadcast(RoomForChat(chatID), e)
	return nil
}

// ListForUser returns the chat's messages visible to the user: only
// messages sent at or after the user's membership joinedAt, ascending,
// replies resolved inline. A user without a membership gets ErrNotMember.
func (s *MessageService) ListForUser(ctx context.Context, chatID string, userID UserID) ([]Message, error) {
	membership, err := s.chats.GetMembership(ctx, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("GetMembership: %w", err)
	}
	if membership == nil {
		return nil, ErrNotMember
	}
	messages, err := s.messages.ListChatMessages(ctx, chatID, membership.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("ListChatMessages: %w", err)
	}
	return messages, nil
}

// SendAlert persists a system-generated alert message with no sender and
// broadcasts it to the room like any other message.
func (s *MessageService) SendAlert(ctx context.Context, chatID, text string) (*Message, error) {
	msg := Message{
		ID:     newID(),
		ChatID: chatID,
		Text:   text,
		SentAt: s.now(),
		Status: StatusSent,
		Type:   AlertMessage,
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("CreateMessage: %w", err)
	}

	e, err := NewEvent(MessageEvent, msg)
	if err != nil {
		return nil, err
	}
	s.rooms.Broadcast(RoomForChat(chatID), e)
	return &msg, nil
}

func newID() string {
	return uuid.New().String()
}
