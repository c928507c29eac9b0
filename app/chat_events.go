package converse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kartikbhuyar/converse/core"
)

// Client → core event types. The core → client types live in core since
// the services emit them.
const (
	IdentifyEvent             = "identify"
	CreateChatEvent           = "create-chat"
	MessageDeleteEvent        = "message-delete"
	MessagesReadEvent         = "messages-read"
	JoinUserGroupEvent        = "join-user-group"
	LeaveUserGroupEvent       = "leave-user-group"
	DeleteChatRequestEvent    = "delete-chat"
	EditGroupRequestEvent     = "edit-group"
	GetAllGroupChatsEvent     = "get-all-groupChats"
	GetOnlineUsersEvent       = "get-online-users"
	GetLastOnlineStatusEvent  = "get-last-online-statuses"
	GetAllMessagesOfChatEvent = "get-all-messages-of-chat"
	SearchUsersEvent          = "search-users"
)

type IdentifyPayload struct {
	AuthID string `json:"authID"`
}

type CreateChatPayload struct {
	MemberIDs     []core.UserID `json:"memberIDs"`
	Type          core.ChatType `json:"type"`
	Name          string        `json:"name"`
	Profile       string        `json:"profile"`
	Description   string        `json:"description"`
	CreationAlert string        `json:"creationAlertText"`
}

type MessageData struct {
	Text               string           `json:"text"`
	File               *core.FileInfo   `json:"file"`
	ChatID             string           `json:"chatID"`
	SentAt             time.Time        `json:"sentAt"`
	SenderID           core.UserID      `json:"senderID"`
	LocalCorrelationID string           `json:"localCorrelationID"`
	RepliedTo          string           `json:"repliedTo"`
	Type               core.MessageType `json:"type"`
}

type MessagePayload struct {
	Room        string      `json:"room"`
	MessageData MessageData `json:"messageData"`
}

type MessageDeletePayload struct {
	MessageID string `json:"messageID"`
	ChatID    string `json:"chatID"`
}

type MessagesReadPayload struct {
	ChatID             string             `json:"chatID"`
	PendingMessagesIDs []core.PendingRead `json:"pendingMessagesIDs"`
}

type MembershipChangePayload struct {
	UserID    core.UserID `json:"userID"`
	ChatID    string      `json:"chatID"`
	AdderName string      `json:"adderName"`
}

type EditGroupPayload struct {
	ChatID      string `json:"chatID"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Profile     string `json:"profile"`
	EditorName  string `json:"editorName"`
}

type DeleteChatPayload struct {
	ChatID      string      `json:"chatID"`
	UserID      core.UserID `json:"userID"`
	OtherUserID core.UserID `json:"otherUserID"`
}

type UserTypingPayload struct {
	ChatID string      `json:"chatID"`
	UserID core.UserID `json:"userID"`
	Typing bool        `json:"typing"`
}

// AckResult is the generic acknowledgement body for request events.
type AckResult struct {
	Success bool        `json:"success"`
	ChatID  string      `json:"chatID,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// IdentifyHandler binds the connection to the user resolved from the
// identity-provider authID. A later identify for the same user overwrites
// the earlier binding without closing the previous connection; the stale
// connection keeps its room memberships but no longer receives
// user-targeted events.
func (app *App) IdentifyHandler(ctx context.Context, e *core.Event) error {
	var payload IdentifyPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal identify payload: %w", err)
	}
	if payload.AuthID == "" {
		return app.eventRouter.Ack(e, nil)
	}

	user, err := app.userStore.GetUserByAuthID(ctx, payload.AuthID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("identify: %v", err))
		return app.eventRouter.Ack(e, nil)
	}
	if user == nil {
		return app.eventRouter.Ack(e, nil)
	}

	app.registry.Bind(e.ConnID, user.ID)
	return app.eventRouter.Ack(e, user)
}

func (app *App) CreateChatHandler(ctx context.Context, e *core.Event) error {
	var payload CreateChatPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal create-chat payload: %w", err)
	}

	creator, _ := app.registry.LookupUser(e.ConnID)
	input := core.ChatCreateInput{
		CreatorID:     creator,
		MemberIDs:     payload.MemberIDs,
		Type:          payload.Type,
		Name:          payload.Name,
		Profile:       payload.Profile,
		Description:   payload.Description,
		CreationAlert: payload.CreationAlert,
	}
	if err := input.Validate(); err != nil {
		return app.eventRouter.Ack(e, AckResult{Success: false, Message: "invalid chat"})
	}

	chat, err := app.groups.CreateChat(ctx, input)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateChat) {
			return app.eventRouter.Ack(e, AckResult{Success: false, Message: "Chat already exists!"})
		}
		app.logger.Error(fmt.Sprintf("create-chat: %v", err))
		return app.eventRouter.Ack(e, AckResult{Success: false})
	}
	return app.eventRouter.Ack(e, AckResult{Success: true, ChatID: chat.ID})
}

// MessageHandler persists and fans out a user message. Fire-and-forget: a
// persistence failure suppresses every downstream emit, leaving the
// sender's optimistic copy pending.
func (app *App) MessageHandler(ctx context.Context, e *core.Event) error {
	var payload MessagePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal message payload: %w", err)
	}

	input := core.MessageSendInput{
		ChatID:    payload.MessageData.ChatID,
		SenderID:  payload.MessageData.SenderID,
		Text:      payload.MessageData.Text,
		File:      payload.MessageData.File,
		Type:      payload.MessageData.Type,
		SentAt:    payload.MessageData.SentAt,
		LocalID:   payload.MessageData.LocalCorrelationID,
		RepliedTo: payload.MessageData.RepliedTo,
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("validate message: %w", err)
	}

	if _, err := app.messages.Send(ctx, e.ConnID, input); err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	return nil
}

func (app *App) MessageDeleteHandler(ctx context.Context, e *core.Event) error {
	var payload MessageDeletePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal message-delete payload: %w", err)
	}
	if err := app.messages.Delete(ctx, payload.MessageID, payload.ChatID); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

func (app *App) MessagesReadHandler(ctx context.Context, e *core.Event) error {
	var payload MessagesReadPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal messages-read payload: %w", err)
	}
	if err := app.messages.MarkRead(ctx, payload.ChatID, payload.PendingMessagesIDs); err != nil {
		return fmt.Errorf("MarkRead: %w", err)
	}
	return nil
}

func (app *App) JoinUserGroupHandler(ctx context.Context, e *core.Event) error {
	var payload MembershipChangePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal join-user-group payload: %w", err)
	}
	if err := app.groups.AddMember(ctx, payload.UserID, payload.ChatID, payload.AdderName); err != nil {
		return fmt.Errorf("AddMember: %w", err)
	}
	return nil
}

func (app *App) LeaveUserGroupHandler(ctx context.Context, e *core.Event) error {
	var payload MembershipChangePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal leave-user-group payload: %w", err)
	}
	if err := app.groups.RemoveMember(ctx, payload.UserID, payload.ChatID); err != nil {
		app.logger.Error(fmt.Sprintf("leave-user-group: %v", err))
		return app.eventRouter.Ack(e, AckResult{Success: false})
	}
	return app.eventRouter.Ack(e, AckResult{Success: true})
}

func (app *App) EditGroupHandler(ctx context.Context, e *core.Event) error {
	var payload EditGroupPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal edit-group payload: %w", err)
	}
	input := core.ChatEditInput{
		ChatID:      payload.ChatID,
		Name:        payload.Name,
		Description: payload.Description,
		Profile:     payload.Profile,
		EditorName:  payload.EditorName,
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("validate edit-group: %w", err)
	}
	if err := app.groups.EditChat(ctx, input); err != nil {
		return fmt.Errorf("EditChat: %w", err)
	}
	return nil
}

func (app *App) DeleteChatHandler(ctx context.Context, e *core.Event) error {
	var payload DeleteChatPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal delete-chat payload: %w", err)
	}

	members := make([]core.UserID, 0, 2)
	if payload.UserID != "" {
		members = append(members, payload.UserID)
	}
	if payload.OtherUserID != "" {
		members = append(members, payload.OtherUserID)
	}
	if err := app.groups.DeleteChat(ctx, payload.ChatID, members); err != nil {
		app.logger.Error(fmt.Sprintf("delete-chat: %v", err))
		return app.eventRouter.Ack(e, AckResult{Success: false, Message: "Error deleting chat."})
	}
	return app.eventRouter.Ack(e, AckResult{Success: true, Message: "Chat deleted successfully!"})
}

// UserTypingHandler relays typing indicators to the chat's room without
// touching persistence.
func (app *App) UserTypingHandler(ctx context.Context, e *core.Event) error {
	var payload UserTypingPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal user-typing payload: %w", err)
	}
	relay, err := core.NewEvent(core.UserTypingEvent, payload)
	if err != nil {
		return err
	}
	app.rooms.Broadcast(core.RoomForChat(payload.ChatID), relay, e.ConnID)
	return nil
}
