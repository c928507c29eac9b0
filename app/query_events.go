package converse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kartikbhuyar/converse/core"
)

type GetAllGroupChatsPayload struct {
	UserID core.UserID `json:"userID"`
}

type GetOnlineUsersPayload struct {
	UserID core.UserID `json:"userID"`
}

type GetLastOnlinePayload struct {
	UserIDs []core.UserID `json:"userIDs"`
}

type GetAllMessagesPayload struct {
	ChatID string      `json:"chatID"`
	UserID core.UserID `json:"userID"`
}

type SearchUsersPayload struct {
	Query string `json:"query"`
}

// GetAllGroupChatsHandler returns the user's chats and, as a side effect,
// rebuilds the memory-only rooms for this connection and announces the
// user online to peers in those rooms. This is the reconnect path: rooms
// hold no durable state, so every new connection must pass through here.
func (app *App) GetAllGroupChatsHandler(ctx context.Context, e *core.Event) error {
	var payload GetAllGroupChatsPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal get-all-groupChats payload: %w", err)
	}

	chats, err := app.groups.RejoinRooms(ctx, e.ConnID, payload.UserID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("get-all-groupChats: %v", err))
		return app.eventRouter.Ack(e, []core.ChatWithMembers{})
	}

	roomIDs := make([]core.RoomID, 0, len(chats))
	for _, chat := range chats {
		roomIDs = append(roomIDs, core.RoomForChat(chat.ID))
	}
	if err := app.presence.NotifyOnline(ctx, e.ConnID, payload.UserID, roomIDs); err != nil {
		app.logger.Error(fmt.Sprintf("notify online: %v", err))
	}

	if chats == nil {
		chats = []core.ChatWithMembers{}
	}
	return app.eventRouter.Ack(e, chats)
}

func (app *App) GetOnlineUsersHandler(ctx context.Context, e *core.Event) error {
	var payload GetOnlineUsersPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal get-online-users payload: %w", err)
	}

	online, err := app.groups.OnlineMembers(ctx, payload.UserID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("get-online-users: %v", err))
		return app.eventRouter.Ack(e, []core.UserID{})
	}
	if online == nil {
		online = []core.UserID{}
	}
	return app.eventRouter.Ack(e, online)
}

func (app *App) GetLastOnlineStatusesHandler(ctx context.Context, e *core.Event) error {
	var payload GetLastOnlinePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal get-last-online-statuses payload: %w", err)
	}
	if len(payload.UserIDs) == 0 {
		return app.eventRouter.Ack(e, map[core.UserID]interface{}{})
	}

	statuses, err := app.presence.LastOnline(ctx, payload.UserIDs)
	if err != nil {
		app.logger.Error(fmt.Sprintf("get-last-online-statuses: %v", err))
		return app.eventRouter.Ack(e, nil)
	}
	return app.eventRouter.Ack(e, statuses)
}

func (app *App) GetAllMessagesOfChatHandler(ctx context.Context, e *core.Event) error {
	var payload GetAllMessagesPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal get-all-messages-of-chat payload: %w", err)
	}

	messages, err := app.messages.ListForUser(ctx, payload.ChatID, payload.UserID)
	if err != nil {
		if !errors.Is(err, core.ErrNotMember) {
			app.logger.Error(fmt.Sprintf("get-all-messages-of-chat: %v", err))
		}
		return app.eventRouter.Ack(e, []core.Message{})
	}
	if messages == nil {
		messages = []core.Message{}
	}
	return app.eventRouter.Ack(e, messages)
}

func (app *App) SearchUsersHandler(ctx context.Context, e *core.Event) error {
	var payload SearchUsersPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal search-users payload: %w", err)
	}

	users, err := app.userStore.SearchUsers(ctx, payload.Query)
	if err != nil {
		app.logger.Error(fmt.Sprintf("search-users: %v", err))
		return app.eventRouter.Ack(e, []core.User{})
	}
	if users == nil {
		users = []core.User{}
	}
	return app.eventRouter.Ack(e, users)
}
