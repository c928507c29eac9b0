package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PresenceStore persists last-seen timestamps. A user who has never been
// seen is reported by absence from the result map, not by a default
// timestamp; callers must handle the missing case explicitly.
type PresenceStore interface {
	// Touch records the user's last-online timestamp.
	Touch(ctx context.Context, userID UserID, t time.Time) error

	// LastOnline batches lookups. Users with no record are absent from the
	// returned map.
	LastOnline(ctx context.Context, userIDs []UserID) (map[UserID]time.Time, error)
}

// PresenceNotifier derives online/offline transitions and fans them out to
// the rooms of the chats the user belongs to. A bare registry bind is not
// an online event by itself: the online broadcast happens when the
// connection rejoins its rooms, and the offline broadcast on unbind at
// disconnect.
type PresenceNotifier struct {
	store  PresenceStore
	chats  ChatStore
	rooms  *RoomRouter
	logger *slog.Logger
	now    func() time.Time
}

func NewPresenceNotifier(store PresenceStore, chats ChatStore, rooms *RoomRouter, logger *slog.Logger) *PresenceNotifier {
	return &PresenceNotifier{
		store:  store,
		chats:  chats,
		rooms:  rooms,
		logger: logger,
		now:    time.Now,
	}
}

// NotifyOnline emits a user-online event to the peers of each given room,
// excluding the joining connection, carrying the user's persisted
// last-online timestamp.
func (n *PresenceNotifier) NotifyOnline(ctx context.Context, connID ConnID, userID UserID, roomIDs []RoomID) error {
	statuses, err := n.store.LastOnline(ctx, []UserID{userID})
	if err != nil {
		return fmt.Errorf("LastOnline: %w", err)
	}
	payload := map[string]interface{}{"userID": userID}
	if t, ok := statuses[userID]; ok {
		payload["lastOnline"] = t
	}
	e, err := NewEvent(UserOnlineEvent, payload)
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		n.rooms.Broadcast(roomID, e, connID)
	}
	return nil
}

// NotifyOffline writes a fresh presence record and broadcasts user-offline
// to the room of every chat the user is a member of. Membership is
// resolved from the persisted rows, not the in-memory room set, because
// the rooms were already cleared as part of the same disconnect.
func (n *PresenceNotifier) NotifyOffline(ctx context.Context, userID UserID) error {
	lastOnline := n.now()
	if err := n.store.Touch(ctx, userID, lastOnline); err != nil {
		return fmt.Errorf("Touch: %w", err)
	}

	memberships, err := n.chats.ListUserMemberships(ctx, userID)
	if err != nil {
		return fmt.Errorf("ListUserMemberships: %w", err)
	}
	e, err := NewEvent(UserOfflineEvent, map[string]interface{}{
		"userID":     userID,
		"lastOnline": lastOnline,
	})
	if err != nil {
		return err
	}
	for _, m := range memberships {
		n.rooms.Broadcast(RoomForChat(m.ChatID), e)
	}
	return nil
}

// LastOnline batches last-seen lookups.
func (n *PresenceNotifier) LastOnline(ctx context.Context, userIDs []UserID) (map[UserID]time.Time, error) {
	return n.store.LastOnline(ctx, userIDs)
}
