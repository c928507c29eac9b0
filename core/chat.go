package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// PrivateChat is a chat between exactly two users. At most one private
	// chat may exist for a given pair.
	PrivateChat ChatType = "private"
	// GroupChat is a chat with any number of members.
	GroupChat ChatType = "group"
)

// ChatType represents the type of a chat.
type ChatType = string

// Chat is a private or group conversation. Members is denormalized for
// cheap reads; memberships are the source of truth and the member list is
// always rederivable from them (see ChatStore.ReconcileChatMembers).
type Chat struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Profile     string   `json:"profile"`
	Type        ChatType `json:"type"`
	Members     []UserID `json:"members"`
	Description string   `json:"description"`
}

// ChatWithMembers is a chat with member profiles resolved.
type ChatWithMembers struct {
	Chat
	MemberProfiles []User `json:"memberProfiles"`
}

// Membership is the persisted record that a user belongs to a chat. It is
// used to reconstruct rooms on reconnect and to gate which messages a
// member may read: only messages sent at or after JoinedAt are visible.
type Membership struct {
	UserID   UserID    `json:"userID"`
	ChatID   string    `json:"chatID"`
	JoinedAt time.Time `json:"joinedAt"`
}

var (
	// ErrDuplicateChat is returned when a private chat already exists for
	// the member pair.
	ErrDuplicateChat = errors.New("chat already exists")
	// ErrInvalidChat is returned when a chat is not found.
	ErrInvalidChat = errors.New("invalid chat")
	// ErrDuplicateMembership is returned when the user is already a member
	// of the chat.
	ErrDuplicateMembership = errors.New("user already in chat")
	// ErrNotMember is returned when the user has no membership for the
	// chat.
	ErrNotMember = errors.New("user not in chat")
	// ErrInvalidUser is returned when a user is not found.
	ErrInvalidUser = errors.New("invalid user")
)

type ChatStore interface {
	// CreateChat persists the chat row, including its denormalized member
	// list. Membership rows are created separately.
	CreateChat(ctx context.Context, chat Chat) error

	GetChat(ctx context.Context, chatID string) (*Chat, error)

	// FindPrivateChat returns the private chat whose member set is exactly
	// {a, b}, or nil.
	FindPrivateChat(ctx context.Context, a, b UserID) (*Chat, error)

	UpdateChatInfo(ctx context.Context, chatID, name, description, profile string) error

	DeleteChat(ctx context.Context, chatID string) error

	SetChatMembers(ctx context.Context, chatID string, members []UserID) error

	// CreateMembership persists the membership row. Returns
	// ErrDuplicateMembership if one already exists for the pair.
	CreateMembership(ctx context.Context, m Membership) error

	GetMembership(ctx context.Context, userID UserID, chatID string) (*Membership, error)

	DeleteMembership(ctx context.Context, userID UserID, chatID string) error

	// ListUserChats returns every chat the user has a membership for, with
	// member profiles resolved.
	ListUserChats(ctx context.Context, userID UserID) ([]ChatWithMembers, error)

	ListChatMemberships(ctx context.Context, chatID string) ([]Membership, error)

	ListUserMemberships(ctx context.Context, userID UserID) ([]Membership, error)

	// ReconcileChatMembers rewrites the chat's denormalized member list
	// from its membership rows. Repairs drift left by a crash between the
	// membership write and the member-list write.
	ReconcileChatMembers(ctx context.Context, chatID string) error
}

// ChatCreateInput is the input for creating a chat.
type ChatCreateInput struct {
	CreatorID     UserID   `json:"creatorID" validate:"required"`
	MemberIDs     []UserID `json:"memberIDs" validate:"required,min=1"`
	Type          ChatType `json:"type" validate:"required,oneof=private group"`
	Name          string   `json:"name"`
	Profile       string   `json:"profile"`
	Description   string   `json:"description"`
	CreationAlert string   `json:"creationAlert"`
}

func (in *ChatCreateInput) Validate() error {
	return validate.Struct(in)
}

// ChatEditInput is the input for editing a chat's mutable fields.
type ChatEditInput struct {
	ChatID      string `json:"chatID" validate:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Profile     string `json:"profile"`
	EditorName  string `json:"editorName"`
}

func (in *ChatEditInput) Validate() error {
	return validate.Struct(in)
}

// GroupUpdate is broadcast to a chat's room when its membership changes.
// It carries everything an already connected peer needs to update its view
// without re-querying.
type GroupUpdate struct {
	Type          string               `json:"type"`
	UserID        UserID               `json:"userID"`
	ChatID        string               `json:"chatID"`
	Time          time.Time            `json:"time"`
	Group         *Chat                `json:"group,omitempty"`
	UserInfo      *User                `json:"userInfo,omitempty"`
	UserInfos     map[UserID]User      `json:"userInfos,omitempty"`
	LastOnline    map[UserID]time.Time `json:"lastOnlineStatuses,omitempty"`
	OnlineMembers []UserID             `json:"onlineMembers,omitempty"`
	AlertMessage  *Message             `json:"alertMessage,omitempty"`
}

const (
	GroupUpdateUserJoin  = "userJoin"
	GroupUpdateUserLeave = "userLeave"
)

// GroupService coordinates chat creation, membership changes, and metadata
// edits. Each storage step is an independent write with no multi-document
// transaction: membership rows are written first and the denormalized
// member list after, so a crash in between leaves a state that
// ReconcileChatMembers can repair.
type GroupService struct {
	chats    ChatStore
	users    UserStore
	presence PresenceStore
	messages *MessageService
	registry *Registry
	rooms    *RoomRouter
	logger   *slog.Logger
	now      func() time.Time
}

func NewGroupService(
	chats ChatStore,
	users UserStore,
	presence PresenceStore,
	messages *MessageService,
	registry *Registry,
	rooms *RoomRouter,
	logger *slog.Logger,
) *GroupService {
	return &GroupService{
		chats:    chats,
		users:    users,
		presence: presence,
		messages: messages,
		registry: registry,
		rooms:    rooms,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateChat persists a new chat and its memberships, pulls every live
// member connection into the new room, and announces the creation. For a
// private chat with an existing chat for the same pair it returns
// ErrDuplicateChat without creating anything.
func (s *GroupService) CreateChat(ctx context.Context, in ChatCreateInput) (*ChatWithMembers, error) {
	members := dedupeUsers(in.MemberIDs)

	if in.Type == PrivateChat {
		if len(members) != 2 {
			return nil, ErrInvalidUser
		}
		existing, err := s.chats.FindPrivateChat(ctx, members[0], members[1])
		if err != nil {
			return nil, fmt.Errorf("FindPrivateChat: %w", err)
		}
		if existing != nil {
			return nil, ErrDuplicateChat
		}
	}

	chat := Chat{
		ID:          newID(),
		Name:        in.Name,
		Profile:     in.Profile,
		Type:        in.Type,
		Members:     members,
		Description: in.Description,
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("CreateChat: %w", err)
	}

	joinedAt := s.now()
	for _, userID := range members {
		m := Membership{UserID: userID, ChatID: chat.ID, JoinedAt: joinedAt}
		if err := s.chats.CreateMembership(ctx, m); err != nil {
			return nil, fmt.Errorf("CreateMembership: %w", err)
		}
	}

	roomID := RoomForChat(chat.ID)
	for _, userID := range members {
		if connID, ok := s.registry.Lookup(userID); ok {
			s.rooms.Join(connID, roomID)
		}
	}

	profiles, err := s.users.GetUsersByIDs(ctx, members...)
	if err != nil {
		return nil, fmt.Errorf("GetUsersByIDs: %w", err)
	}
	resolved := &ChatWithMembers{Chat: chat, MemberProfiles: profiles}

	created, err := NewEvent(GroupCreatedEvent, resolved)
	if err != nil {
		return nil, err
	}
	s.rooms.Broadcast(roomID, created)

	if in.CreationAlert != "" {
		if _, err := s.messages.SendAlert(ctx, chat.ID, in.CreationAlert); err != nil {
			s.logger.Error(fmt.Sprintf("creation alert: %v", err))
		}
	}

	return resolved, nil
}

// AddMember adds a user to a chat. If a membership already exists for the
// pair the call is a no-op: the persistence and broadcast side effects
// happen exactly once.
func (s *GroupService) AddMember(ctx context.Context, userID UserID, chatID string, adderName string) error {
	existing, err := s.chats.GetMembership(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("GetMembership: %w", err)
	}
	if existing != nil {
		return nil
	}

	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("GetChat: %w", err)
	}
	if chat == nil {
		return ErrInvalidChat
	}

	m := Membership{UserID: userID, ChatID: chatID, JoinedAt: s.now()}
	if err := s.chats.CreateMembership(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateMembership) {
			return nil
		}
		return fmt.Errorf("CreateMembership: %w", err)
	}

	chat.Members = append(chat.Members, userID)
	if err := s.chats.SetChatMembers(ctx, chatID, chat.Members); err != nil {
		return fmt.Errorf("SetChatMembers: %w", err)
	}

	roomID := RoomForChat(chatID)
	if connID, ok := s.registry.Lookup(userID); ok {
		s.rooms.Join(connID, roomID)
	}

	userInfo, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("GetUserByID: %w", err)
	}
	if userInfo == nil {
		return ErrInvalidUser
	}

	alertText := fmt.Sprintf("%s added %s %s.", adderName, userInfo.FirstName, userInfo.LastName)
	alert, err := s.messages.SendAlert(ctx, chatID, alertText)
	if err != nil {
		return fmt.Errorf("SendAlert: %w", err)
	}

	profiles, err := s.users.GetUsersByIDs(ctx, chat.Members...)
	if err != nil {
		return fmt.Errorf("GetUsersByIDs: %w", err)
	}
	userInfos := make(map[UserID]User, len(profiles))
	for _, p := range profiles {
		userInfos[p.ID] = p
	}

	lastOnline, err := s.presence.LastOnline(ctx, chat.Members)
	if err != nil {
		return fmt.Errorf("LastOnline: %w", err)
	}
	var online []UserID
	for _, member := range chat.Members {
		if s.registry.IsOnline(member) {
			online = append(online, member)
		}
	}

	update := GroupUpdate{
		Type:          GroupUpdateUserJoin,
		UserID:        userID,
		ChatID:        chatID,
		Time:          s.now(),
		Group:         chat,
		UserInfo:      userInfo,
		UserInfos:     userInfos,
		LastOnline:    lastOnline,
		OnlineMembers: online,
		AlertMessage:  alert,
	}
	e, err := NewEvent(GroupUpdateEvent, update)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(roomID, e)
	return nil
}

// RemoveMember removes the user from the chat, announces the departure,
// and pulls the departing connection out of the room.
func (s *GroupService) RemoveMember(ctx context.Context, userID UserID, chatID string) error {
	if err := s.chats.DeleteMembership(ctx, userID, chatID); err != nil {
		return fmt.Errorf("DeleteMembership: %w", err)
	}

	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("GetChat: %w", err)
	}
	if chat == nil {
		return ErrInvalidChat
	}
	remaining := make([]UserID, 0, len(chat.Members))
	for _, member := range chat.Members {
		if member != userID {
			remaining = append(remaining, member)
		}
	}
	if err := s.chats.SetChatMembers(ctx, chatID, remaining); err != nil {
		return fmt.Errorf("SetChatMembers: %w", err)
	}

	userInfo, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("GetUserByID: %w", err)
	}

	var alert *Message
	if userInfo != nil {
		alertText := fmt.Sprintf("%s %s has left the chat.", userInfo.FirstName, userInfo.LastName)
		alert, err = s.messages.SendAlert(ctx, chatID, alertText)
		if err != nil {
			return fmt.Errorf("SendAlert: %w", err)
		}
	}

	roomID := RoomForChat(chatID)
	update := GroupUpdate{
		Type:         GroupUpdateUserLeave,
		UserID:       userID,
		ChatID:       chatID,
		Time:         s.now(),
		AlertMessage: alert,
	}
	e, err := NewEvent(GroupUpdateEvent, update)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(roomID, e)

	if connID, ok := s.registry.Lookup(userID); ok {
		s.rooms.Leave(connID, roomID)
	}
	return nil
}

// EditChat updates the chat's mutable fields and announces the edit.
func (s *GroupService) EditChat(ctx context.Context, in ChatEditInput) error {
	if err := s.chats.UpdateChatInfo(ctx, in.ChatID, in.Name, in.Description, in.Profile); err != nil {
		return fmt.Errorf("UpdateChatInfo: %w", err)
	}

	alertText := fmt.Sprintf("%s updated group info.", in.EditorName)
	if _, err := s.messages.SendAlert(ctx, in.ChatID, alertText); err != nil {
		return fmt.Errorf("SendAlert: %w", err)
	}

	e, err := NewEvent(EditGroupEvent, in)
	if err != nil {
		return err
	}
	s.rooms.Broadcast(RoomForChat(in.ChatID), e)
	return nil
}

// DeleteChat deletes the chat and all its memberships, announces the
// deletion, and removes every member's live connection from the room.
func (s *GroupService) DeleteChat(ctx context.Context, chatID string, memberIDs []UserID) error {
	for _, userID := range memberIDs {
		if err := s.chats.DeleteMembership(ctx, userID, chatID); err != nil {
			return fmt.Errorf("DeleteMembership: %w", err)
		}
	}
	if err := s.chats.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("DeleteChat: %w", err)
	}

	roomID := RoomForChat(chatID)
	e, err := NewEvent(DeleteChatEvent, map[string]string{"chatID": chatID})
	if err != nil {
		return err
	}
	s.rooms.Broadcast(roomID, e)

	for _, userID := range memberIDs {
		if connID, ok := s.registry.Lookup(userID); ok {
			s.rooms.Leave(connID, roomID)
		}
	}
	return nil
}

// RejoinRooms pulls the connection into the room of every chat the user is
// a member of and returns those chats. Called when a connection fetches
// its chats after connect, rebuilding the memory-only rooms.
func (s *GroupService) RejoinRooms(ctx context.Context, connID ConnID, userID UserID) ([]ChatWithMembers, error) {
	chats, err := s.chats.ListUserChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ListUserChats: %w", err)
	}
	for _, chat := range chats {
		s.rooms.Join(connID, RoomForChat(chat.ID))
	}
	return chats, nil
}

// OnlineMembers returns the distinct online users across every chat the
// user belongs to.
func (s *GroupService) OnlineMembers(ctx context.Context, userID UserID) ([]UserID, error) {
	chats, err := s.chats.ListUserChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ListUserChats: %w", err)
	}
	seen := make(map[UserID]struct{})
	var online []UserID
	for _, chat := range chats {
		for _, member := range chat.Members {
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			if s.registry.IsOnline(member) {
				online = append(online, member)
			}
		}
	}
	return online, nil
}

func dedupeUsers(ids []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(ids))
	out := make([]UserID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
