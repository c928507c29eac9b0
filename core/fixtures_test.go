package core

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

var (
	alice = User{ID: "u-alice", AuthID: "auth-alice", FirstName: "Alice", LastName: "Anders", Email: "alice@example.com"}
	bob   = User{ID: "u-bob", AuthID: "auth-bob", FirstName: "Bob", LastName: "Barker", Email: "bob@example.com"}
	carol = User{ID: "u-carol", AuthID: "auth-carol", FirstName: "Carol", LastName: "Chen", Email: "carol@example.com"}
)

type StoreFixture struct {
	userStore     UserStore
	chatStore     *SQLiteChatStore
	messageStore  *SQLiteMessageStore
	presenceStore *SQLitePresenceStore
	db            *sql.DB
	ctx           context.Context
	tearDown      func()
	t             *testing.T
}

func NewStoreFixture(t *testing.T) *StoreFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	userStore := NewSQLiteUserStore(db)

	f := &StoreFixture{
		userStore:     userStore,
		chatStore:     NewSQLiteChatStore(db, userStore),
		messageStore:  NewSQLiteMessageStore(db),
		presenceStore: NewSQLitePresenceStore(db),
		ctx:           ctx,
		db:            db,
		tearDown: func() {
			cancel()
			db.Close()
		},
		t: t,
	}

	return f
}

func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) {
	for _, u := range users {
		if err := userStore.CreateUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
}

// seedChat creates a chat together with a membership row for each member,
// all with the given joinedAt.
func seedChat(f *StoreFixture, chat Chat, joinedAt time.Time) Chat {
	if err := f.chatStore.CreateChat(f.ctx, chat); err != nil {
		f.t.Fatal(err)
	}
	for _, userID := range chat.Members {
		m := Membership{UserID: userID, ChatID: chat.ID, JoinedAt: joinedAt}
		if err := f.chatStore.CreateMembership(f.ctx, m); err != nil {
			f.t.Fatal(err)
		}
	}
	return chat
}

// recordingSender captures every event handed to it, keyed by connection.
type recordingSender struct {
	mu   sync.Mutex
	sent map[ConnID][]*Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[ConnID][]*Event)}
}

func (s *recordingSender) SendToConn(connID ConnID, e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connID] = append(s.sent[connID], e)
}

func (s *recordingSender) eventsFor(connID ConnID) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.sent[connID]...)
}

func (s *recordingSender) eventsOfType(connID ConnID, eventType string) []*Event {
	var out []*Event
	for _, e := range s.eventsFor(connID) {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = make(map[ConnID][]*Event)
}

// ServiceFixture wires the stores with an in-memory registry, room router,
// and recording sender so service side effects can be observed end to end.
type ServiceFixture struct {
	*StoreFixture
	registry *Registry
	rooms    *RoomRouter
	sender   *recordingSender
	messages *MessageService
	groups   *GroupService
	presence *PresenceNotifier
}

func NewServiceFixture(t *testing.T) *ServiceFixture {
	base := NewStoreFixture(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sender := newRecordingSender()
	registry := NewRegistry()
	rooms := NewRoomRouter(registry, sender)

	messages := NewMessageService(base.messageStore, base.chatStore, registry, rooms, logger)
	groups := NewGroupService(base.chatStore, base.userStore, base.presenceStore, messages, registry, rooms, logger)
	presence := NewPresenceNotifier(base.presenceStore, base.chatStore, rooms, logger)

	return &ServiceFixture{
		StoreFixture: base,
		registry:     registry,
		rooms:        rooms,
		sender:       sender,
		messages:     messages,
		groups:       groups,
		presence:     presence,
	}
}

// connect binds a connection for the user and joins it to every chat room
// the user has a membership for, mirroring what the identify and chat-list
// flow does for a real connection.
func (f *ServiceFixture) connect(userID UserID) ConnID {
	connID := ConnID("conn-" + string(userID))
	f.registry.Bind(connID, userID)
	if _, err := f.groups.RejoinRooms(f.ctx, connID, userID); err != nil {
		f.t.Fatal(err)
	}
	return connID
}
