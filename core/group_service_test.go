package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupCreateChat(t *testing.T) {
	t.Run("group chat with live members", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()
		seedUsers(f.ctx, f.t, f.userStore, alice, bob, carol)
		aliceConn := f.connect(alice.ID)
		bobConn := f.connect(bob.ID)

		created, err := f.groups.CreateChat(f.ctx, ChatCreateInput{
			CreatorID:     alice.ID,
			MemberIDs:     []UserID{alice.ID, bob.ID, carol.ID},
			Type:          GroupChat,
			Name:          "Trip",
			CreationAlert: "Alice created the group.",
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Len(t, created.MemberProfiles, 3)

		// persisted chat and memberships
		stored, err := f.chatStore.GetChat(f.ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.ElementsMatch(t, []UserID{alice.ID, bob.ID, carol.ID}, stored.Members)
		memberships, err := f.chatStore.ListChatMemberships(f.ctx, created.ID)
		require.NoError(t, err)
		assert.Len(t, memberships, 3)

		// live members were pulled into the room
		roomMembers := f.rooms.Members(RoomForChat(created.ID))
		assert.ElementsMatch(t, []ConnID{aliceConn, bobConn}, roomMembers)

		// both got the creation event and the alert message
		for _, connID := range []ConnID{aliceConn, bobConn} {
			assert.Len(t, f.sender.eventsOfType(connID, GroupCreatedEvent), 1)
			alerts := f.sender.eventsOfType(connID, MessageEvent)
			require.Len(t, alerts, 1)
			var alert Message
			decodePayload(t, alerts[0], &alert)
			assert.Equal(t, "Alice created the group.", alert.Text)
			assert.Equal(t, AlertMessage, alert.Type)
		}
	})

	t.Run("duplicate member ids are collapsed", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()
		seedUsers(f.ctx, f.t, f.userStore, alice, bob)

		created, err := f.groups.CreateChat(f.ctx, ChatCreateInput{
			CreatorID: alice.ID,
			MemberIDs: []UserID{alice.ID, bob.ID, alice.ID},
			Type:      GroupChat,
		})
		require.NoError(t, err)
		assert.Len(t, created.Members, 2)
	})

	t.Run("second private chat for a pair is rejected", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()
		seedUsers(f.ctx, f.t, f.userStore, alice, bob)

		_, err := f.groups.CreateChat(f.ctx, ChatCreateInput{
			CreatorID: alice.ID,
			MemberIDs: []UserID{alice.ID, bob.ID},
			Type:      PrivateChat,
		})
		require.NoError(t, err)

		// same pair in the other order
		_, err = f.groups.CreateChat(f.ctx, ChatCreateInput{
			CreatorID: bob.ID,
			MemberIDs: []UserID{bob.ID, alice.ID},
			Type:      PrivateChat,
		})
		assert.ErrorIs(t, err, ErrDuplicateChat)
	})

	t.Run("private chat needs exactly two members", func(t *testing.T) {
		f := NewServiceFixture(t)
		defer f.tearDown()
		seedUsers(f.ctx, f.t, f.userStore, alice)

		_, err := f.groups.CreateChat(f.ctx, ChatCreateInput{
			CreatorID: alice.ID,
			MemberIDs: []UserID{alice.ID, alice.ID},
			Type:      PrivateChat,
		})
		assert.ErrorIs(t, err, ErrInvalidUser)
	})
}

func TestGroupAddMember(t *testing.T) {
	setup := func(t *testing.T) (*ServiceFixture, ConnID) {
		f := NewServiceFixture(t)
		seedUsers(f.ctx, f.t, f.userStore, alice, bob, carol)
		seedChat(f.StoreFixture, Chat{ID: "chat-1", Type: GroupChat, Members: []UserID{alice.ID, bob.ID}}, time.Now().Add(-time.Hour))
		aliceConn := f.connect(alice.ID)
		f.sender.reset()
		return f, aliceConn
	}

	t.Run("member joins with alert and group update", func(t *testing.T) {
		f, aliceConn := setup(t)
		defer f.tearDown()

		require.NoError(t, f.groups.AddMember(f.ctx, carol.ID, "chat-1", "Alice"))

		// persisted on both sides of the dual write
		m, err := f.chatStore.GetMembership(f.ctx, carol.ID, "chat-1")
		require.NoError(t, err)
		require.NotNil(t, m)
		chat, err := f.chatStore.GetChat(f.ctx, "chat-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []UserID{alice.ID, bob.ID, carol.ID}, chat.Members)

		alerts := f.sender.eventsOfType(aliceConn, MessageEvent)
		require.Len(t, alerts, 1)
		var alert Message
		decodePayload(t, alerts[0], &alert)
		assert.Equal(t, "Alice added Carol Chen.", alert.Text)

		updates := f.sender.eventsOfType(aliceConn, GroupUpdateEvent)
		require.Len(t, updates, 1)
		var update GroupUpdate
		decodePayload(t, updates[0], &update)
		assert.Equal(t, GroupUpdateUserJoin, update.Type)
		assert.Equal(t, carol.ID, update.UserID)
		require.NotNil(t, update.UserInfo)
		assert.Equal(t, carol.ID, update.UserInfo.ID)
	})

	t.Run("online joiner is pulled into the room", func(t *testing.T) {
		f, _ := setup(t)
		defer f.tearDown()
		carolConn := f.connect(carol.ID)

		require.NoError(t, f.groups.AddMember(f.ctx, carol.ID, "chat-1", "Alice"))

		assert.Contains(t, f.rooms.Members(RoomForChat("chat-1")), carolConn)
	})

	t.Run("adding an existing member is a no-op", func(t *testing.T) {
		f, aliceConn := setup(t)
		defer f.tearDown()

		require.NoError(t, f.groups.AddMember(f.ctx, carol.ID, "chat-1", "Alice"))
		f.sender.reset()

		require.NoError(t, f.groups.AddMember(f.ctx, carol.ID, "chat-1", "Alice"))

		// no second alert, no second update, no duplicate in the member list
		assert.Empty(t, f.sender.eventsFor(aliceConn))
		chat, err := f.chatStore.GetChat(f.ctx, "chat-1")
		require.NoError(t, err)
		assert.Len(t, chat.Members, 3)
	})

	t.Run("unknown chat", func(t *testing.T) {
		f, _ := setup(t)
		defer f.tearDown()

		err := f.groups.AddMember(f.ctx, carol.ID, "missing", "Alice")
		assert.ErrorIs(t, err, ErrInvalidChat)
	})
}

func TestGroupRemoveMember(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob)
	seedChat(f.StoreFixture, Chat{ID: "chat-1", Type: GroupChat, Members: []UserID{alice.ID, bob.ID}}, time.Now().Add(-time.Hour))
	aliceConn := f.connect(alice.ID)
	bobConn := f.connect(bob.ID)
	f.sender.reset()

	require.NoError(t, f.groups.RemoveMember(f.ctx, bob.ID, "chat-1"))

	m, err := f.chatStore.GetMembership(f.ctx, bob.ID, "chat-1")
	require.NoError(t, err)
	assert.Nil(t, m)
	chat, err := f.chatStore.GetChat(f.ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, []UserID{alice.ID}, chat.Members)

	// the departure alert and update were delivered before the leave
	alerts := f.sender.eventsOfType(bobConn, MessageEvent)
	require.Len(t, alerts, 1)
	var alert Message
	decodePayload(t, alerts[0], &alert)
	assert.Equal(t, "Bob Barker has left the chat.", alert.Text)

	updates := f.sender.eventsOfType(aliceConn, GroupUpdateEvent)
	require.Len(t, updates, 1)
	var update GroupUpdate
	decodePayload(t, updates[0], &update)
	assert.Equal(t, GroupUpdateUserLeave, update.Type)
	assert.Equal(t, bob.ID, update.UserID)

	// the departed connection is out of the room
	assert.NotContains(t, f.rooms.Members(RoomForChat("chat-1")), bobConn)
}

func TestGroupEditChat(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob)
	seedChat(f.StoreFixture, Chat{ID: "chat-1", Name: "old", Type: GroupChat, Members: []UserID{alice.ID, bob.ID}}, time.Now().Add(-time.Hour))
	bobConn := f.connect(bob.ID)
	f.sender.reset()

	err := f.groups.EditChat(f.ctx, ChatEditInput{
		ChatID:     "chat-1",
		Name:       "new name",
		EditorName: "Alice",
	})
	require.NoError(t, err)

	chat, err := f.chatStore.GetChat(f.ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "new name", chat.Name)

	alerts := f.sender.eventsOfType(bobConn, MessageEvent)
	require.Len(t, alerts, 1)
	var alert Message
	decodePayload(t, alerts[0], &alert)
	assert.Equal(t, "Alice updated group info.", alert.Text)

	assert.Len(t, f.sender.eventsOfType(bobConn, EditGroupEvent), 1)
}

func TestGroupDeleteChat(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob)
	seedChat(f.StoreFixture, Chat{ID: "chat-1", Type: PrivateChat, Members: []UserID{alice.ID, bob.ID}}, time.Now().Add(-time.Hour))
	aliceConn := f.connect(alice.ID)
	bobConn := f.connect(bob.ID)
	f.sender.reset()

	require.NoError(t, f.groups.DeleteChat(f.ctx, "chat-1", []UserID{alice.ID, bob.ID}))

	chat, err := f.chatStore.GetChat(f.ctx, "chat-1")
	require.NoError(t, err)
	assert.Nil(t, chat)
	for _, userID := range []UserID{alice.ID, bob.ID} {
		m, err := f.chatStore.GetMembership(f.ctx, userID, "chat-1")
		require.NoError(t, err)
		assert.Nil(t, m)
	}

	// both live members heard about the deletion, then left the room
	for _, connID := range []ConnID{aliceConn, bobConn} {
		assert.Len(t, f.sender.eventsOfType(connID, DeleteChatEvent), 1)
	}
	assert.Empty(t, f.rooms.Members(RoomForChat("chat-1")))
}

func TestRejoinRooms(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob)
	now := time.Now()
	seedChat(f.StoreFixture, Chat{ID: "chat-1", Type: PrivateChat, Members: []UserID{alice.ID, bob.ID}}, now)
	seedChat(f.StoreFixture, Chat{ID: "chat-2", Type: GroupChat, Members: []UserID{alice.ID}}, now.Add(time.Minute))

	chats, err := f.groups.RejoinRooms(f.ctx, "conn-1", alice.ID)
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	assert.Contains(t, f.rooms.Members(RoomForChat("chat-1")), ConnID("conn-1"))
	assert.Contains(t, f.rooms.Members(RoomForChat("chat-2")), ConnID("conn-1"))
}

func TestOnlineMembers(t *testing.T) {
	f := NewServiceFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob, carol)
	now := time.Now()
	seedChat(f.StoreFixture, Chat{ID: "chat-1", Type: PrivateChat, Members: []UserID{alice.ID, bob.ID}}, now)
	seedChat(f.StoreFixture, Chat{ID: "chat-2", Type: GroupChat, Members: []UserID{alice.ID, bob.ID, carol.ID}}, now)

	f.connect(alice.ID)
	f.connect(bob.ID)
	// carol stays offline

	online, err := f.groups.OnlineMembers(f.ctx, alice.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []UserID{alice.ID, bob.ID}, online)
}
