package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChat(t *testing.T) {
	t.Run("create and read back", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()
		seedUsers(f.ctx, f.t, f.userStore, alice, bob)

		chat := Chat{
			ID:          "chat-1",
			Name:        "Weekend plans",
			Type:        GroupChat,
			Description: "trip planning",
			Members:     []UserID{alice.ID, bob.ID},
		}
		require.NoError(t, f.chatStore.CreateChat(f.ctx, chat))

		got, err := f.chatStore.GetChat(f.ctx, "chat-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, chat, *got)
	})

	t.Run("unknown chat returns nil", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		got, err := f.chatStore.GetChat(f.ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestFindPrivateChat(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob, carol)

	private := Chat{ID: "chat-private", Type: PrivateChat, Members: []UserID{alice.ID, bob.ID}}
	require.NoError(t, f.chatStore.CreateChat(f.ctx, private))
	group := Chat{ID: "chat-group", Type: GroupChat, Members: []UserID{alice.ID, bob.ID, carol.ID}}
	require.NoError(t, f.chatStore.CreateChat(f.ctx, group))

	t.Run("matches the pair regardless of order", func(t *testing.T) {
		got, err := f.chatStore.FindPrivateChat(f.ctx, bob.ID, alice.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "chat-private", got.ID)
	})

	t.Run("group chats never match", func(t *testing.T) {
		got, err := f.chatStore.FindPrivateChat(f.ctx, alice.ID, carol.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestUpdateChatInfo(t *testing.T) {
	t.Run("update existing chat", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()
		chat := Chat{ID: "chat-1", Name: "old", Type: GroupChat, Members: []UserID{alice.ID}}
		require.NoError(t, f.chatStore.CreateChat(f.ctx, chat))

		err := f.chatStore.UpdateChatInfo(f.ctx, "chat-1", "new", "desc", "pic")
		require.NoError(t, err)

		got, err := f.chatStore.GetChat(f.ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Name)
		assert.Equal(t, "desc", got.Description)
		assert.Equal(t, "pic", got.Profile)
	})

	t.Run("unknown chat", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		err := f.chatStore.UpdateChatInfo(f.ctx, "missing", "n", "d", "p")
		assert.ErrorIs(t, err, ErrInvalidChat)
	})
}

func TestMemberships(t *testing.T) {
	t.Run("duplicate membership", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		m := Membership{UserID: alice.ID, ChatID: "chat-1", JoinedAt: time.Now()}
		require.NoError(t, f.chatStore.CreateMembership(f.ctx, m))

		err := f.chatStore.CreateMembership(f.ctx, m)
		assert.ErrorIs(t, err, ErrDuplicateMembership)
	})

	t.Run("get missing membership returns nil", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		got, err := f.chatStore.GetMembership(f.ctx, alice.ID, "chat-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete membership", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		m := Membership{UserID: alice.ID, ChatID: "chat-1", JoinedAt: time.Now()}
		require.NoError(t, f.chatStore.CreateMembership(f.ctx, m))
		require.NoError(t, f.chatStore.DeleteMembership(f.ctx, alice.ID, "chat-1"))

		got, err := f.chatStore.GetMembership(f.ctx, alice.ID, "chat-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list by chat and by user", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()
		now := time.Now()
		seedChat(f, Chat{ID: "chat-1", Type: GroupChat, Members: []UserID{alice.ID, bob.ID}}, now)
		seedChat(f, Chat{ID: "chat-2", Type: GroupChat, Members: []UserID{alice.ID}}, now.Add(time.Minute))

		byChat, err := f.chatStore.ListChatMemberships(f.ctx, "chat-1")
		require.NoError(t, err)
		assert.Len(t, byChat, 2)

		byUser, err := f.chatStore.ListUserMemberships(f.ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, byUser, 2)
		assert.Equal(t, "chat-1", byUser[0].ChatID)
		assert.Equal(t, "chat-2", byUser[1].ChatID)
	})
}

func TestListUserChats(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob, carol)
	now := time.Now()
	seedChat(f, Chat{ID: "chat-1", Type: PrivateChat, Members: []UserID{alice.ID, bob.ID}}, now)
	seedChat(f, Chat{ID: "chat-2", Type: GroupChat, Members: []UserID{bob.ID, carol.ID}}, now)

	chats, err := f.chatStore.ListUserChats(f.ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "chat-1", chats[0].ID)
	require.Len(t, chats[0].MemberProfiles, 2)

	ids := []UserID{chats[0].MemberProfiles[0].ID, chats[0].MemberProfiles[1].ID}
	assert.ElementsMatch(t, []UserID{alice.ID, bob.ID}, ids)
}

func TestReconcileChatMembers(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()
	seedUsers(f.ctx, f.t, f.userStore, alice, bob)
	now := time.Now()
	seedChat(f, Chat{ID: "chat-1", Type: GroupChat, Members: []UserID{alice.ID}}, now)

	// membership row written but the member list update never happened
	m := Membership{UserID: bob.ID, ChatID: "chat-1", JoinedAt: now.Add(time.Second)}
	require.NoError(t, f.chatStore.CreateMembership(f.ctx, m))

	before, err := f.chatStore.GetChat(f.ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, []UserID{alice.ID}, before.Members)

	require.NoError(t, f.chatStore.ReconcileChatMembers(f.ctx, "chat-1"))

	after, err := f.chatStore.GetChat(f.ctx, "chat-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []UserID{alice.ID, bob.ID}, after.Members)
}
