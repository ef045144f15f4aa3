package hub

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterDeregister(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zerolog.Nop())
	chat := uuid.New()
	c := newConn(chat, "alice", 0)

	req.NoError(r.Register(chat, c))
	req.Contains(r.MembersOf(chat), Conn(c))
	req.Equal(1, r.Count())
	req.Equal(1, r.ChatCount())

	req.True(r.Deregister(chat, c))
	req.NotContains(r.MembersOf(chat), Conn(c))

	// Repeated deregistration never double-decrements.
	req.False(r.Deregister(chat, c))
	req.False(r.Deregister(chat, c))
	req.Equal(0, r.Count())
	req.Equal(0, r.ChatCount(), "empty chats are pruned")
}

func TestRegistry_RegisterTwiceCountsOnce(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	chat := uuid.New()
	c := newConn(chat, "alice", 0)

	require.NoError(t, r.Register(chat, c))
	require.NoError(t, r.Register(chat, c))
	require.Equal(t, 1, r.Count())
	require.Len(t, r.MembersOf(chat), 1)
}

func TestRegistry_MembersOfUnknownChat(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	members := r.MembersOf(uuid.New())
	require.NotNil(t, members)
	require.Empty(t, members)
}

func TestRegistry_MembersOfIsSnapshot(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	chat := uuid.New()
	a, b := newConn(chat, "alice", 0), newConn(chat, "bob", 0)
	require.NoError(t, r.Register(chat, a))

	snapshot := r.MembersOf(chat)
	require.NoError(t, r.Register(chat, b))
	snapshot[0] = nil

	require.Len(t, snapshot, 1)
	require.ElementsMatch(t, []Conn{a, b}, r.MembersOf(chat))
}

func TestRegistry_ChatsAreIsolated(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c1, c2 := uuid.New(), uuid.New()
	a, b := newConn(c1, "alice", 0), newConn(c2, "bob", 0)
	require.NoError(t, r.Register(c1, a))
	require.NoError(t, r.Register(c2, b))

	require.Equal(t, []Conn{a}, r.MembersOf(c1))
	require.Equal(t, []Conn{b}, r.MembersOf(c2))
	require.False(t, r.Deregister(c2, a))
	require.Equal(t, 2, r.Count())
}

func TestRegistry_ConnsForUser(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	chat := uuid.New()
	tab1, tab2, other := newConn(chat, "alice", 0), newConn(chat, "alice", 0), newConn(chat, "bob", 0)
	for _, c := range []Conn{tab1, tab2, other} {
		require.NoError(t, r.Register(chat, c))
	}

	require.ElementsMatch(t, []Conn{tab1, tab2}, r.ConnsForUser(chat, "alice"))
	require.Empty(t, r.ConnsForUser(chat, "carol"))
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	chats := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chat := chats[i%len(chats)]
			c := newConn(chat, "u", 0)
			assert.NoError(t, r.Register(chat, c))
			assert.Contains(t, r.MembersOf(chat), Conn(c))
			assert.True(t, r.Deregister(chat, c))
			assert.False(t, r.Deregister(chat, c))
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, r.Count())
	for _, chat := range chats {
		require.Empty(t, r.MembersOf(chat))
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(zerolog.Nop())
	c1, c2 := uuid.New(), uuid.New()
	a, b := newConn(c1, "alice", 0), newConn(c2, "bob", 0)
	req.NoError(r.Register(c1, a))
	req.NoError(r.Register(c2, b))

	req.Equal(2, r.Shutdown(CloseGoingAway, ReasonShutdown))
	req.Equal(0, r.Count())
	req.Empty(r.MembersOf(c1))

	for _, c := range []*fakeConn{a, b} {
		closed, code, reason := c.Closed()
		req.True(closed)
		req.Equal(CloseGoingAway, code)
		req.Equal(ReasonShutdown, reason)
	}

	req.ErrorIs(r.Register(c1, newConn(c1, "carol", 0)), ErrRegistryClosed)
	req.False(r.Deregister(c1, a))
	req.Zero(r.Shutdown(CloseGoingAway, ReasonShutdown))
}
