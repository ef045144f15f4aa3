package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatd/internal/model"
)

// newTestPostgres connects to TEST_DATABASE_URL or skips.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = RunMigrations(ctx, s.Pool())
	require.NoError(t, err)
	return s
}

func TestPostgresStore_ChatLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	req := require.New(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "alice@example.com")
	req.NoError(err)
	bob, err := s.CreateUser(ctx, "bob", "bob@example.com")
	req.NoError(err)
	carol, err := s.CreateUser(ctx, "carol", "carol@example.com")
	req.NoError(err)

	chat, created, err := s.CreatePrivateChat(ctx, alice.ID, bob.ID)
	req.NoError(err)
	req.True(created)

	again, created, err := s.CreatePrivateChat(ctx, bob.ID, alice.ID)
	req.NoError(err)
	req.False(created)
	req.Equal(chat.ID, again.ID)

	req.ErrorIs(s.AddMember(ctx, chat.ID, carol.ID), model.ErrNotGroupChat)

	m1, err := s.CreateMessage(ctx, chat.ID, alice.ID, "hi", nil)
	req.NoError(err)
	m2, err := s.CreateMessage(ctx, chat.ID, bob.ID, "hey", nil)
	req.NoError(err)

	_, err = s.CreateMessage(ctx, chat.ID, carol.ID, "intruder", nil)
	req.ErrorIs(err, ErrNotMember)

	history, err := s.ListMessages(ctx, chat.ID, ListOptions{})
	req.NoError(err)
	req.Len(history, 2)
	req.Equal(m1.ID, history[0].ID)
	req.Equal(m2.ID, history[1].ID)

	group, err := s.CreateGroupChat(ctx, "team", alice.ID, []string{bob.ID})
	req.NoError(err)
	req.NoError(s.AddMember(ctx, group.ID, carol.ID))
	ok, err := s.MembershipExists(ctx, carol.ID, group.ID)
	req.NoError(err)
	req.True(ok)
	req.NoError(s.RemoveMember(ctx, group.ID, carol.ID))
	ok, err = s.MembershipExists(ctx, carol.ID, group.ID)
	req.NoError(err)
	req.False(ok)

	req.ErrorIs(s.AddMember(ctx, group.ID, "ghost"), model.ErrNotFound)
}
