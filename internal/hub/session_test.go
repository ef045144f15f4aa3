package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/chatd/internal/authz"
	"github.com/Tyrowin/chatd/internal/model"
	"github.com/Tyrowin/chatd/internal/store"
	"github.com/Tyrowin/chatd/internal/store/mocks"
)

// tokenGate accepts tokens of the form "token-<userID>" for known users.
type tokenGate struct {
	users map[string]model.User
}

func (g tokenGate) Authenticate(_ context.Context, raw string) (model.User, error) {
	for _, u := range g.users {
		if raw == "token-"+u.ID {
			return u, nil
		}
	}
	return model.User{}, errors.New("bad token")
}

type failingAuthorizer struct{}

func (failingAuthorizer) IsMember(context.Context, string, uuid.UUID) (bool, error) {
	return false, errors.New("db down")
}

type fixture struct {
	store    *store.MemoryStore
	registry *Registry
	cfg      SessionConfig
	alice    model.User
	bob      model.User
	dave     model.User
	chat     uuid.UUID
}

// newFixture seeds a private chat between alice and bob; dave is not a member.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	seed := func(name string) model.User {
		u, err := st.CreateUser(ctx, name, name+"@example.com")
		require.NoError(t, err)
		return *u
	}
	alice, bob, dave := seed("alice"), seed("bob"), seed("dave")

	chat, _, err := st.CreatePrivateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	reg := NewRegistry(zerolog.Nop())
	return &fixture{
		store:    st,
		registry: reg,
		cfg: SessionConfig{
			Gate:       tokenGate{users: map[string]model.User{alice.ID: alice, bob.ID: bob, dave.ID: dave}},
			Authorizer: authz.NewStoreAuthorizer(st),
			Messages:   st,
			Registry:   reg,
			Router:     NewRouter(reg, zerolog.Nop()),
			Logger:     zerolog.Nop(),
		},
		alice: alice,
		bob:   bob,
		dave:  dave,
		chat:  chat.ID,
	}
}

func (f *fixture) open(t *testing.T, user model.User) (*Session, *fakeTransport) {
	t.Helper()
	tr := newTransport(0)
	s := NewSession(f.cfg, tr, f.chat)
	require.NoError(t, s.Open(context.Background(), "token-"+user.ID))
	require.Equal(t, StateSubscribed, s.State())
	return s, tr
}

func TestSession_MessageReachesBothMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)
	_, bTr := f.open(t, f.bob)

	req.NoError(a.Receive(context.Background(), []byte(`{"message": "hi"}`)))

	aFrames, bFrames := decodeFrames(t, aTr), decodeFrames(t, bTr)
	req.Len(aFrames, 1, "sender receives its own message")
	req.Len(bFrames, 1)
	req.Equal(aFrames[0], bFrames[0])

	frame := aFrames[0]
	req.Equal("chat_message", frame["type"])
	req.Equal("hi", frame["message"])
	req.Equal(f.alice.ID, frame["sender_id"])
	req.Equal(f.chat.String(), frame["chat_id"])

	history, err := f.store.ListMessages(context.Background(), f.chat, store.ListOptions{})
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(history[0].ID, frame["id"])
	req.Equal(history[0].CreatedAt.UTC().Format(time.RFC3339Nano), frame["created_at"])
}

func TestSession_BlankMessageIsDropped(t *testing.T) {
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)
	_, bTr := f.open(t, f.bob)

	require.NoError(t, a.Receive(context.Background(), []byte(`{"message":"   "}`)))

	history, err := f.store.ListMessages(context.Background(), f.chat, store.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, history)
	require.Empty(t, aTr.Frames())
	require.Empty(t, bTr.Frames())
}

func TestSession_MessageIsTrimmed(t *testing.T) {
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)

	require.NoError(t, a.Receive(context.Background(), []byte(`{"message":"  hello \n"}`)))
	require.Equal(t, "hello", decodeFrames(t, aTr)[0]["message"])
}

func TestSession_MalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)

	err := a.Receive(context.Background(), []byte(`{"message": 7}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.Equal(t, StateSubscribed, a.State())
	require.Empty(t, aTr.Frames())
	closed, _, _ := aTr.Closed()
	require.False(t, closed)
}

func TestSession_UnauthenticatedNeverRegisters(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	tr := newTransport(0)
	s := NewSession(f.cfg, tr, f.chat)

	err := s.Open(context.Background(), "forged")
	req.ErrorIs(err, ErrUnauthenticated)
	req.Equal(StateClosed, s.State())
	req.Empty(f.registry.MembersOf(f.chat))

	closed, code, reason := tr.Closed()
	req.True(closed)
	req.Equal(CloseUnauthenticated, code)
	req.Equal(ReasonUnauthenticated, reason)
}

func TestSession_NonMemberIsForbidden(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	tr := newTransport(0)
	s := NewSession(f.cfg, tr, f.chat)

	err := s.Open(context.Background(), "token-"+f.dave.ID)
	req.ErrorIs(err, ErrForbidden)
	req.Equal(StateClosed, s.State())
	req.Empty(f.registry.MembersOf(f.chat))

	_, code, reason := tr.Closed()
	req.Equal(CloseForbidden, code)
	req.Equal(ReasonForbidden, reason)
}

func TestSession_AuthorizerErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.cfg.Authorizer = failingAuthorizer{}
	tr := newTransport(0)
	s := NewSession(f.cfg, tr, f.chat)

	err := s.Open(context.Background(), "token-"+f.alice.ID)
	require.ErrorIs(t, err, ErrForbidden)
	require.Empty(t, f.registry.MembersOf(f.chat))
	_, code, _ := tr.Closed()
	require.Equal(t, CloseForbidden, code)
}

func TestSession_PersistenceFailureGoesToSenderOnly(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockStore(ctrl)
	f.cfg.Messages = messages

	a, aTr := f.open(t, f.alice)
	_, bTr := f.open(t, f.bob)

	messages.EXPECT().
		CreateMessage(gomock.Any(), f.chat, f.alice.ID, "hi", gomock.Any()).
		Return(nil, errors.New("disk full"))

	err := a.Receive(context.Background(), []byte(`{"message":"hi"}`))
	req.ErrorIs(err, ErrPersistence)
	req.Equal(StateSubscribed, a.State())

	frames := decodeFrames(t, aTr)
	req.Len(frames, 1)
	req.Equal("error", frames[0]["type"])
	req.Equal(ErrorCodePersistence, frames[0]["code"])
	req.Empty(bTr.Frames())
}

func TestSession_UnqueueableErrorFrameDropsConnection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockStore(ctrl)
	f.cfg.Messages = messages

	tr := newTransport(1)
	a := NewSession(f.cfg, tr, f.chat)
	req.NoError(a.Open(context.Background(), "token-"+f.alice.ID))
	req.True(tr.Enqueue([]byte(`{"type":"backlog"}`)))

	messages.EXPECT().
		CreateMessage(gomock.Any(), f.chat, f.alice.ID, "hi", gomock.Any()).
		Return(nil, errors.New("disk full"))

	req.ErrorIs(a.Receive(context.Background(), []byte(`{"message":"hi"}`)), ErrPersistence)
	req.Equal(StateClosed, a.State())
	req.Zero(f.registry.Count())
	_, code, reason := tr.Closed()
	req.Equal(CloseSlowConsumer, code)
	req.Equal(ReasonSlowConsumer, reason)
}

func TestSession_RemovedMemberGetsForbiddenFrame(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockStore(ctrl)
	f.cfg.Messages = messages
	a, aTr := f.open(t, f.alice)

	messages.EXPECT().
		CreateMessage(gomock.Any(), f.chat, f.alice.ID, "hi", gomock.Any()).
		Return(nil, fmt.Errorf("create message: %w", store.ErrNotMember))

	require.ErrorIs(t, a.Receive(context.Background(), []byte(`{"message":"hi"}`)), store.ErrNotMember)
	require.Equal(t, ErrorCodeForbidden, decodeFrames(t, aTr)[0]["code"])
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)
	b, _ := f.open(t, f.bob)
	req.Equal(2, f.registry.Count())

	a.Close(CloseNormal, "")
	a.Close(CloseNormal, "")
	req.Equal(StateClosed, a.State())
	req.Equal(1, f.registry.Count())
	req.Equal([]Conn{b}, f.registry.MembersOf(f.chat))

	aTr.mu.Lock()
	req.Equal(1, aTr.closeCalls)
	aTr.mu.Unlock()

	req.ErrorIs(a.Receive(context.Background(), []byte(`{"message":"late"}`)), ErrNotSubscribed)
}

func TestSession_ReceiveBeforeOpen(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.cfg, newTransport(0), f.chat)
	require.ErrorIs(t, s.Receive(context.Background(), []byte(`{"message":"hi"}`)), ErrNotSubscribed)
}

func TestSession_OpenTwice(t *testing.T) {
	f := newFixture(t)
	s, _ := f.open(t, f.alice)
	require.ErrorIs(t, s.Open(context.Background(), "token-"+f.alice.ID), ErrSessionState)
	require.Equal(t, 1, f.registry.Count())
}

func TestSession_OpenAfterRegistryShutdown(t *testing.T) {
	f := newFixture(t)
	f.registry.Shutdown(CloseGoingAway, ReasonShutdown)
	tr := newTransport(0)
	s := NewSession(f.cfg, tr, f.chat)

	require.ErrorIs(t, s.Open(context.Background(), "token-"+f.alice.ID), ErrRegistryClosed)
	require.Equal(t, StateClosed, s.State())
	_, code, _ := tr.Closed()
	require.Equal(t, CloseGoingAway, code)
}

func TestSession_RegistryShutdownClosesSessions(t *testing.T) {
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)

	f.registry.Shutdown(CloseGoingAway, ReasonShutdown)

	require.Equal(t, StateClosed, a.State())
	_, code, reason := aTr.Closed()
	require.Equal(t, CloseGoingAway, code)
	require.Equal(t, ReasonShutdown, reason)
	require.Equal(t, 0, f.registry.Count())
}

func TestSession_HistoryOrderMatchesBroadcastOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)
	b, bTr := f.open(t, f.bob)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}
		req.NoError(sender.Receive(ctx, []byte(fmt.Sprintf(`{"message":"m%d"}`, i))))
	}

	history, err := f.store.ListMessages(ctx, f.chat, store.ListOptions{})
	req.NoError(err)
	var want []any
	for _, m := range history {
		want = append(want, m.ID)
	}

	for _, tr := range []*fakeTransport{aTr, bTr} {
		var got []any
		for _, frame := range decodeFrames(t, tr) {
			got = append(got, frame["id"])
		}
		req.Equal(want, got)
	}
}

func TestSession_ConcurrentSendersSeeSameOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a, aTr := f.open(t, f.alice)
	b, bTr := f.open(t, f.bob)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = s.Receive(ctx, []byte(fmt.Sprintf(`{"message":"%s-%d"}`, s.UserID(), i)))
			}
		}(s)
	}
	wg.Wait()

	aFrames, bFrames := decodeFrames(t, aTr), decodeFrames(t, bTr)
	req.Len(aFrames, 40)
	req.Equal(aFrames, bFrames)

	history, err := f.store.ListMessages(ctx, f.chat, store.ListOptions{})
	req.NoError(err)
	req.Len(history, 40)
	for i, m := range history {
		req.Equal(m.ID, aFrames[i]["id"], "frame %d out of commit order", i)
	}
}

// stallAfterCommit pauses one user's writer after its message is durable,
// the window where a later commit from another sender could overtake it.
type stallAfterCommit struct {
	MessageWriter
	user      string
	committed chan struct{}
}

func (w *stallAfterCommit) CreateMessage(ctx context.Context, chatID uuid.UUID, userID, text string, onCommit store.CommitFunc) (*model.Message, error) {
	m, err := w.MessageWriter.CreateMessage(ctx, chatID, userID, text, onCommit)
	if userID == w.user {
		close(w.committed)
		time.Sleep(50 * time.Millisecond)
	}
	return m, err
}

func TestSession_StalledSenderKeepsCommitOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	writer := &stallAfterCommit{MessageWriter: f.store, user: f.alice.ID, committed: make(chan struct{})}
	f.cfg.Messages = writer
	a, _ := f.open(t, f.alice)
	b, bTr := f.open(t, f.bob)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- a.Receive(ctx, []byte(`{"message":"first"}`)) }()
	<-writer.committed
	req.NoError(b.Receive(ctx, []byte(`{"message":"second"}`)))
	req.NoError(<-done)

	history, err := f.store.ListMessages(ctx, f.chat, store.ListOptions{})
	req.NoError(err)
	req.Len(history, 2)
	req.Equal("first", history[0].Content)

	frames := decodeFrames(t, bTr)
	req.Len(frames, 2)
	req.Equal(history[0].ID, frames[0]["id"])
	req.Equal(history[1].ID, frames[1]["id"])
}
