package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatd/internal/model"
)

// MemoryStore keeps everything in process memory. It backs development runs
// without DATABASE_URL and most tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]model.User
	chats    map[uuid.UUID]model.Chat
	members  map[uuid.UUID]map[string]model.Membership
	messages map[uuid.UUID][]model.Message
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]model.User),
		chats:    make(map[uuid.UUID]model.Chat),
		members:  make(map[uuid.UUID]map[string]model.Membership),
		messages: make(map[uuid.UUID][]model.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// CreateUser adds a user with a fresh identifier.
func (s *MemoryStore) CreateUser(_ context.Context, username, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := model.User{ID: uuid.NewString(), Username: username, Email: email}
	s.users[u.ID] = u
	return &u, nil
}

// PutUser inserts or replaces a user with a caller-chosen identifier.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Seed adds users from "id:username" or "username" specs, skipping blanks.
// Bare usernames get a fresh id. Seeded users have a username@localhost
// email. It returns the users in spec order.
func (s *MemoryStore) Seed(specs []string) ([]model.User, error) {
	users := make([]model.User, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		id, username, found := strings.Cut(spec, ":")
		if !found {
			id, username = uuid.NewString(), id
		}
		id, username = strings.TrimSpace(id), strings.TrimSpace(username)
		if id == "" || username == "" {
			return nil, fmt.Errorf("invalid seed user %q: want id:username or username", spec)
		}
		u := model.User{ID: id, Username: username, Email: username + "@localhost"}
		s.PutUser(u)
		users = append(users, u)
	}
	return users, nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &u, nil
}

// CreatePrivateChat returns the existing private chat between the two users,
// or creates one with exactly two memberships. The bool is true when a chat
// was created.
func (s *MemoryStore) CreatePrivateChat(_ context.Context, userID, otherUserID string) (*model.Chat, bool, error) {
	if userID == otherUserID {
		return nil, false, model.ErrSelfChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[otherUserID]; !ok {
		return nil, false, model.ErrNotFound
	}

	for id, chat := range s.chats {
		if chat.IsGroup {
			continue
		}
		m := s.members[id]
		_, a := m[userID]
		_, b := m[otherUserID]
		if a && b {
			return &chat, false, nil
		}
	}

	now := s.now()
	chat := model.Chat{ID: uuid.New(), IsGroup: false, CreatedAt: now}
	s.chats[chat.ID] = chat
	s.members[chat.ID] = map[string]model.Membership{
		userID:      {ChatID: chat.ID, UserID: userID, JoinedAt: now},
		otherUserID: {ChatID: chat.ID, UserID: otherUserID, JoinedAt: now},
	}
	return &chat, true, nil
}

// CreateGroupChat creates a named group. The owner is always a member and
// duplicate member IDs are collapsed.
func (s *MemoryStore) CreateGroupChat(_ context.Context, name, ownerID string, memberIDs []string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := lo.Uniq(append([]string{ownerID}, memberIDs...))
	for _, id := range ids {
		if _, ok := s.users[id]; !ok {
			return nil, model.ErrNotFound
		}
	}

	now := s.now()
	chat := model.Chat{ID: uuid.New(), IsGroup: true, Name: &name, CreatedAt: now}
	s.chats[chat.ID] = chat
	s.members[chat.ID] = make(map[string]model.Membership, len(ids))
	for _, id := range ids {
		s.members[chat.ID][id] = model.Membership{ChatID: chat.ID, UserID: id, JoinedAt: now}
	}
	return &chat, nil
}

// GetChat retrieves a chat by ID.
func (s *MemoryStore) GetChat(_ context.Context, chatID uuid.UUID) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &chat, nil
}

// ListChatsForUser returns the chats the user belongs to, newest first.
func (s *MemoryStore) ListChatsForUser(_ context.Context, userID string) ([]model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Chat
	for id, m := range s.members {
		if _, ok := m[userID]; ok {
			out = append(out, s.chats[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListMembers returns the users of a chat ordered by join time.
func (s *MemoryStore) ListMembers(_ context.Context, chatID uuid.UUID) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, model.ErrNotFound
	}
	memberships := lo.Values(s.members[chatID])
	sort.Slice(memberships, func(i, j int) bool {
		if memberships[i].JoinedAt.Equal(memberships[j].JoinedAt) {
			return memberships[i].UserID < memberships[j].UserID
		}
		return memberships[i].JoinedAt.Before(memberships[j].JoinedAt)
	})
	return lo.Map(memberships, func(m model.Membership, _ int) model.User {
		return s.users[m.UserID]
	}), nil
}

// MembershipExists reports whether the user currently belongs to the chat.
func (s *MemoryStore) MembershipExists(_ context.Context, userID string, chatID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[chatID][userID]
	return ok, nil
}

// AddMember adds a user to a group chat. Adding an existing member is a no-op.
func (s *MemoryStore) AddMember(_ context.Context, chatID uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return model.ErrNotFound
	}
	if !chat.IsGroup {
		return model.ErrNotGroupChat
	}
	if _, ok := s.users[userID]; !ok {
		return model.ErrNotFound
	}
	if _, ok := s.members[chatID][userID]; ok {
		return nil
	}
	s.members[chatID][userID] = model.Membership{ChatID: chatID, UserID: userID, JoinedAt: s.now()}
	return nil
}

// RemoveMember removes a user from a group chat. Removing a non-member is a no-op.
func (s *MemoryStore) RemoveMember(_ context.Context, chatID uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return model.ErrNotFound
	}
	if !chat.IsGroup {
		return model.ErrNotGroupChat
	}
	delete(s.members[chatID], userID)
	return nil
}

// CreateMessage appends a message to the chat history. onCommit runs under
// the write lock, so hooks observe messages in history order.
func (s *MemoryStore) CreateMessage(_ context.Context, chatID uuid.UUID, userID, text string, onCommit CommitFunc) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, model.ErrNotFound
	}
	if _, ok := s.members[chatID][userID]; !ok {
		return nil, ErrNotMember
	}

	now := s.now()
	history := s.messages[chatID]
	if n := len(history); n > 0 && now.Before(history[n-1].CreatedAt) {
		now = history[n-1].CreatedAt
	}
	msg := model.Message{
		ID:        ulid.Make().String(),
		ChatID:    chatID,
		SenderID:  userID,
		Content:   text,
		CreatedAt: now,
	}
	// Appending under the write lock keeps history sorted.
	s.messages[chatID] = append(history, msg)
	if onCommit != nil {
		onCommit(msg)
	}
	return &msg, nil
}

// ListMessages returns chat history in ascending order.
func (s *MemoryStore) ListMessages(_ context.Context, chatID uuid.UUID, opts ListOptions) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, model.ErrNotFound
	}

	msgs := s.messages[chatID]
	if !opts.Before.IsZero() {
		msgs = lo.Filter(msgs, func(m model.Message, _ int) bool { return m.CreatedAt.Before(opts.Before) })
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// LastMessage returns the most recent message, or nil when the chat is empty.
func (s *MemoryStore) LastMessage(_ context.Context, chatID uuid.UUID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[chatID]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}
