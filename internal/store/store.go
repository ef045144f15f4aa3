// Package store is the persistence layer for users, chats, memberships and
// messages. MemoryStore and PostgresStore both implement Store.
package store

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_store.go -package=mocks github.com/Tyrowin/chatd/internal/store Store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatd/internal/model"
)

// ErrNotMember is returned by CreateMessage when the sender does not belong
// to the chat at write time.
var ErrNotMember = errors.New("sender is not a member of the chat")

// CommitFunc observes a message once it is durable. Stores call it before
// the next message of the same chat can commit, so hooks for one chat run in
// history order. It must not block or call back into the store.
type CommitFunc func(model.Message)

// ListOptions bounds a history query. A zero Limit returns everything; a zero
// Before returns the newest page.
type ListOptions struct {
	Limit  int
	Before time.Time
}

// Store defines the interface for persistent storage of chats and messages.
type Store interface {
	// Connection management
	Ping(ctx context.Context) error
	Close()

	// Users
	CreateUser(ctx context.Context, username, email string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	// Chats and memberships
	CreatePrivateChat(ctx context.Context, userID, otherUserID string) (*model.Chat, bool, error)
	CreateGroupChat(ctx context.Context, name, ownerID string, memberIDs []string) (*model.Chat, error)
	GetChat(ctx context.Context, chatID uuid.UUID) (*model.Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]model.Chat, error)
	ListMembers(ctx context.Context, chatID uuid.UUID) ([]model.User, error)
	MembershipExists(ctx context.Context, userID string, chatID uuid.UUID) (bool, error)
	AddMember(ctx context.Context, chatID uuid.UUID, userID string) error
	RemoveMember(ctx context.Context, chatID uuid.UUID, userID string) error

	// Messages
	// CreateMessage persists text and, when onCommit is non-nil, runs it
	// inside the chat's write order.
	CreateMessage(ctx context.Context, chatID uuid.UUID, userID, text string, onCommit CommitFunc) (*model.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, opts ListOptions) ([]model.Message, error)
	LastMessage(ctx context.Context, chatID uuid.UUID) (*model.Message, error)
}
