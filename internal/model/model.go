// Package model defines the persisted chat entities shared by the store,
// the REST API and the realtime hub.
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a user, chat or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotGroupChat is returned when a membership mutation targets a private chat.
	ErrNotGroupChat = errors.New("chat is not a group chat")
	// ErrSelfChat is returned when a user tries to open a private chat with themselves.
	ErrSelfChat = errors.New("cannot create private chat with yourself")
	// ErrEmptyContent is returned when a message has no text after trimming.
	ErrEmptyContent = errors.New("message content is empty")
)

// User is the identity a bearer token resolves to.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Chat is either a private conversation between exactly two users or a named group.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	IsGroup   bool      `json:"is_group"`
	Name      *string   `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership records that a user belongs to a chat.
type Membership struct {
	ChatID   uuid.UUID `json:"chat_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is immutable once created. Messages of a chat are ordered by
// CreatedAt, then ID.
type Message struct {
	ID        string    `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName mirrors how chats are labelled when no name was given.
func (c Chat) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return "Chat " + c.ID.String()
}
