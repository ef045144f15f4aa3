package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatd/internal/model"
)

// EventKind is the "type" tag of an outbound frame.
type EventKind string

const (
	KindChatMessage   EventKind = "chat_message"
	KindMemberAdded   EventKind = "member_added"
	KindMemberRemoved EventKind = "member_removed"
)

// Event is an outbound broadcast. The set of variants is closed: only the
// types in this file implement it.
type Event interface {
	Kind() EventKind
	event()
}

// ChatMessage announces a persisted message.
type ChatMessage struct {
	Message model.Message
}

// MemberAdded announces that a user joined a group chat.
type MemberAdded struct {
	ChatID   uuid.UUID
	UserID   string
	Username string
}

// MemberRemoved announces that a user left a group chat.
type MemberRemoved struct {
	ChatID uuid.UUID
	UserID string
}

func (ChatMessage) Kind() EventKind   { return KindChatMessage }
func (MemberAdded) Kind() EventKind   { return KindMemberAdded }
func (MemberRemoved) Kind() EventKind { return KindMemberRemoved }

func (ChatMessage) event()   {}
func (MemberAdded) event()   {}
func (MemberRemoved) event() {}

type chatMessageFrame struct {
	Type      EventKind `json:"type"`
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	SenderID  string    `json:"sender_id"`
	ChatID    string    `json:"chat_id"`
	CreatedAt string    `json:"created_at"`
}

type memberFrame struct {
	Type     EventKind `json:"type"`
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
}

// Encode renders an event as a JSON text frame.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ChatMessage:
		return json.Marshal(chatMessageFrame{
			Type:      KindChatMessage,
			ID:        e.Message.ID,
			Message:   e.Message.Content,
			SenderID:  e.Message.SenderID,
			ChatID:    e.Message.ChatID.String(),
			CreatedAt: e.Message.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	case MemberAdded:
		return json.Marshal(memberFrame{
			Type:     KindMemberAdded,
			ChatID:   e.ChatID.String(),
			UserID:   e.UserID,
			Username: e.Username,
		})
	case MemberRemoved:
		return json.Marshal(memberFrame{
			Type:   KindMemberRemoved,
			ChatID: e.ChatID.String(),
			UserID: e.UserID,
		})
	default:
		return nil, fmt.Errorf("hub: unknown event %T", ev)
	}
}
