// Package authz answers whether a user belongs to a chat. It is consulted
// for socket admission and for every REST call scoped to a chat.
package authz

import (
	"context"

	"github.com/google/uuid"
)

// Authorizer checks chat membership.
type Authorizer interface {
	IsMember(ctx context.Context, userID string, chatID uuid.UUID) (bool, error)
}

// Invalidator drops any cached membership answer for (chat, user). Every
// add/remove-member mutation must call it.
type Invalidator interface {
	Invalidate(ctx context.Context, chatID uuid.UUID, userID string)
}

// MembershipSource is the slice of store.Store the authorizer reads.
type MembershipSource interface {
	MembershipExists(ctx context.Context, userID string, chatID uuid.UUID) (bool, error)
}

// StoreAuthorizer reads membership straight from the store on every call.
type StoreAuthorizer struct {
	source MembershipSource
}

// NewStoreAuthorizer creates an uncached authorizer.
func NewStoreAuthorizer(source MembershipSource) *StoreAuthorizer {
	return &StoreAuthorizer{source: source}
}

// IsMember reports whether userID belongs to chatID.
func (a *StoreAuthorizer) IsMember(ctx context.Context, userID string, chatID uuid.UUID) (bool, error) {
	return a.source.MembershipExists(ctx, userID, chatID)
}

// Invalidate is a no-op: nothing is cached.
func (a *StoreAuthorizer) Invalidate(context.Context, uuid.UUID, string) {}
