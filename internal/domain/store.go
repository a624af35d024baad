package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by CreateMessage when the id already exists.
	ErrConflict = errors.New("already exists")
)

// StatusExtra carries attributes written together with a status transition.
type StatusExtra struct {
	ProviderMessageID string
	Error             string
}

// Store is the persistence boundary for conversations, messages, and
// credentials. Entity storage lives outside this pipeline; workers talk to it
// only through this interface.
//
// UpdateMessageStatus is a conditional write: it applies next only while the
// message's current status is in expect, and reports whether a row was
// updated. A store-backed implementation maps this to a compare-and-set on the
// status column, which is what keeps the no-downgrade invariant intact when
// two workers race on the same message.
type Store interface {
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	CreateMessage(ctx context.Context, m *Message) error
	UpdateMessageStatus(ctx context.Context, id string, expect []Status, next Status, extra StatusExtra) (bool, error)

	GetOrCreateConversation(ctx context.Context, tenantID, contactPhone string) (*Conversation, error)

	GetActiveCredential(ctx context.Context, tenantID, phoneNumberID string) (*Credential, error)
	InvalidateCredential(ctx context.Context, id, reason string) error
}
