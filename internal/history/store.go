// Package history persists chat sessions and messages and pushes every
// message insert to subscribers.
package history

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id is unknown to the store.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence and push boundary used by the conversation engine.
type Store interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	// ListSessions returns the owner's sessions, most recently created first.
	ListSessions(ctx context.Context, owner string) ([]Session, error)
	SetFirstMessage(ctx context.Context, sessionID, label string) error
	// AppendMessage stores msg and returns it with its durable ID.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// ListMessages returns a session's messages in ascending time order.
	// Malformed rows are skipped.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	// Subscribe registers fn for every message insert. The returned func
	// cancels the subscription.
	Subscribe(fn func(Message)) (cancel func())
}
