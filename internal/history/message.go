package history

import (
	"errors"
	"time"
)

// ErrMalformedRecord marks a stored or pushed record missing required fields.
var ErrMalformedRecord = errors.New("malformed persisted record")

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents a single conversational message.
// ID is the durable store identifier and stays empty until the store has
// accepted the message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// IsBot mirrors the persisted is_bot column.
func (m Message) IsBot() bool { return m.Role == RoleAssistant }

// Validate checks the fields every persisted record must carry.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return errors.Join(ErrMalformedRecord, errors.New("missing id"))
	case m.SessionID == "":
		return errors.Join(ErrMalformedRecord, errors.New("missing session_id"))
	case m.Owner == "":
		return errors.Join(ErrMalformedRecord, errors.New("missing owner"))
	case !m.Role.Valid():
		return errors.Join(ErrMalformedRecord, errors.New("unknown role"))
	case m.CreatedAt.IsZero():
		return errors.Join(ErrMalformedRecord, errors.New("missing created_at"))
	}
	return nil
}

// Session is one conversation owned by a single user. FirstMessage is a
// denormalized display label and the only field that changes after creation.
type Session struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	CreatedAt    time.Time `json:"created_at"`
	FirstMessage string    `json:"first_message"`
}
