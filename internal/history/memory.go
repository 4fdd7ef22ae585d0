package history

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. It is the fallback when SQLite is
// unavailable and the default store in tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session
	messages []Message
	seq      int64
	broker   *Broker
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		broker:   NewBroker(),
		now:      time.Now,
	}
}

func (m *Memory) CreateSession(_ context.Context, s Session) (Session, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		return existing, nil
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *Memory) ListSessions(_ context.Context, owner string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) SetFirstMessage(_ context.Context, sessionID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.FirstMessage == "" {
		s.FirstMessage = label
		m.sessions[sessionID] = s
	}
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg Message) (Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.mu.Lock()
	m.seq++
	msg.ID = strconv.FormatInt(m.seq, 10)
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.broker.Publish(msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SessionID != sessionID || msg.Validate() != nil {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Subscribe(fn func(Message)) func() {
	return m.broker.Subscribe(fn)
}
