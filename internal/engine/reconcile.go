package engine

import (
	"context"
	"time"

	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/logger"
)

// Key is the content identity used to pair a pushed record with the
// optimistic entry it confirms.
type Key struct {
	SessionID string
	Role      history.Role
	Text      string
}

// KeyOf computes the reconciliation key of m.
func KeyOf(m history.Message) Key {
	return Key{SessionID: m.SessionID, Role: m.Role, Text: m.Text}
}

// Outcome is the result of applying one pushed record.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeMalformed
	OutcomeDuplicate
	OutcomeMatched
	OutcomeAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMalformed:
		return "malformed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeMatched:
		return "matched"
	case OutcomeAppended:
		return "appended"
	default:
		return "ignored"
	}
}

// Reconcile applies one store insert event to the session it names. It is
// safe to call any number of times with the same record.
func (e *Engine) Reconcile(msg history.Message) Outcome {
	out := e.reconcile(msg)
	e.metrics.Reconciled(context.Background(), out.String())
	logger.L.Debug("reconciled pushed message", "session_id", msg.SessionID, "message_id", msg.ID, "outcome", out.String())
	return out
}

func (e *Engine) reconcile(msg history.Message) Outcome {
	if err := msg.Validate(); err != nil {
		logger.L.Warn("skipping malformed pushed message", "error", err)
		return OutcomeMalformed
	}
	if msg.Owner != e.owner {
		return OutcomeIgnored
	}
	s := e.lookup(msg.SessionID)
	if s == nil {
		return OutcomeIgnored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log.byDurableID(msg.ID) != nil {
		return OutcomeDuplicate
	}
	if ent := matchOptimistic(&s.log, msg, e.window); ent != nil {
		s.log.adopt(ent, msg)
		return OutcomeMatched
	}
	s.log.appendRecord(msg)
	return OutcomeAppended
}

// confirm adopts the record returned by a completed write into the entry
// that produced it.
func (e *Engine) confirm(s *session, localID string, stored history.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent := s.log.byLocalID(localID)
	if ent == nil || ent.Confirmed() {
		return
	}
	if s.log.byDurableID(stored.ID) != nil {
		return
	}
	s.log.adopt(ent, stored)
}

// matchOptimistic returns the oldest unconfirmed local entry with the same
// key as msg created within window of it.
func matchOptimistic(t *transcript, msg history.Message, window time.Duration) *Entry {
	key := KeyOf(msg)
	for _, ent := range t.entries {
		if ent.Confirmed() || ent.Synthetic || ent.LocalID == "" {
			continue
		}
		if KeyOf(ent.Message) != key {
			continue
		}
		if window > 0 && absDuration(msg.CreatedAt.Sub(ent.Message.CreatedAt)) > window {
			continue
		}
		return ent
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
