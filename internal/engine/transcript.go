package engine

import (
	"sort"
	"time"

	"github.com/comigor/chatsync/internal/history"
)

// Entry is one position in a session's append-only log. LocalID is the
// temporary id of an optimistic entry and survives confirmation; Message.ID
// is empty until the store has confirmed the entry.
type Entry struct {
	Seq       uint64
	LocalID   string
	Synthetic bool
	Message   history.Message
}

// Confirmed reports whether the entry carries a durable store id.
func (e Entry) Confirmed() bool { return e.Message.ID != "" }

// transcript keeps entries ordered by (CreatedAt, Seq). Entries are never
// removed; reconciliation only replaces the message they carry.
type transcript struct {
	entries []*Entry
	nextSeq uint64
}

func (t *transcript) push(e *Entry) *Entry {
	t.nextSeq++
	e.Seq = t.nextSeq
	t.insertOrdered(e)
	return e
}

// appendLocal appends an optimistic entry stamped strictly after the current
// tail, so local entries never tie.
func (t *transcript) appendLocal(msg history.Message, localID string, synthetic bool) *Entry {
	if n := len(t.entries); n > 0 {
		if last := t.entries[n-1].Message.CreatedAt; !msg.CreatedAt.After(last) {
			msg.CreatedAt = last.Add(time.Nanosecond)
		}
	}
	return t.push(&Entry{LocalID: localID, Synthetic: synthetic, Message: msg})
}

// appendRecord inserts an authoritative record in time order.
func (t *transcript) appendRecord(msg history.Message) *Entry {
	return t.push(&Entry{Message: msg})
}

func (t *transcript) insertOrdered(e *Entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return less(e, t.entries[i])
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// adopt replaces the message of e with the authoritative record, keeping its
// position unless the durable timestamp moves it.
func (t *transcript) adopt(e *Entry, msg history.Message) {
	e.Message = msg
	sort.SliceStable(t.entries, func(i, j int) bool {
		return less(t.entries[i], t.entries[j])
	})
}

func (t *transcript) byDurableID(id string) *Entry {
	for _, e := range t.entries {
		if e.Message.ID == id {
			return e
		}
	}
	return nil
}

func (t *transcript) byLocalID(id string) *Entry {
	for _, e := range t.entries {
		if e.LocalID == id {
			return e
		}
	}
	return nil
}

func (t *transcript) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

func less(a, b *Entry) bool {
	if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
		return a.Message.CreatedAt.Before(b.Message.CreatedAt)
	}
	return a.Seq < b.Seq
}
