// Package directory tracks the sessions known to one owner and which of them
// is active.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/outbox"
)

// ErrUnknownSession is returned for ids the directory has never seen.
var ErrUnknownSession = errors.New("unknown session")

// Directory is the ordered, most-recent-first list of an owner's sessions.
type Directory struct {
	owner  string
	store  history.Store
	outbox *outbox.Outbox
	now    func() time.Time
	newID  func() (uuid.UUID, error)

	mu       sync.RWMutex
	sessions []history.Session
	active   string
	seen     map[string]struct{}
	unsynced map[string]bool
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithIDSource replaces the UUIDv7 generator.
func WithIDSource(fn func() (uuid.UUID, error)) Option {
	return func(d *Directory) { d.newID = fn }
}

// New creates an empty directory for owner. Writes go through ob.
func New(owner string, store history.Store, ob *outbox.Outbox, opts ...Option) *Directory {
	d := &Directory{
		owner:    owner,
		store:    store,
		outbox:   ob,
		now:      time.Now,
		newID:    uuid.NewV7,
		seen:     make(map[string]struct{}),
		unsynced: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// List returns the sessions, most recently created first.
func (d *Directory) List() []history.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]history.Session(nil), d.sessions...)
}

// Get looks a session up by id.
func (d *Directory) Get(id string) (history.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(id)
	if i < 0 {
		return history.Session{}, false
	}
	return d.sessions[i], true
}

// Create mints a session, puts it at the front of the list and schedules
// its persistence. The session is usable immediately.
func (d *Directory) Create(initialLabel string) history.Session {
	d.mu.Lock()
	s := d.createLocked(initialLabel)
	d.mu.Unlock()

	d.persist(s)
	return s
}

// ActiveOrCreate returns the active session, creating and activating one
// labelled with label when there is none.
func (d *Directory) ActiveOrCreate(label string) (history.Session, bool) {
	d.mu.Lock()
	if i := d.indexLocked(d.active); i >= 0 {
		s := d.sessions[i]
		d.mu.Unlock()
		return s, false
	}
	s := d.createLocked(label)
	d.active = s.ID
	d.mu.Unlock()

	d.persist(s)
	return s, true
}

// SetActive moves the active pointer. It performs no I/O.
func (d *Directory) SetActive(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexLocked(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	d.active = id
	return nil
}

// Active returns the active session, if any.
func (d *Directory) Active() (history.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(d.active)
	if i < 0 {
		return history.Session{}, false
	}
	return d.sessions[i], true
}

// SetLabel fills the display label of a session that has none yet and
// reports whether it changed.
func (d *Directory) SetLabel(id, label string) bool {
	d.mu.Lock()
	i := d.indexLocked(id)
	if i < 0 || d.sessions[i].FirstMessage != "" || label == "" {
		d.mu.Unlock()
		return false
	}
	d.sessions[i].FirstMessage = label
	d.mu.Unlock()

	d.outbox.Enqueue(outbox.Job{
		Name: "set_first_message",
		Do: func(ctx context.Context) error {
			return d.store.SetFirstMessage(ctx, id, label)
		},
	})
	return true
}

// Unsynced reports whether a locally created session still waits for its
// store write.
func (d *Directory) Unsynced(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unsynced[id]
}

// Refresh merges the owner's persisted sessions into the list.
func (d *Directory) Refresh(ctx context.Context) error {
	remote, err := d.store.ListSessions(ctx, d.owner)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range remote {
		if r.ID == "" || r.Owner != d.owner {
			continue
		}
		d.seen[r.ID] = struct{}{}
		if i := d.indexLocked(r.ID); i >= 0 {
			if d.sessions[i].FirstMessage == "" {
				d.sessions[i].FirstMessage = r.FirstMessage
			}
			continue
		}
		d.sessions = append(d.sessions, r)
	}
	sort.SliceStable(d.sessions, func(i, j int) bool {
		a, b := d.sessions[i], d.sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	logger.L.Debug("session directory refreshed", "owner", d.owner, "remote", len(remote), "total", len(d.sessions))
	return nil
}

func (d *Directory) createLocked(label string) history.Session {
	created := d.now()
	if len(d.sessions) > 0 && !created.After(d.sessions[0].CreatedAt) {
		created = d.sessions[0].CreatedAt.Add(time.Nanosecond)
	}
	s := history.Session{
		ID:           d.mintLocked(),
		Owner:        d.owner,
		CreatedAt:    created,
		FirstMessage: label,
	}
	d.sessions = append([]history.Session{s}, d.sessions...)
	d.unsynced[s.ID] = true
	return s
}

// mintLocked returns an id never minted nor seen by this directory.
func (d *Directory) mintLocked() string {
	for {
		u, err := d.newID()
		if err != nil {
			u = uuid.New()
		}
		id := u.String()
		if _, dup := d.seen[id]; dup {
			continue
		}
		d.seen[id] = struct{}{}
		return id
	}
}

func (d *Directory) persist(s history.Session) {
	d.outbox.Enqueue(outbox.Job{
		Name: "create_session",
		Do: func(ctx context.Context) error {
			if _, err := d.store.CreateSession(ctx, s); err != nil {
				return err
			}
			d.mu.Lock()
			delete(d.unsynced, s.ID)
			d.mu.Unlock()
			return nil
		},
	})
	logger.L.Info("session created", "session_id", s.ID, "owner", s.Owner)
}

func (d *Directory) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range d.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}
