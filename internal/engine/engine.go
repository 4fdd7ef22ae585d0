// Package engine keeps the per-session transcripts of one owner in sync with
// the store: optimistic appends, push reconciliation and the reply cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/comigor/chatsync/internal/directory"
	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/llm"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/outbox"
	"github.com/comigor/chatsync/internal/telemetry"
)

// FailureText is the assistant entry shown when a completion fails.
const FailureText = "Error: Could not get a reply from the assistant."

// DefaultWindow bounds how far apart an optimistic entry and its pushed
// record may be stamped and still match.
const DefaultWindow = 2 * time.Minute

// Config wires an Engine. Store, Completer and Outbox are required.
type Config struct {
	Owner     string
	Store     history.Store
	Completer llm.Completer
	Outbox    *outbox.Outbox

	// Directory defaults to a fresh directory for Owner.
	Directory *directory.Directory
	// Window defaults to DefaultWindow.
	Window time.Duration
	// Timeout bounds each completion call; zero means no bound.
	Timeout time.Duration
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Turn is the outcome of one Submit.
type Turn struct {
	SessionID string
	User      Entry
	Reply     Entry
	Failed    bool
}

type session struct {
	id  string
	mu  sync.Mutex
	log transcript
	fsm *stateless.StateMachine
}

// Engine owns the transcripts of one owner.
type Engine struct {
	owner     string
	store     history.Store
	completer llm.Completer
	outbox    *outbox.Outbox
	dir       *directory.Directory
	window    time.Duration
	timeout   time.Duration
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu          sync.Mutex
	sessions    map[string]*session
	unsubscribe func()
}

// New validates cfg and builds an engine. Call Start to receive pushes.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: store is required")
	case cfg.Completer == nil:
		return nil, errors.New("engine: completer is required")
	case cfg.Outbox == nil:
		return nil, errors.New("engine: outbox is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.New(cfg.Owner, cfg.Store, cfg.Outbox, directory.WithClock(cfg.Now))
	}
	return &Engine{
		owner:     cfg.Owner,
		store:     cfg.Store,
		completer: cfg.Completer,
		outbox:    cfg.Outbox,
		dir:       cfg.Directory,
		window:    cfg.Window,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer(telemetry.ServiceName),
		now:       cfg.Now,
		sessions:  make(map[string]*session),
	}, nil
}

// Owner returns the identity the engine acts for.
func (e *Engine) Owner() string { return e.owner }

// Start subscribes to store inserts and loads the session directory.
func (e *Engine) Start(ctx context.Context) error {
	if e.owner == "" {
		return ErrUnauthenticated
	}
	e.mu.Lock()
	if e.unsubscribe == nil {
		e.unsubscribe = e.store.Subscribe(func(msg history.Message) { e.Reconcile(msg) })
	}
	e.mu.Unlock()

	if err := e.dir.Refresh(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// Close tears the push subscription down.
func (e *Engine) Close() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Submit sends text in the active session, creating one when needed, and
// blocks until the reply or the failure entry has been appended.
func (e *Engine) Submit(ctx context.Context, text string) (Turn, error) {
	if e.owner == "" {
		e.metrics.Rejected(ctx, "unauthenticated")
		return Turn{}, ErrUnauthenticated
	}
	if strings.TrimSpace(text) == "" {
		e.metrics.Rejected(ctx, "empty")
		return Turn{}, ErrEmptyMessage
	}

	sess, created := e.dir.ActiveOrCreate(text)
	if !created {
		e.dir.SetLabel(sess.ID, text)
	}
	s := e.register(sess.ID)

	s.mu.Lock()
	if err := s.fsm.Fire(TriggerSubmit); err != nil {
		s.mu.Unlock()
		e.metrics.Rejected(ctx, "reply_pending")
		return Turn{}, ErrReplyPending
	}
	user := *s.log.appendLocal(e.newMessage(sess.ID, history.RoleUser, text), newLocalID(), false)
	s.mu.Unlock()

	e.persist(s, user)
	e.metrics.Submitted(ctx)
	logger.L.Info("message submitted", "session_id", sess.ID, "local_id", user.LocalID)

	reply, err := e.complete(ctx, sess.ID, text)

	turn := Turn{SessionID: sess.ID, User: user}
	s.mu.Lock()
	if err != nil {
		turn.Failed = true
		turn.Reply = *s.log.appendLocal(e.newMessage(sess.ID, history.RoleAssistant, FailureText), newLocalID(), true)
		_ = s.fsm.Fire(TriggerReplyFailed)
	} else {
		turn.Reply = *s.log.appendLocal(e.newMessage(sess.ID, history.RoleAssistant, reply), newLocalID(), false)
		_ = s.fsm.Fire(TriggerReplyReceived)
	}
	s.mu.Unlock()

	if err != nil {
		logger.L.Error("completion failed", "session_id", sess.ID, "error", err)
		return turn, nil
	}
	e.persist(s, turn.Reply)
	return turn, nil
}

// complete calls the completer, converting panics and timeouts into
// llm.ErrCompletionFailed.
func (e *Engine) complete(ctx context.Context, sessionID, text string) (reply string, err error) {
	ctx, span := e.tracer.Start(ctx, "completion", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", llm.ErrCompletionFailed, r)
		}
		e.metrics.CompletionDone(ctx, time.Since(start), err != nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	reply, err = e.completer.Complete(ctx, text)
	if err != nil {
		if !errors.Is(err, llm.ErrCompletionFailed) {
			err = fmt.Errorf("%w: %w", llm.ErrCompletionFailed, err)
		}
		return "", err
	}
	if reply == "" {
		reply = llm.NoReplyText
	}
	return reply, nil
}

// persist schedules the write of a local entry. A successful write confirms
// the entry with the stored record.
func (e *Engine) persist(s *session, ent Entry) {
	msg, localID := ent.Message, ent.LocalID
	e.outbox.Enqueue(outbox.Job{
		Name: "append_message",
		Do: func(ctx context.Context) error {
			stored, err := e.store.AppendMessage(ctx, msg)
			if err != nil {
				return err
			}
			e.confirm(s, localID, stored)
			return nil
		},
	})
}

// NewSession creates an empty session and makes it active.
func (e *Engine) NewSession(_ context.Context, label string) (history.Session, error) {
	if e.owner == "" {
		return history.Session{}, ErrUnauthenticated
	}
	sess := e.dir.Create(strings.TrimSpace(label))
	if err := e.dir.SetActive(sess.ID); err != nil {
		return history.Session{}, err
	}
	e.register(sess.ID)
	return sess, nil
}

// SwitchSession loads id from the store and makes it active. On a load
// failure the session is still activated with whatever is cached and
// ErrLoadFailed is returned.
func (e *Engine) SwitchSession(ctx context.Context, id string) error {
	if err := e.ensureKnown(ctx, id); err != nil {
		return err
	}
	if err := e.dir.SetActive(id); err != nil {
		return err
	}
	if err := e.reload(ctx, id); err != nil {
		return err
	}
	logger.L.Info("switched session", "session_id", id)
	return nil
}

// Load replaces the cached log of id with the store's records without
// changing the active session.
func (e *Engine) Load(ctx context.Context, id string) error {
	if err := e.ensureKnown(ctx, id); err != nil {
		return err
	}
	return e.reload(ctx, id)
}

func (e *Engine) ensureKnown(ctx context.Context, id string) error {
	if e.owner == "" {
		return ErrUnauthenticated
	}
	if _, ok := e.dir.Get(id); ok {
		return nil
	}
	if err := e.dir.Refresh(ctx); err != nil {
		logger.L.Warn("session directory refresh failed", "error", err)
	}
	if _, ok := e.dir.Get(id); !ok {
		return fmt.Errorf("%w: %s", directory.ErrUnknownSession, id)
	}
	return nil
}

func (e *Engine) reload(ctx context.Context, id string) error {
	s := e.register(id)
	records, err := e.store.ListMessages(ctx, id)
	if err != nil {
		logger.L.Error("loading session messages failed", "session_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	s.mu.Lock()
	s.log = e.merge(&s.log, records)
	n := len(s.log.entries)
	s.mu.Unlock()

	logger.L.Debug("session loaded", "session_id", id, "records", len(records), "entries", n)
	return nil
}

// merge builds a log from the authoritative records of a session, keeping
// local entries the store does not have yet and confirmed entries missing
// from a snapshot taken before they arrived.
func (e *Engine) merge(old *transcript, records []history.Message) transcript {
	fresh := transcript{nextSeq: old.nextSeq}
	for _, r := range records {
		if r.Owner != e.owner || r.Validate() != nil {
			continue
		}
		fresh.appendRecord(r)
	}
	for _, ent := range old.entries {
		if !ent.Confirmed() {
			continue
		}
		if loaded := fresh.byDurableID(ent.Message.ID); loaded != nil {
			loaded.LocalID = ent.LocalID
			continue
		}
		// confirmed after the list query ran
		fresh.push(&Entry{LocalID: ent.LocalID, Synthetic: ent.Synthetic, Message: ent.Message})
	}
	for _, ent := range old.entries {
		if ent.Confirmed() {
			continue
		}
		if !ent.Synthetic {
			if match := matchLoaded(&fresh, ent.Message, e.window); match != nil {
				match.LocalID = ent.LocalID
				continue
			}
		}
		fresh.push(&Entry{LocalID: ent.LocalID, Synthetic: ent.Synthetic, Message: ent.Message})
	}
	return fresh
}

// matchLoaded finds the oldest loaded record not yet claimed by a local entry
// that has the key of msg within window.
func matchLoaded(t *transcript, msg history.Message, window time.Duration) *Entry {
	key := KeyOf(msg)
	for _, ent := range t.entries {
		if ent.LocalID != "" || KeyOf(ent.Message) != key {
			continue
		}
		if absDuration(ent.Message.CreatedAt.Sub(msg.CreatedAt)) > window {
			continue
		}
		return ent
	}
	return nil
}

// Active returns the active session.
func (e *Engine) Active() (history.Session, bool) { return e.dir.Active() }

// Sessions lists the owner's sessions, most recent first.
func (e *Engine) Sessions() []history.Session { return e.dir.List() }

// Transcript returns the active session's entries in order.
func (e *Engine) Transcript() []Entry {
	sess, ok := e.dir.Active()
	if !ok {
		return nil
	}
	return e.TranscriptOf(sess.ID)
}

// TranscriptOf returns the entries of a loaded session in order.
func (e *Engine) TranscriptOf(id string) []Entry {
	s := e.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// Pending counts the entries of a session that wait for a store id.
// Synthetic failure entries are never stored and are not counted.
func (e *Engine) Pending(id string) int {
	s := e.lookup(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ent := range s.log.entries {
		if !ent.Confirmed() && !ent.Synthetic {
			n++
		}
	}
	return n
}

// State reports the reply state of a session.
func (e *Engine) State(id string) FSMState {
	s := e.lookup(id)
	if s == nil {
		return StateIdle
	}
	return machineState(s.fsm)
}

func (e *Engine) register(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &session{id: id, fsm: newSessionMachine()}
		e.sessions[id] = s
	}
	return s
}

func (e *Engine) lookup(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

func (e *Engine) newMessage(sessionID string, role history.Role, text string) history.Message {
	return history.Message{
		SessionID: sessionID,
		Owner:     e.owner,
		Role:      role,
		Text:      text,
		CreatedAt: e.now(),
	}
}

func newLocalID() string {
	return "local-" + uuid.NewString()
}
