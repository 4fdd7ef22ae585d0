package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatsync/internal/directory"
	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/llm"
	"github.com/comigor/chatsync/internal/outbox"
)

type completerFunc func(ctx context.Context, text string) (string, error)

func (f completerFunc) Complete(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

func echo(reply string) completerFunc {
	return func(context.Context, string) (string, error) { return reply, nil }
}

// blockingCompleter answers once release is closed.
func blockingCompleter(release <-chan struct{}, reply string) completerFunc {
	return func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
			return reply, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// faultyStore fails the first failAppend appends and every list while
// failList is set.
type faultyStore struct {
	*history.Memory
	mu         sync.Mutex
	failAppend int
	failList   bool
}

func (f *faultyStore) AppendMessage(ctx context.Context, msg history.Message) (history.Message, error) {
	f.mu.Lock()
	if f.failAppend > 0 {
		f.failAppend--
		f.mu.Unlock()
		return history.Message{}, errors.New("store offline")
	}
	f.mu.Unlock()
	return f.Memory.AppendMessage(ctx, msg)
}

func (f *faultyStore) ListMessages(ctx context.Context, sessionID string) ([]history.Message, error) {
	f.mu.Lock()
	fail := f.failList
	f.mu.Unlock()
	if fail {
		return nil, errors.New("store offline")
	}
	return f.Memory.ListMessages(ctx, sessionID)
}

// staleStore runs afterList once, after ListMessages has taken its snapshot.
type staleStore struct {
	*history.Memory
	once      sync.Once
	afterList func()
}

func (s *staleStore) ListMessages(ctx context.Context, sessionID string) ([]history.Message, error) {
	records, err := s.Memory.ListMessages(ctx, sessionID)
	if s.afterList != nil {
		s.once.Do(s.afterList)
	}
	return records, err
}

func newTestEngine(t *testing.T, store history.Store, c llm.Completer, mutate ...func(*Config)) (*Engine, *outbox.Outbox) {
	t.Helper()
	ob := outbox.New(outbox.Policy{MaxAttempts: -1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	cfg := Config{Owner: "alice", Store: store, Completer: c, Outbox: ob}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, ob
}

func record(id, session string, role history.Role, text string, at time.Time) history.Message {
	return history.Message{ID: id, SessionID: session, Owner: "alice", Role: role, Text: text, CreatedAt: at}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Text
	}
	return out
}

func requireOrdered(t *testing.T, entries []Entry) {
	t.Helper()
	require.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
		return entries[i].Message.CreatedAt.Before(entries[j].Message.CreatedAt)
	}), "entries out of created_at order: %v", texts(entries))
}

func TestNewRequiresCollaborators(t *testing.T) {
	ob := outbox.New(outbox.Policy{})
	_, err := New(Config{Owner: "alice", Completer: echo("x"), Outbox: ob})
	require.Error(t, err)
	_, err = New(Config{Owner: "alice", Store: history.NewMemory(), Outbox: ob})
	require.Error(t, err)
	_, err = New(Config{Owner: "alice", Store: history.NewMemory(), Completer: echo("x")})
	require.Error(t, err)
}

func TestSubmitRejectsBeforeAnyWork(t *testing.T) {
	ctx := context.Background()

	anon, ob := newTestEngine(t, history.NewMemory(), echo("x"), func(c *Config) { c.Owner = "" })
	_, err := anon.Submit(ctx, "hello")
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Empty(t, anon.Sessions())
	require.Zero(t, ob.Pending())

	_, err = anon.NewSession(ctx, "x")
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.ErrorIs(t, anon.SwitchSession(ctx, "x"), ErrUnauthenticated)
	require.ErrorIs(t, anon.Start(ctx), ErrUnauthenticated)

	e, ob := newTestEngine(t, history.NewMemory(), echo("x"))
	_, err = e.Submit(ctx, " \n\t")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, e.Sessions())
	require.Zero(t, ob.Pending())
}

func TestSubmitAppendsOptimisticEntryAndReply(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	e, ob := newTestEngine(t, store, echo("hello back"))
	require.NoError(t, e.Start(ctx))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.False(t, turn.Failed)
	require.Contains(t, turn.User.LocalID, "local-")
	require.Equal(t, "hello back", turn.Reply.Message.Text)

	active, ok := e.Active()
	require.True(t, ok)
	require.Equal(t, turn.SessionID, active.ID)
	require.Equal(t, "hello", active.FirstMessage)

	entries := e.Transcript()
	require.Equal(t, []string{"hello", "hello back"}, texts(entries))
	require.Equal(t, history.RoleUser, entries[0].Message.Role)
	require.Equal(t, history.RoleAssistant, entries[1].Message.Role)
	require.True(t, entries[1].Message.CreatedAt.After(entries[0].Message.CreatedAt))
	require.Equal(t, 2, e.Pending(turn.SessionID))
	require.Equal(t, StateIdle, e.State(turn.SessionID))

	require.Zero(t, ob.Flush(ctx))
	require.Zero(t, e.Pending(turn.SessionID))

	entries = e.Transcript()
	require.Len(t, entries, 2)
	for _, ent := range entries {
		require.True(t, ent.Confirmed())
		require.NotEmpty(t, ent.LocalID)
	}

	stored, err := store.ListMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	sessions, err := store.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestEmptyReplyBecomesNoReplyText(t *testing.T) {
	e, _ := newTestEngine(t, history.NewMemory(), echo(""))
	turn, err := e.Submit(context.Background(), "anyone?")
	require.NoError(t, err)
	require.Equal(t, llm.NoReplyText, turn.Reply.Message.Text)
}

func TestOptimisticEntryVisibleWhileAwaitingReply(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	e, _ := newTestEngine(t, history.NewMemory(), blockingCompleter(release, "done"))

	done := make(chan Turn, 1)
	go func() {
		turn, err := e.Submit(ctx, "first")
		if err == nil {
			done <- turn
		}
		close(done)
	}()

	require.Eventually(t, func() bool { return len(e.Transcript()) == 1 }, time.Second, time.Millisecond)
	active, _ := e.Active()
	require.Equal(t, StateAwaitingReply, e.State(active.ID))

	_, err := e.Submit(ctx, "first")
	require.ErrorIs(t, err, ErrReplyPending)
	require.Len(t, e.Transcript(), 1)

	close(release)
	turn, ok := <-done
	require.True(t, ok)
	require.Equal(t, "done", turn.Reply.Message.Text)
	require.Equal(t, StateIdle, e.State(active.ID))
	require.Len(t, e.Transcript(), 2)
}

func TestConcurrentSubmitsAllowOneOutstanding(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	e, _ := newTestEngine(t, history.NewMemory(), blockingCompleter(release, "ok"))
	_, err := e.NewSession(ctx, "")
	require.NoError(t, err)

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := e.Submit(ctx, "same text")
			results <- err
		}()
	}

	for i := 0; i < n-1; i++ {
		require.ErrorIs(t, <-results, ErrReplyPending)
	}
	close(release)
	require.NoError(t, <-results)
	require.Len(t, e.Transcript(), 2)
}

func TestCompletionFailureAppendsOneSyntheticEntry(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	var calls int
	e, ob := newTestEngine(t, store, completerFunc(func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("connection refused")
	}))

	turn, err := e.Submit(ctx, "are you there?")
	require.NoError(t, err)
	require.True(t, turn.Failed)
	require.Equal(t, 1, calls)
	require.Equal(t, StateIdle, e.State(turn.SessionID))

	entries := e.Transcript()
	require.Len(t, entries, 2)
	require.False(t, entries[0].Synthetic)
	require.True(t, entries[1].Synthetic)
	require.Equal(t, FailureText, entries[1].Message.Text)
	require.Equal(t, history.RoleAssistant, entries[1].Message.Role)

	require.Zero(t, ob.Flush(ctx))
	stored, err := store.ListMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "are you there?", stored[0].Text)
	require.Zero(t, e.Pending(turn.SessionID))

	// the failure entry survives a reload
	require.NoError(t, e.SwitchSession(ctx, turn.SessionID))
	require.Equal(t, []string{"are you there?", FailureText}, texts(e.Transcript()))
}

func TestCompletionPanicAndTimeoutReturnToIdle(t *testing.T) {
	ctx := context.Background()

	panicky, _ := newTestEngine(t, history.NewMemory(), completerFunc(func(context.Context, string) (string, error) {
		panic("boom")
	}))
	turn, err := panicky.Submit(ctx, "hi")
	require.NoError(t, err)
	require.True(t, turn.Failed)
	require.Equal(t, StateIdle, panicky.State(turn.SessionID))

	never := make(chan struct{})
	slow, _ := newTestEngine(t, history.NewMemory(), blockingCompleter(never, "late"), func(c *Config) {
		c.Timeout = 10 * time.Millisecond
	})
	turn, err = slow.Submit(ctx, "hi")
	require.NoError(t, err)
	require.True(t, turn.Failed)
	require.Equal(t, FailureText, turn.Reply.Message.Text)
	require.Equal(t, StateIdle, slow.State(turn.SessionID))

	_, err = slow.Submit(ctx, "again")
	require.NoError(t, err)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, history.NewMemory(), echo("x"))
	sess, err := e.NewSession(ctx, "")
	require.NoError(t, err)

	msg := record("100", sess.ID, history.RoleUser, "from my phone", time.Now())
	require.Equal(t, OutcomeAppended, e.Reconcile(msg))
	require.Equal(t, OutcomeDuplicate, e.Reconcile(msg))
	require.Len(t, e.Transcript(), 1)
}

func TestReconcileKeepsCreatedAtOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := base.Add(10 * time.Minute)
	e, _ := newTestEngine(t, history.NewMemory(), echo("reply"), func(c *Config) {
		c.Now = func() time.Time { return clock }
	})

	turn, err := e.Submit(ctx, "local")
	require.NoError(t, err)

	// pushes arrive newest first and interleave with the optimistic entries
	require.Equal(t, OutcomeAppended, e.Reconcile(record("3", turn.SessionID, history.RoleAssistant, "c", base.Add(3*time.Minute))))
	require.Equal(t, OutcomeAppended, e.Reconcile(record("1", turn.SessionID, history.RoleUser, "a", base.Add(time.Minute))))
	require.Equal(t, OutcomeAppended, e.Reconcile(record("9", turn.SessionID, history.RoleUser, "z", base.Add(20*time.Minute))))
	require.Equal(t, OutcomeAppended, e.Reconcile(record("2", turn.SessionID, history.RoleUser, "b", base.Add(2*time.Minute))))

	entries := e.Transcript()
	require.Equal(t, []string{"a", "b", "c", "local", "reply", "z"}, texts(entries))
	requireOrdered(t, entries)
}

func TestReconcileMatchesOptimisticEntry(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, history.NewMemory(), echo("pong"))
	turn, err := e.Submit(ctx, "ping")
	require.NoError(t, err)
	require.Equal(t, 2, e.Pending(turn.SessionID))

	echoed := turn.User.Message
	echoed.ID = "41"
	require.Equal(t, OutcomeMatched, e.Reconcile(echoed))
	require.Equal(t, OutcomeDuplicate, e.Reconcile(echoed))

	entries := e.Transcript()
	require.Len(t, entries, 2)
	require.Equal(t, "41", entries[0].Message.ID)
	require.Equal(t, turn.User.LocalID, entries[0].LocalID)
	require.Equal(t, 1, e.Pending(turn.SessionID))

	// same content far outside the window is a different message
	later := turn.Reply.Message
	later.ID = "42"
	later.CreatedAt = later.CreatedAt.Add(time.Hour)
	require.Equal(t, OutcomeAppended, e.Reconcile(later))
	require.Len(t, e.Transcript(), 3)
	require.Equal(t, 1, e.Pending(turn.SessionID))
}

func TestReconcileMatchesOldestOptimisticEntry(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, history.NewMemory(), echo("ok"))
	first, err := e.Submit(ctx, "same")
	require.NoError(t, err)
	second, err := e.Submit(ctx, "same")
	require.NoError(t, err)

	echoed := second.User.Message
	echoed.ID = "7"
	require.Equal(t, OutcomeMatched, e.Reconcile(echoed))

	byLocal := make(map[string]Entry)
	for _, ent := range e.Transcript() {
		byLocal[ent.LocalID] = ent
	}
	require.Equal(t, "7", byLocal[first.User.LocalID].Message.ID)
	require.False(t, byLocal[second.User.LocalID].Confirmed())
	requireOrdered(t, e.Transcript())
}

func TestReconcileSkipsForeignAndMalformedRecords(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, history.NewMemory(), echo("x"))
	sess, err := e.NewSession(ctx, "")
	require.NoError(t, err)
	now := time.Now()

	foreign := record("1", sess.ID, history.RoleUser, "hi", now)
	foreign.Owner = "bob"
	require.Equal(t, OutcomeIgnored, e.Reconcile(foreign))
	require.Equal(t, OutcomeIgnored, e.Reconcile(record("2", "not-loaded", history.RoleUser, "hi", now)))
	require.Equal(t, OutcomeMalformed, e.Reconcile(record("", sess.ID, history.RoleUser, "hi", now)))
	require.Equal(t, OutcomeMalformed, e.Reconcile(record("3", sess.ID, "system", "hi", now)))
	require.Equal(t, OutcomeMalformed, e.Reconcile(record("4", sess.ID, history.RoleUser, "hi", time.Time{})))
	require.Empty(t, e.Transcript())
}

func TestPushedInsertsReachLoadedSessions(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	e, _ := newTestEngine(t, store, echo("x"))
	require.NoError(t, e.Start(ctx))
	sess, err := e.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, history.Message{SessionID: sess.ID, Owner: "alice", Role: history.RoleUser, Text: "from the web"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.Transcript()) == 1 }, time.Second, time.Millisecond)

	e.Close()
	_, err = store.AppendMessage(ctx, history.Message{SessionID: sess.ID, Owner: "alice", Role: history.RoleUser, Text: "after close"})
	require.NoError(t, err)
	require.Len(t, e.Transcript(), 1)
}

func TestSwitchToEmptySessionYieldsEmptyTranscript(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	_, err := store.CreateSession(ctx, history.Session{ID: "empty", Owner: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)

	e, _ := newTestEngine(t, store, echo("x"))
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SwitchSession(ctx, "empty"))
	require.Empty(t, e.Transcript())
	require.Empty(t, e.View())
}

func TestSwitchSessionLoadsOrderedRecords(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.CreateSession(ctx, history.Session{ID: "s1", Owner: "alice", CreatedAt: base})
	require.NoError(t, err)
	for i, text := range []string{"two", "one", "three"} {
		offset := []time.Duration{2, 1, 3}[i] * time.Second
		_, err := store.AppendMessage(ctx, history.Message{SessionID: "s1", Owner: "alice", Role: history.RoleUser, Text: text, CreatedAt: base.Add(offset)})
		require.NoError(t, err)
	}

	e, _ := newTestEngine(t, store, echo("x"))
	// unknown until the directory is refreshed by the switch itself
	require.NoError(t, e.SwitchSession(ctx, "s1"))
	entries := e.Transcript()
	require.Equal(t, []string{"one", "two", "three"}, texts(entries))
	requireOrdered(t, entries)

	err = e.SwitchSession(ctx, "missing")
	require.Error(t, err)
	active, _ := e.Active()
	require.Equal(t, "s1", active.ID)
}

func TestSwitchSessionKeepsUnconfirmedEntries(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Memory: history.NewMemory(), failAppend: 100}
	e, ob := newTestEngine(t, store, echo("reply"))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.NotZero(t, ob.Flush(ctx))

	require.NoError(t, e.SwitchSession(ctx, turn.SessionID))
	require.Equal(t, []string{"hello", "reply"}, texts(e.Transcript()))
	require.Equal(t, 2, e.Pending(turn.SessionID))

	store.mu.Lock()
	store.failAppend = 0
	store.mu.Unlock()
	require.Zero(t, ob.Flush(ctx))
	require.Zero(t, e.Pending(turn.SessionID))

	require.NoError(t, e.SwitchSession(ctx, turn.SessionID))
	entries := e.Transcript()
	require.Equal(t, []string{"hello", "reply"}, texts(entries))
	require.Equal(t, turn.User.LocalID, entries[0].LocalID)
}

func TestSwitchSessionLoadFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Memory: history.NewMemory()}
	e, ob := newTestEngine(t, store, echo("reply"))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.Zero(t, ob.Flush(ctx))

	store.mu.Lock()
	store.failList = true
	store.mu.Unlock()

	err = e.SwitchSession(ctx, turn.SessionID)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.Equal(t, []string{"hello", "reply"}, texts(e.Transcript()))
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Memory: history.NewMemory(), failAppend: 2}
	e, ob := newTestEngine(t, store, echo("reply"))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 3, ob.Pending())

	// session write succeeds, both message writes fail
	require.Equal(t, 2, ob.Flush(ctx))
	require.Len(t, e.Transcript(), 2, "failed writes never roll back")
	require.Equal(t, 2, e.Pending(turn.SessionID))

	require.Zero(t, ob.Flush(ctx))
	require.Zero(t, e.Pending(turn.SessionID))
	stored, err := store.ListMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestReplyLandsInOriginatingSession(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	e, _ := newTestEngine(t, history.NewMemory(), blockingCompleter(release, "for A"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Submit(ctx, "question in A")
	}()
	require.Eventually(t, func() bool { return len(e.Transcript()) == 1 }, time.Second, time.Millisecond)
	a, _ := e.Active()

	b, err := e.NewSession(ctx, "")
	require.NoError(t, err)
	require.Equal(t, StateIdle, e.State(b.ID))

	close(release)
	<-done

	require.Empty(t, e.Transcript())
	require.Equal(t, []string{"question in A", "for A"}, texts(e.TranscriptOf(a.ID)))

	// B accepts a submission of its own
	turn, err := e.Submit(ctx, "question in B")
	require.NoError(t, err)
	require.Equal(t, b.ID, turn.SessionID)
	active, _ := e.Active()
	require.Equal(t, "question in B", active.FirstMessage)
}

func TestViewShowsWelcomeOnlyBeforeFirstSession(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, history.NewMemory(), echo("```go\nfmt.Println(1)\n```"))

	view := e.View()
	require.Len(t, view, 1)
	require.True(t, view[0].Placeholder)
	require.Equal(t, WelcomeText, view[0].Message.Text)

	_, err := e.NewSession(ctx, "")
	require.NoError(t, err)
	require.Empty(t, e.View())

	_, err = e.Submit(ctx, "print one")
	require.NoError(t, err)
	view = e.View()
	require.Len(t, view, 2)
	require.Len(t, view[1].Segments, 1)
	require.Equal(t, "go", view[1].Segments[0].Language)
	require.Equal(t, "fmt.Println(1)", view[1].Segments[0].Text)
}

func TestPoolKeepsOneEnginePerOwner(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(Config{
		Store:     history.NewMemory(),
		Completer: echo("x"),
		Outbox:    outbox.New(outbox.Policy{}),
	})
	t.Cleanup(pool.Close)

	_, err := pool.For(ctx, "")
	require.ErrorIs(t, err, ErrUnauthenticated)

	alice, err := pool.For(ctx, "alice")
	require.NoError(t, err)
	again, err := pool.For(ctx, "alice")
	require.NoError(t, err)
	require.Same(t, alice, again)

	bob, err := pool.For(ctx, "bob")
	require.NoError(t, err)
	require.NotSame(t, alice, bob)

	_, err = alice.Submit(ctx, "mine")
	require.NoError(t, err)
	require.Len(t, alice.Sessions(), 1)
	require.Empty(t, bob.Sessions())
}

func TestLoadRefreshesWithoutActivating(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	e, ob := newTestEngine(t, store, echo("reply"))

	first, err := e.Submit(ctx, "in first")
	require.NoError(t, err)
	second, err := e.NewSession(ctx, "")
	require.NoError(t, err)
	require.Zero(t, ob.Flush(ctx))

	_, err = store.AppendMessage(ctx, history.Message{SessionID: first.SessionID, Owner: "alice", Role: history.RoleUser, Text: "elsewhere"})
	require.NoError(t, err)

	require.NoError(t, e.Load(ctx, first.SessionID))
	require.Equal(t, []string{"in first", "reply", "elsewhere"}, texts(e.TranscriptOf(first.SessionID)))
	active, _ := e.Active()
	require.Equal(t, second.ID, active.ID)

	require.ErrorIs(t, e.Load(ctx, "missing"), directory.ErrUnknownSession)
}

func TestReloadKeepsEntriesConfirmedDuringList(t *testing.T) {
	ctx := context.Background()
	store := &staleStore{Memory: history.NewMemory()}
	e, ob := newTestEngine(t, store, echo("reply"))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 2, e.Pending(turn.SessionID))

	// writes land and confirm after the list snapshot was taken
	store.afterList = func() { require.Zero(t, ob.Flush(ctx)) }

	require.NoError(t, e.SwitchSession(ctx, turn.SessionID))
	entries := e.Transcript()
	require.Equal(t, []string{"hello", "reply"}, texts(entries))
	require.Equal(t, turn.User.LocalID, entries[0].LocalID)
	require.True(t, entries[0].Confirmed())
	require.True(t, entries[1].Confirmed())
	require.Zero(t, e.Pending(turn.SessionID))

	// a later reload sees the records and keeps one entry each
	require.NoError(t, e.Load(ctx, turn.SessionID))
	require.Equal(t, []string{"hello", "reply"}, texts(e.TranscriptOf(turn.SessionID)))
}

func TestReloadKeepsRecordsReconciledDuringList(t *testing.T) {
	ctx := context.Background()
	store := &staleStore{Memory: history.NewMemory()}
	e, ob := newTestEngine(t, store, echo("reply"))

	turn, err := e.Submit(ctx, "hello")
	require.NoError(t, err)
	require.Zero(t, ob.Flush(ctx))

	store.afterList = func() {
		stored, err := store.Memory.AppendMessage(ctx, history.Message{SessionID: turn.SessionID, Owner: "alice", Role: history.RoleUser, Text: "from elsewhere"})
		require.NoError(t, err)
		require.Equal(t, OutcomeAppended, e.Reconcile(stored))
	}

	require.NoError(t, e.Load(ctx, turn.SessionID))
	require.Equal(t, []string{"hello", "reply", "from elsewhere"}, texts(e.TranscriptOf(turn.SessionID)))
}
