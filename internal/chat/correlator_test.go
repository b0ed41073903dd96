package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

type correlatorFixture struct {
	session  uuid.UUID
	store    *memStore
	timeline *Timeline
	corr     *Correlator

	mu   sync.Mutex
	done []Turn
}

func newCorrelatorFixture(t *testing.T, provider Provider) *correlatorFixture {
	t.Helper()
	f := &correlatorFixture{session: uuid.New(), store: newMemStore(), timeline: NewTimeline()}
	w := NewWriter(f.store, DefaultRetryPolicy(), zerolog.Nop())
	recordSleep(w)
	f.corr = NewCorrelator(f.session, f.timeline, w, provider, zerolog.Nop())
	f.corr.onDone = func(turn Turn) {
		f.mu.Lock()
		f.done = append(f.done, turn)
		f.mu.Unlock()
	}
	f.timeline.MergeRemote(FromRow(userRow(f.session, uuid.New(), "u1", 10, time.Now())))
	return f
}

func (f *correlatorFixture) finished() []Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Turn(nil), f.done...)
}

func TestCorrelatorPersistsOneReplyPerTurn(t *testing.T) {
	tokens := make([]string, 50)
	for i := range tokens {
		tokens[i] = "tok "
	}
	f := newCorrelatorFixture(t, &scriptedProvider{tokens: tokens})

	token := f.corr.Begin(10)
	f.corr.Run(context.Background(), token, []models.Turn{{Role: models.RoleUser, Content: "hi"}})

	rows := f.store.snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected exactly one persisted reply, got %d", len(rows))
	}
	reply := rows[0]
	if !reply.IsAssistantReply || reply.SequenceNumber != 10 || reply.SenderID != nil {
		t.Fatalf("reply not keyed to its user turn: %+v", reply)
	}
	if reply.Content != strings.Repeat("tok ", 50) {
		t.Fatalf("unexpected reply content %q", reply.Content)
	}

	m, ok := f.timeline.Turn(10, true)
	if !ok || m.Status != StatusSent || m.ID != reply.ID {
		t.Fatalf("timeline reply not confirmed: %+v", m)
	}

	done := f.finished()
	if len(done) != 1 || done[0].State != TurnSettled || done[0].Reply == nil {
		t.Fatalf("expected one settled turn, got %+v", done)
	}
	if len(f.corr.Active()) != 0 {
		t.Fatal("settled turn still active")
	}
}

func TestCorrelatorConcurrentTokensThenSettle(t *testing.T) {
	f := newCorrelatorFixture(t, &scriptedProvider{})
	token := f.corr.Begin(10)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.corr.advance(token)
			f.timeline.ReconcileStreamToken(10, "x")
		}()
	}
	wg.Wait()

	if m, _ := f.timeline.Turn(10, true); len(m.Content) != 32 {
		t.Fatalf("expected 32 tokens accumulated, got %d", len(m.Content))
	}

	var settles sync.WaitGroup
	for i := 0; i < 4; i++ {
		settles.Add(1)
		go func() {
			defer settles.Done()
			f.corr.settle(context.Background(), token, strings.Repeat("x", 32))
		}()
	}
	settles.Wait()

	if got := f.store.count(true); got != 1 {
		t.Fatalf("expected exactly one durable insert, got %d", got)
	}
	if got := f.store.callCount(); got != 1 {
		t.Fatalf("expected one insert call, got %d", got)
	}
}

func TestCorrelatorCancelPersistsNothing(t *testing.T) {
	p := &scriptedProvider{
		tokens:  []string{"partial", " reply"},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	f := newCorrelatorFixture(t, p)
	token := f.corr.Begin(10)

	finished := make(chan struct{})
	go func() {
		f.corr.Run(context.Background(), token, nil)
		close(finished)
	}()

	<-p.started
	eventually(t, func() bool {
		m, ok := f.timeline.Turn(10, true)
		return ok && m.Status == StatusStreaming
	})

	if !f.corr.Cancel(token) {
		t.Fatal("expected Cancel to report an active turn")
	}
	<-finished

	if got := f.store.count(true); got != 0 {
		t.Fatalf("expected no persisted reply, got %d", got)
	}
	if _, ok := f.timeline.Turn(10, true); ok {
		t.Fatal("placeholder should be removed")
	}
	done := f.finished()
	if len(done) != 1 || done[0].State != TurnFailed || !errors.Is(done[0].Err, ErrCancelled) {
		t.Fatalf("expected one cancelled turn, got %+v", done)
	}
	if f.corr.Cancel(token) {
		t.Fatal("cancelling a finished turn should be a no-op")
	}
}

func TestCorrelatorStreamErrorFailsTurn(t *testing.T) {
	streamErr := errors.New("upstream 500")
	f := newCorrelatorFixture(t, &scriptedProvider{tokens: []string{"half"}, err: streamErr})

	token := f.corr.Begin(10)
	f.corr.Run(context.Background(), token, nil)

	if got := f.store.count(true); got != 0 {
		t.Fatalf("expected no persisted reply, got %d", got)
	}
	if _, ok := f.timeline.Turn(10, true); ok {
		t.Fatal("placeholder should be removed after a stream error")
	}

	done := f.finished()
	if len(done) != 1 || done[0].State != TurnFailed {
		t.Fatalf("expected one failed turn, got %+v", done)
	}
	var ce *CompletionError
	if !errors.As(done[0].Err, &ce) || ce.Sequence != 10 || !errors.Is(done[0].Err, streamErr) {
		t.Fatalf("expected CompletionError wrapping the stream error, got %v", done[0].Err)
	}
}

func TestCorrelatorEmptyReplyFails(t *testing.T) {
	f := newCorrelatorFixture(t, &scriptedProvider{})

	token := f.corr.Begin(10)
	f.corr.Run(context.Background(), token, nil)

	done := f.finished()
	if len(done) != 1 || !errors.Is(done[0].Err, ErrEmptyReply) {
		t.Fatalf("expected empty reply failure, got %+v", done)
	}
	if f.store.callCount() != 0 {
		t.Fatal("empty replies must not be persisted")
	}
}

func TestCorrelatorKeepsReplyWhenPersistFails(t *testing.T) {
	f := newCorrelatorFixture(t, &scriptedProvider{tokens: []string{"an", " answer"}})
	f.store.fail = -1

	token := f.corr.Begin(10)
	f.corr.Run(context.Background(), token, nil)

	m, ok := f.timeline.Turn(10, true)
	if !ok {
		t.Fatal("settled reply should stay visible")
	}
	if m.Status != StatusFailed || m.Content != "an answer" {
		t.Fatalf("expected failed reply with full text, got %q (%s)", m.Content, m.Status)
	}
	done := f.finished()
	if len(done) != 1 || done[0].State != TurnSettled || !IsRetryExhausted(done[0].Err) {
		t.Fatalf("expected settled turn carrying the persist error, got %+v", done)
	}
}

func TestTurnStateString(t *testing.T) {
	states := map[TurnState]string{
		TurnPending:   "pending",
		TurnStreaming: "streaming",
		TurnSettled:   "settled",
		TurnFailed:    "failed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
