package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/models"
)

var errOffline = &models.StorageError{Op: "insert message", Transient: true, Err: errors.New("connection refused")}

// memStore is an in-memory Store enforcing the sequence slot constraint.
type memStore struct {
	mu    sync.Mutex
	rows  []models.Message
	calls int
	fail  int   // remaining inserts to fail; negative fails forever
	err   error // returned while failing
	lose  int   // remaining inserts that commit but report err
	hub   *memHub
}

func newMemStore() *memStore {
	return &memStore{err: errOffline}
}

func (s *memStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	s.calls++
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	for _, r := range s.rows {
		if r.ID == msg.ID || (r.SessionID == msg.SessionID && r.SequenceNumber == msg.SequenceNumber && r.IsAssistantReply == msg.IsAssistantReply) {
			s.mu.Unlock()
			return nil, ErrConstraintViolation
		}
	}
	row := *msg
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.rows = append(s.rows, row)
	hub := s.hub
	lost := s.lose > 0
	if lost {
		s.lose--
	}
	err := s.err
	s.mu.Unlock()

	if hub != nil {
		hub.publish(row)
	}
	if lost {
		return nil, err
	}
	return &row, nil
}

func (s *memStore) GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.SessionID == sessionID && r.ID == id {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (s *memStore) QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Message
	for _, r := range s.rows {
		if r.SessionID == sessionID {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]models.Message(nil), all[offset:end]...), total, nil
}

func (s *memStore) snapshot() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.rows...)
}

func (s *memStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memStore) count(assistant bool) int {
	n := 0
	for _, r := range s.snapshot() {
		if r.IsAssistantReply == assistant {
			n++
		}
	}
	return n
}

// memHub is a Feed fanning inserts out to every subscriber.
type memHub struct {
	mu   sync.Mutex
	subs map[chan models.Message]uuid.UUID
}

func newMemHub() *memHub {
	return &memHub{subs: make(map[chan models.Message]uuid.UUID)}
}

func (h *memHub) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	ch := make(chan models.Message, 64)
	h.mu.Lock()
	h.subs[ch] = sessionID
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}()
	return ch, nil
}

func (h *memHub) publish(row models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, session := range h.subs {
		if session == row.SessionID {
			ch <- row
		}
	}
}

// drop closes every subscription as a lost connection would.
func (h *memHub) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// scriptedProvider streams fixed tokens, optionally holding the stream open
// after the first token until release is closed or ctx ends.
type scriptedProvider struct {
	tokens  []string
	err     error
	release chan struct{}
	started chan struct{}

	mu      sync.Mutex
	calls   int
	prompts [][]models.Turn
}

func (p *scriptedProvider) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.calls++
	p.prompts = append(p.prompts, turns)
	p.mu.Unlock()

	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		for i, tok := range p.tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				close(out)
				errs <- ctx.Err()
				return
			}
			if i == 0 && p.started != nil {
				close(p.started)
			}
			if i == 0 && p.release != nil {
				select {
				case <-p.release:
				case <-ctx.Done():
					close(out)
					errs <- ctx.Err()
					return
				}
			}
		}
		close(out)
		errs <- p.err
	}()
	return out, errs
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordSleep replaces the writer's backoff with an instant, recorded one.
func recordSleep(w *Writer) *[]time.Duration {
	var mu sync.Mutex
	delays := []time.Duration{}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return &delays
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func userRow(session, sender uuid.UUID, id string, seq int64, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		SessionID:      session,
		SenderID:       &sender,
		Role:           models.RoleUser,
		Content:        "message " + id,
		CreatedAt:      at,
		SequenceNumber: seq,
	}
}

func replyRow(session uuid.UUID, id string, seq int64, at time.Time) models.Message {
	return models.Message{
		ID:               id,
		SessionID:        session,
		Role:             models.RoleAssistant,
		Content:          "reply " + id,
		CreatedAt:        at,
		IsAssistantReply: true,
		SequenceNumber:   seq,
	}
}

// flakyFeed fails the next n subscriptions before delegating to a memHub.
type flakyFeed struct {
	*memHub
	mu   sync.Mutex
	fail int
}

var errDialRefused = errors.New("dial refused")

func (f *flakyFeed) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return nil, errDialRefused
	}
	f.mu.Unlock()
	return f.memHub.Subscribe(ctx, sessionID)
}
