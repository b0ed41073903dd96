package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

// MemoryBroker fans out within a single process.
type MemoryBroker struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*relay]struct{}
	closed bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker(logger zerolog.Logger) *MemoryBroker {
	return &MemoryBroker{logger: logger, subs: make(map[uuid.UUID]map[*relay]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg models.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var slow []*relay
	for r := range b.subs[msg.SessionID] {
		if r.offer(msg) {
			slow = append(slow, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range slow {
		b.logger.Warn().
			Str("session_id", msg.SessionID.String()).
			Msg("feed subscriber fell behind, disconnecting")
		b.remove(msg.SessionID, r)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	r := newRelay(BackendMemory)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*relay]struct{})
	}
	b.subs[sessionID][r] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sessionID, r)
	}()
	return r.ch, nil
}

// Subscribers returns the number of open subscriptions for a session.
func (b *MemoryBroker) Subscribers(sessionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

func (b *MemoryBroker) remove(sessionID uuid.UUID, r *relay) {
	b.mu.Lock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()
	r.close()
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for r := range set {
			r.close()
		}
	}
	b.subs = make(map[uuid.UUID]map[*relay]struct{})
	return nil
}
