// Package feed fans stored message rows out to every subscriber of a
// session. Delivery is at-least-once; a subscriber that falls behind is
// disconnected and must reload history.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// subscriberBuffer is how many undelivered rows a subscriber may queue.
const subscriberBuffer = 64

// ErrClosed is returned after the broker has been closed.
var ErrClosed = errors.New("feed: broker closed")

// Broker publishes message inserts and delivers them to session subscribers.
type Broker interface {
	Publish(ctx context.Context, msg models.Message) error
	// Subscribe returns a channel of rows for sessionID. The channel is
	// closed when ctx ends, the broker closes, or the subscriber falls behind.
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error)
	Close() error
}

// Options carries the connections a backend may need.
type Options struct {
	Redis   *redis.Client
	NatsURL string
	Logger  zerolog.Logger
}

// New opens the named backend.
func New(ctx context.Context, backend string, opts Options) (Broker, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryBroker(opts.Logger), nil
	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("feed: redis backend needs REDIS_URL")
		}
		return NewRedisBroker(opts.Redis, opts.Logger), nil
	case BackendNATS:
		if opts.NatsURL == "" {
			return nil, fmt.Errorf("feed: nats backend needs NATS_URL")
		}
		b, err := NewJetStreamBroker(ctx, opts.NatsURL, opts.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("feed: unknown backend %q", backend)
}

// relay is the buffered channel handed to one subscriber. Sends never
// block: a full buffer closes the relay instead.
type relay struct {
	backend string

	mu     sync.Mutex
	ch     chan models.Message
	closed bool
}

func newRelay(backend string) *relay {
	metrics.FeedSubscribers.Inc()
	return &relay{backend: backend, ch: make(chan models.Message, subscriberBuffer)}
}

// offer delivers msg and reports whether the subscriber overflowed.
func (r *relay) offer(msg models.Message) (overflow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- msg:
		return false
	default:
		metrics.FeedDropped.WithLabelValues(r.backend).Inc()
		r.closeLocked()
		return true
	}
}

func (r *relay) close() {
	r.mu.Lock()
	r.closeLocked()
	r.mu.Unlock()
}

func (r *relay) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
	metrics.FeedSubscribers.Dec()
}

func (r *relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
