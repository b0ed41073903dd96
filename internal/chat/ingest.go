package chat

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

// IngestFilter merges realtime insert events into a Timeline.
//
// A user turn sent by the local participant is already on screen from the
// optimistic append, so its echo is dropped. Assistant replies are always
// merged: the completion may have run in another tab or process.
type IngestFilter struct {
	session  uuid.UUID
	self     uuid.UUID
	timeline *Timeline
	logger   zerolog.Logger

	resync  atomic.Bool
	dropped atomic.Int64
	merged  atomic.Int64
}

// NewIngestFilter creates a filter for one session and local participant.
func NewIngestFilter(session, self uuid.UUID, timeline *Timeline, logger zerolog.Logger) *IngestFilter {
	return &IngestFilter{session: session, self: self, timeline: timeline, logger: logger}
}

// Handle applies one event and reports whether it changed the timeline.
func (f *IngestFilter) Handle(row models.Message) bool {
	if row.SessionID != f.session {
		return false
	}
	if !row.IsAssistantReply && row.SentBy(f.self) {
		f.dropped.Add(1)
		return false
	}
	if f.timeline.MergeRemote(FromRow(row)) {
		f.merged.Add(1)
		return true
	}
	return false
}

// Run consumes events until ctx ends or the feed closes. A feed that closes
// while ctx is still live sets the resync flag and returns ErrResyncRequired.
func (f *IngestFilter) Run(ctx context.Context, events <-chan models.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.resync.Store(true)
				f.logger.Warn().
					Str("session_id", f.session.String()).
					Msg("realtime feed disconnected, resync required")
				return ErrResyncRequired
			}
			f.Handle(row)
		}
	}
}

// ResyncRequired reports whether the feed dropped since the last resync.
func (f *IngestFilter) ResyncRequired() bool {
	return f.resync.Load()
}

func (f *IngestFilter) clearResync() {
	f.resync.Store(false)
}

func (f *IngestFilter) requireResync() {
	f.resync.Store(true)
}

// Dropped returns how many self echoes were discarded.
func (f *IngestFilter) Dropped() int64 {
	return f.dropped.Load()
}

// Merged returns how many events changed the timeline.
func (f *IngestFilter) Merged() int64 {
	return f.merged.Load()
}
