package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

// DefaultHistoryTurns is how many prior entries are sent with a completion.
const DefaultHistoryTurns = 20

// Config configures a Conversation.
type Config struct {
	SessionID uuid.UUID
	Self      uuid.UUID // local participant

	PageSize     int
	HistoryTurns int
	Retry        RetryPolicy
	Logger       *zerolog.Logger
	Now          func() time.Time

	// OnError receives failed sends and failed completions. Cancellations
	// are not reported.
	OnError func(seq int64, err error)

	// OnResync fires when the realtime feed drops and the timeline may be stale.
	OnResync func()
}

// Conversation drives one client's view of a session: optimistic sends,
// persistence, realtime merge, completions and history paging.
type Conversation struct {
	cfg      Config
	store    Store
	feed     Feed
	provider Provider
	logger   zerolog.Logger

	timeline   *Timeline
	alloc      *SequenceAllocator
	writer     *Writer
	ingest     *IngestFilter
	correlator *Correlator
	pager      *Pager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	oldest     int // lowest page index merged, -1 before the first load
	closed     bool
	feedCancel context.CancelFunc

	turns  sync.WaitGroup
	feedWg sync.WaitGroup
}

// NewConversation wires the engine components for one session. feed and
// provider may be nil: without a feed only local writes and page loads
// reach the timeline; without a provider no completions are requested.
func NewConversation(cfg Config, store Store, feed Feed, provider Provider) *Conversation {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("session_id", cfg.SessionID.String()).Logger()
	}

	timeline := NewTimeline()
	timeline.now = cfg.Now

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		cfg:      cfg,
		store:    store,
		feed:     feed,
		provider: provider,
		logger:   logger,
		timeline: timeline,
		alloc:    NewSequenceAllocator(cfg.Now),
		writer:   NewWriter(store, cfg.Retry, logger),
		ingest:   NewIngestFilter(cfg.SessionID, cfg.Self, timeline, logger),
		pager:    NewPager(store, cfg.SessionID, cfg.PageSize),
		ctx:      ctx,
		cancel:   cancel,
		oldest:   -1,
	}
	if provider != nil {
		c.correlator = NewCorrelator(cfg.SessionID, timeline, c.writer, provider, logger)
		c.correlator.now = cfg.Now
		c.correlator.onDone = c.turnDone
	}
	return c
}

// Start subscribes to the realtime feed and loads the newest history. The
// subscription is opened first so no insert falls between the two.
func (c *Conversation) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.subscribe(); err != nil {
		return err
	}
	return c.loadNewest(ctx)
}

// SubmitUserTurn validates text, shows it immediately and persists it in the
// background. The returned key pairs the turn with its assistant reply.
// Validation errors are returned synchronously; later failures go to
// Config.OnError and leave the entry marked failed.
func (c *Conversation) SubmitUserTurn(ctx context.Context, text string) (int64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	content, err := ValidateContent(text)
	if err != nil {
		return 0, err
	}

	seq := c.alloc.Next()
	msg := localTurn(ulid.Make().String(), c.cfg.SessionID, c.cfg.Self, content, seq, c.cfg.Now())
	c.timeline.AppendLocal(msg)

	c.turns.Add(1)
	go c.deliver(msg)
	return seq, nil
}

func (c *Conversation) deliver(msg Message) {
	defer c.turns.Done()

	saved, err := c.writer.Persist(c.ctx, msg.Row())
	if err != nil {
		c.timeline.MarkFailed(msg.Sequence, false)
		c.alloc.Release(msg.Sequence)
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Int64("sequence", msg.Sequence).Msg("message send failed")
			c.report(msg.Sequence, err)
		}
		return
	}
	c.timeline.MergeRemote(FromRow(*saved))

	if c.correlator == nil {
		c.alloc.Release(msg.Sequence)
		return
	}
	token := c.correlator.Begin(msg.Sequence)
	c.correlator.Run(c.ctx, token, c.prompt(msg.Sequence))
}

func (c *Conversation) turnDone(t Turn) {
	c.alloc.Release(t.Sequence)
	if t.Err != nil && !errors.Is(t.Err, ErrCancelled) {
		c.report(t.Sequence, t.Err)
	}
}

func (c *Conversation) report(seq int64, err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(seq, err)
	}
}

// prompt builds the completion input from confirmed history up to and
// including the user turn at seq.
func (c *Conversation) prompt(seq int64) []models.Turn {
	snap := c.timeline.Snapshot()
	turns := make([]models.Turn, 0, len(snap))
	for _, m := range snap {
		if m.Sequence > seq || (m.Sequence == seq && m.IsAssistantReply) {
			break
		}
		if m.Status != StatusSent {
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	if len(turns) > c.cfg.HistoryTurns {
		turns = turns[len(turns)-c.cfg.HistoryTurns:]
	}
	return turns
}

// OnTimelineChanged registers cb for every timeline change. The returned
// func unregisters it.
func (c *Conversation) OnTimelineChanged(cb func([]Message)) func() {
	return c.timeline.Subscribe(cb)
}

// LoadOlderPage merges the page before the oldest one loaded. It is a no-op
// once the first page is on screen.
func (c *Conversation) LoadOlderPage(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.oldest < 0 {
		c.mu.Unlock()
		return c.loadNewest(ctx)
	}
	index := c.oldest - 1
	c.mu.Unlock()

	if index < 0 {
		return nil
	}
	page, err := c.pager.Page(ctx, index)
	if err != nil {
		return err
	}
	c.merge(page)

	c.mu.Lock()
	if index < c.oldest {
		c.oldest = index
	}
	c.mu.Unlock()
	return nil
}

// HasOlder reports whether older history remains unloaded.
func (c *Conversation) HasOlder() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldest != 0
}

// CancelCurrentCompletion aborts every streaming reply. No partial reply is
// persisted. It reports whether anything was cancelled.
func (c *Conversation) CancelCurrentCompletion() bool {
	if c.correlator == nil {
		return false
	}
	return c.correlator.CancelAll() > 0
}

// ResyncRequired reports whether the feed dropped since the last resync.
func (c *Conversation) ResyncRequired() bool {
	return c.ingest.ResyncRequired()
}

// Resync reopens the feed and reloads every page loaded so far. The resync
// flag stays set until both have succeeded, so a failed attempt can be
// repeated.
func (c *Conversation) Resync(ctx context.Context) (err error) {
	if c.isClosed() {
		return ErrClosed
	}
	c.ingest.clearResync()
	defer func() {
		if err != nil {
			c.ingest.requireResync()
			c.logger.Warn().Err(err).Msg("resync failed")
		}
	}()
	if err := c.subscribe(); err != nil {
		return err
	}

	total, err := c.pager.Total(ctx)
	if err != nil {
		return err
	}
	last := LastPageIndex(total, c.pager.Size())

	c.mu.Lock()
	oldest := c.oldest
	c.mu.Unlock()
	if oldest < 0 || oldest > last {
		oldest = last
	}

	for i := last; i >= oldest; i-- {
		page, err := c.pager.Page(ctx, i)
		if err != nil {
			return err
		}
		c.merge(page)
	}

	c.mu.Lock()
	c.oldest = oldest
	c.mu.Unlock()
	c.logger.Info().Int("pages", last-oldest+1).Msg("timeline resynced")
	return nil
}

// RetryFailed resends a failed user turn as a new logical operation with a
// fresh sequence key.
func (c *Conversation) RetryFailed(ctx context.Context, id string) (int64, error) {
	m, ok := c.timeline.Get(id)
	if !ok {
		return 0, &ValidationError{Field: "id", Reason: "no such message"}
	}
	if m.Status != StatusFailed || m.IsAssistantReply {
		return 0, &ValidationError{Field: "id", Reason: "only failed user turns can be retried"}
	}
	seq, err := c.SubmitUserTurn(ctx, m.Content)
	if err != nil {
		return 0, err
	}
	c.timeline.Remove(id)
	return seq, nil
}

// Timeline exposes the underlying buffer.
func (c *Conversation) Timeline() *Timeline {
	return c.timeline
}

// Turns returns the completions still in flight.
func (c *Conversation) Turns() []Turn {
	if c.correlator == nil {
		return nil
	}
	return c.correlator.Active()
}

// Wait blocks until every submitted turn has been persisted or failed and
// its completion, if any, has finished.
func (c *Conversation) Wait() {
	c.turns.Wait()
}

// Close tears the conversation down: completions are cancelled without
// persisting partial replies, pending writes are abandoned and the feed is
// unsubscribed.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelCurrentCompletion()
	c.cancel()
	c.turns.Wait()
	c.feedWg.Wait()
	return nil
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conversation) subscribe() error {
	if c.feed == nil {
		return nil
	}

	c.mu.Lock()
	if c.feedCancel != nil {
		c.feedCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.feedCancel = cancel
	c.mu.Unlock()

	events, err := c.feed.Subscribe(ctx, c.cfg.SessionID)
	if err != nil {
		cancel()
		return err
	}

	c.feedWg.Add(1)
	go func() {
		defer c.feedWg.Done()
		if err := c.ingest.Run(ctx, events); errors.Is(err, ErrResyncRequired) && c.cfg.OnResync != nil {
			c.cfg.OnResync()
		}
	}()
	return nil
}

// loadNewest merges the newest page, plus the one before it when the newest
// is short, so the first screen is never nearly empty.
func (c *Conversation) loadNewest(ctx context.Context) error {
	total, err := c.pager.Total(ctx)
	if err != nil {
		return err
	}
	last := LastPageIndex(total, c.pager.Size())

	page, err := c.pager.Page(ctx, last)
	if err != nil {
		return err
	}
	c.merge(page)
	oldest := last

	if last > 0 && len(page.Messages) < c.pager.Size() {
		prev, err := c.pager.Page(ctx, last-1)
		if err != nil {
			return err
		}
		c.merge(prev)
		oldest = last - 1
	}

	c.mu.Lock()
	c.oldest = oldest
	c.mu.Unlock()
	return nil
}

func (c *Conversation) merge(p *Page) {
	for _, m := range p.Messages {
		c.timeline.MergeRemote(m)
	}
}
