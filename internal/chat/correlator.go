package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

// TurnState is the lifecycle of one assistant completion.
type TurnState int

const (
	TurnPending TurnState = iota
	TurnStreaming
	TurnSettled
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnPending:
		return "pending"
	case TurnStreaming:
		return "streaming"
	case TurnSettled:
		return "settled"
	case TurnFailed:
		return "failed"
	}
	return "unknown"
}

func (s TurnState) terminal() bool {
	return s == TurnSettled || s == TurnFailed
}

// Turn is the externally visible state of a correlated completion.
type Turn struct {
	Token    string // correlation token
	Sequence int64
	State    TurnState
	Err      error
	Reply    *models.Message // persisted reply once settled
}

type turnRun struct {
	Turn
	cancel context.CancelFunc
}

// Correlator binds each completion stream to the sequence key of the user
// turn that triggered it and persists exactly one reply per settled turn.
// State only moves forward: Pending, Streaming, then Settled or Failed.
type Correlator struct {
	session  uuid.UUID
	timeline *Timeline
	writer   *Writer
	provider Provider
	logger   zerolog.Logger
	now      func() time.Time

	// onDone runs once per turn after it reaches a terminal state.
	onDone func(Turn)

	mu    sync.Mutex
	turns map[string]*turnRun
}

// NewCorrelator creates a correlator for one session.
func NewCorrelator(session uuid.UUID, timeline *Timeline, writer *Writer, provider Provider, logger zerolog.Logger) *Correlator {
	return &Correlator{
		session:  session,
		timeline: timeline,
		writer:   writer,
		provider: provider,
		logger:   logger,
		now:      time.Now,
		turns:    make(map[string]*turnRun),
	}
}

// Begin registers a Pending turn for seq and returns its correlation token.
func (c *Correlator) Begin(seq int64) string {
	token := ulid.Make().String()
	c.mu.Lock()
	c.turns[token] = &turnRun{Turn: Turn{Token: token, Sequence: seq, State: TurnPending}}
	c.mu.Unlock()
	return token
}

// Run streams the completion for token and settles or fails it. It blocks
// until the turn is terminal. ctx bounds both the stream and the final
// persist; Cancel aborts only the stream.
func (c *Correlator) Run(ctx context.Context, token string, prompt []models.Turn) {
	c.mu.Lock()
	run, ok := c.turns[token]
	if !ok || run.State != TurnPending {
		c.mu.Unlock()
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	seq := run.Sequence
	c.mu.Unlock()
	defer cancel()

	tokens, errs := c.provider.Stream(streamCtx, prompt)

	var reply strings.Builder
	for tokens != nil {
		select {
		case <-streamCtx.Done():
			c.fail(token, ErrCancelled)
			return
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			if !c.advance(token) {
				return
			}
			reply.WriteString(tok)
			c.timeline.ReconcileStreamToken(seq, tok)
		}
	}

	select {
	case <-streamCtx.Done():
		c.fail(token, ErrCancelled)
		return
	case err := <-errs:
		if streamCtx.Err() != nil {
			c.fail(token, ErrCancelled)
			return
		}
		if err != nil {
			c.fail(token, &CompletionError{Sequence: seq, Err: err})
			return
		}
	}
	if streamCtx.Err() != nil {
		c.fail(token, ErrCancelled)
		return
	}

	c.settle(ctx, token, reply.String())
}

// advance moves a Pending turn to Streaming. It reports false when the turn
// has already reached a terminal state.
func (c *Correlator) advance(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.turns[token]
	if !ok || run.State.terminal() {
		return false
	}
	run.State = TurnStreaming
	return true
}

// settle persists the accumulated reply. Only the first call for a token
// writes; any later call is a no-op.
func (c *Correlator) settle(ctx context.Context, token, text string) {
	c.mu.Lock()
	run, ok := c.turns[token]
	if !ok || run.State.terminal() {
		c.mu.Unlock()
		return
	}
	seq := run.Sequence
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		c.fail(token, &CompletionError{Sequence: seq, Err: ErrEmptyReply})
		return
	}
	run.State = TurnSettled
	c.mu.Unlock()

	row := models.Message{
		ID:               ulid.Make().String(),
		SessionID:        c.session,
		Role:             models.RoleAssistant,
		Content:          text,
		CreatedAt:        c.now(),
		IsAssistantReply: true,
		SequenceNumber:   seq,
	}
	saved, err := c.writer.Persist(ctx, row)

	c.mu.Lock()
	if err != nil {
		run.Err = err
	} else {
		run.Reply = saved
	}
	final := run.Turn
	delete(c.turns, token)
	c.mu.Unlock()

	if err != nil {
		c.timeline.MarkFailed(seq, true)
		c.logger.Error().
			Err(err).
			Int64("sequence", seq).
			Msg("assistant reply could not be persisted")
	} else {
		c.timeline.MergeRemote(FromRow(*saved))
	}
	c.finish(final)
}

func (c *Correlator) fail(token string, cause error) {
	c.mu.Lock()
	run, ok := c.turns[token]
	if !ok || run.State.terminal() {
		c.mu.Unlock()
		return
	}
	run.State = TurnFailed
	run.Err = cause
	final := run.Turn
	delete(c.turns, token)
	c.mu.Unlock()

	c.timeline.RemovePlaceholder(final.Sequence)
	if errors.Is(cause, ErrCancelled) {
		c.logger.Info().Int64("sequence", final.Sequence).Msg("completion cancelled")
	} else {
		c.logger.Warn().Err(cause).Int64("sequence", final.Sequence).Msg("completion failed")
	}
	c.finish(final)
}

func (c *Correlator) finish(t Turn) {
	if c.onDone != nil {
		c.onDone(t)
	}
}

// Cancel aborts the stream for token. A Pending turn that has not started
// streaming fails immediately.
func (c *Correlator) Cancel(token string) bool {
	c.mu.Lock()
	run, ok := c.turns[token]
	if !ok || run.State.terminal() {
		c.mu.Unlock()
		return false
	}
	cancel := run.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		return true
	}
	c.fail(token, ErrCancelled)
	return true
}

// CancelAll cancels every in-flight turn and returns how many were cancelled.
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.turns))
	for token := range c.turns {
		tokens = append(tokens, token)
	}
	c.mu.Unlock()

	n := 0
	for _, token := range tokens {
		if c.Cancel(token) {
			n++
		}
	}
	return n
}

// Active returns the turns that have not reached a terminal state.
func (c *Correlator) Active() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, 0, len(c.turns))
	for _, run := range c.turns {
		out = append(out, run.Turn)
	}
	return out
}
