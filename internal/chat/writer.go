package chat

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

// RetryPolicy controls how the Writer retries transient store failures.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay unit; attempt n waits BaseDelay * Multiplier^n
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 2s then 4s (capped at 8s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
	}
}

// Delay returns the wait after failed attempt n (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Writer durably appends message rows, retrying transient failures.
type Writer struct {
	store  Store
	policy RetryPolicy
	logger zerolog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, delay time.Duration, err error)
}

// NewWriter creates a Writer. A zero policy uses DefaultRetryPolicy.
func NewWriter(store Store, policy RetryPolicy, logger zerolog.Logger) *Writer {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Writer{store: store, policy: policy, logger: logger, sleep: sleepContext}
}

// OnRetry registers a hook called before each backoff wait.
func (w *Writer) OnRetry(fn func(attempt int, delay time.Duration, err error)) {
	w.onRetry = fn
}

// Persist stores row exactly once on success. Validation and constraint
// errors return immediately; other errors are retried per the policy and
// reported as *RetryExhaustedError once attempts run out.
//
// A transient failure may hide a committed insert. When a later attempt then
// hits the sequence constraint, the stored row with the same ID is returned
// as the result if the store can look it up.
func (w *Writer) Persist(ctx context.Context, row models.Message) (*models.Message, error) {
	if err := validateRow(row); err != nil {
		return nil, err
	}
	if row.ID == "" {
		row.ID = ulid.Make().String()
	}

	var lastErr error
	uncertain := false
	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		saved, err := w.store.InsertMessage(ctx, &row)
		if err == nil {
			return saved, nil
		}
		lastErr = err

		if !retryable(err) {
			if errors.Is(err, ErrConstraintViolation) {
				if uncertain {
					if saved := w.committed(ctx, row); saved != nil {
						return saved, nil
					}
				}
				w.logger.Error().
					Err(err).
					Str("session_id", row.SessionID.String()).
					Int64("sequence", row.SequenceNumber).
					Bool("assistant", row.IsAssistantReply).
					Msg("sequence slot already taken")
			}
			return nil, err
		}
		uncertain = true

		if attempt == w.policy.MaxAttempts {
			break
		}

		delay := w.policy.Delay(attempt)
		w.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Int64("sequence", row.SequenceNumber).
			Msg("persist failed, retrying")
		if w.onRetry != nil {
			w.onRetry(attempt, delay, err)
		}

		if err := w.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetryExhaustedError{Err: lastErr, Attempts: w.policy.MaxAttempts}
}

// committed returns the stored copy of row when an earlier attempt did land.
func (w *Writer) committed(ctx context.Context, row models.Message) *models.Message {
	lookup, ok := w.store.(MessageLookup)
	if !ok {
		return nil
	}
	stored, err := lookup.GetMessage(ctx, row.SessionID, row.ID)
	if err != nil {
		w.logger.Warn().Err(err).Str("message_id", row.ID).Msg("lookup after conflict failed")
		return nil
	}
	if stored == nil || stored.SequenceNumber != row.SequenceNumber || stored.IsAssistantReply != row.IsAssistantReply {
		return nil
	}
	w.logger.Info().
		Str("message_id", row.ID).
		Int64("sequence", row.SequenceNumber).
		Msg("earlier attempt had been stored")
	return stored
}

func validateRow(row models.Message) error {
	if row.SequenceNumber <= 0 {
		return &ValidationError{Field: "sequence_number", Reason: "must be positive"}
	}
	if !row.Role.Valid() {
		return &ValidationError{Field: "role", Reason: "must be user or assistant"}
	}
	if _, err := ValidateContent(row.Content); err != nil {
		return err
	}
	if !row.IsAssistantReply && row.SenderID == nil {
		return &ValidationError{Field: "sender_id", Reason: "user turns need a sender"}
	}
	return nil
}

// retryable treats everything except input, invariant, cancellation and
// permanent storage errors as transient.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
