package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

const (
	StreamName    = "CONFAB_MESSAGES"
	SubjectPrefix = "confab.session"
)

// JetStreamBroker fans out through a NATS JetStream stream. Each subscriber
// gets an ephemeral consumer that starts at the newest message.
type JetStreamBroker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewJetStreamBroker connects to NATS and ensures the stream exists.
func NewJetStreamBroker(ctx context.Context, url string, logger zerolog.Logger) (*JetStreamBroker, error) {
	nc, err := nats.Connect(url, nats.Name("confab"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		logger.Info().Str("stream", StreamName).Msg("stream not found, creating")
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Description: "Inserted chat messages by session",
			Subjects:    []string{SubjectPrefix + ".*"},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %q: %w", StreamName, err)
		}
	}
	logger.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("jetstream feed ready")

	return &JetStreamBroker{nc: nc, js: js, logger: logger}, nil
}

func natsSubject(sessionID uuid.UUID) string {
	return SubjectPrefix + "." + sessionID.String()
}

func (b *JetStreamBroker) Publish(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	subject := natsSubject(msg.SessionID)
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		metrics.FeedPublishErrors.WithLabelValues(BackendNATS).Inc()
		return fmt.Errorf("failed to publish to subject %q: %w", subject, err)
	}
	return nil
}

func (b *JetStreamBroker) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	subject := natsSubject(sessionID)
	cons, err := b.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject %q: %w", subject, err)
	}

	r := newRelay(BackendNATS)
	overflow := make(chan struct{})
	consumeCtx, err := cons.Consume(func(m jetstream.Msg) {
		var row models.Message
		if err := json.Unmarshal(m.Data(), &row); err != nil {
			b.logger.Error().Err(err).Str("subject", m.Subject()).Msg("dropping malformed feed payload")
			return
		}
		if r.offer(row) {
			close(overflow)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("jetstream consume error")
	}))
	if err != nil {
		r.close()
		return nil, fmt.Errorf("failed to start consuming from subject %q: %w", subject, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-overflow:
			b.logger.Warn().Str("subject", subject).Msg("feed subscriber fell behind, disconnecting")
		case <-consumeCtx.Closed():
		}
		consumeCtx.Stop()
		r.close()
	}()
	return r.ch, nil
}

func (b *JetStreamBroker) Close() error {
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
