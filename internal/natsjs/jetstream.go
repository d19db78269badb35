package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mirrorstack/mailmirror/internal/store"
)

// StreamName holds mirror-change events for downstream consumers.
const StreamName = "MIRROR_EVENTS"

// Publisher wraps NATS JetStream for publishing mirror-change events.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewPublisher connects to NATS and sets up a JetStream context.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, logger: logger.With("component", "natsjs")}, nil
}

// EnsureStream ensures the mirror-events stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"account.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes one event with message-id deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// RunOutbox continuously drains the store's event outbox into JetStream.
// Failed publishes are retried with backoff; rows are only marked published
// after the broker accepted them.
func (p *Publisher) RunOutbox(ctx context.Context, st *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := st.DequeueEvents(ctx, 100)
		if err != nil {
			p.logger.Error("failed to dequeue outbox", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(events) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, ev := range events {
			if err := p.Publish(ev.Subject, ev.Payload, ev.MsgID); err != nil {
				p.logger.Error("failed to publish event", "id", ev.ID, "error", err)
				_ = st.MarkEventRetry(ctx, ev.ID, 10*time.Second)
				continue
			}
			if err := st.MarkEventPublished(ctx, ev.ID); err != nil {
				p.logger.Error("failed to mark event published", "id", ev.ID, "error", err)
			}
		}
	}
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
