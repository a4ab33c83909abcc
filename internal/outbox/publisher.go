package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticketudp/internal/adapters/crdb"
	"github.com/robertarktes/ticketudp/internal/observability"
)

const batchSize = 10

type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]crdb.OutboxRecord, error)
	MarkOutbox(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) error
	OutboxLag(ctx context.Context, now time.Time) (time.Duration, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Publisher relays outbox records to the broker, routed by event type.
type Publisher struct {
	store  Store
	broker Broker
	logger observability.Logger
}

func NewPublisher(store Store, broker Broker, logger observability.Logger) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.RelayOnce(ctx)
			if err != nil {
				p.logger.Error("outbox relay failed: ", err)
			}
			if n > 0 {
				p.logger.WithField("records", n).Debug("outbox records relayed")
			}
			if lag, err := p.store.OutboxLag(ctx, time.Now()); err == nil {
				observability.OutboxLag.Set(lag.Seconds())
			}
		}
	}
}

// RelayOnce publishes one batch. Records published before a broker failure
// are still marked; the failed one and the rest stay NEW.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	var relayed int
	var publishErr error
	err := p.store.WithTx(ctx, func(tx pgx.Tx) error {
		records, err := p.store.ClaimOutbox(ctx, tx, batchSize)
		if err != nil {
			return err
		}
		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:    rec.DedupeKey,
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Type:         rec.EventType,
				Timestamp:    rec.CreatedAt,
				Body:         rec.Payload,
			}
			if publishErr = p.broker.Publish(ctx, rec.EventType, msg); publishErr != nil {
				break
			}
			if err := p.store.MarkOutbox(ctx, tx, rec.ID, crdb.OutboxPublished, time.Now()); err != nil {
				return err
			}
			relayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.OutboxRelayed.Add(float64(relayed))
	return relayed, publishErr
}
