package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticketudp/internal/journal"
	"github.com/robertarktes/ticketudp/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ExchangeAudit stores one document per verifier exchange.
type ExchangeAudit struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewExchangeAudit(db *mongo.Database, logger observability.Logger) *ExchangeAudit {
	return &ExchangeAudit{
		coll:   db.Collection("exchange_audit"),
		logger: logger,
	}
}

type ExchangeDoc struct {
	ID         string    `bson:"_id"`
	RunID      string    `bson:"run_id"`
	Scenario   string    `bson:"scenario"`
	Seq        int       `bson:"seq"`
	Kind       string    `bson:"kind"`
	Request    string    `bson:"request_hex"`
	Response   string    `bson:"response_hex"`
	Outcome    string    `bson:"outcome"`
	Detail     string    `bson:"detail,omitempty"`
	SentAt     time.Time `bson:"sent_at"`
	DurationUS int64     `bson:"duration_us"`
}

func exchangeDoc(e journal.Entry) ExchangeDoc {
	return ExchangeDoc{
		ID:         fmt.Sprintf("%s/%s/%d", e.RunID, e.Scenario, e.Seq),
		RunID:      e.RunID.String(),
		Scenario:   e.Scenario,
		Seq:        e.Seq,
		Kind:       e.Kind,
		Request:    e.Request,
		Response:   e.Response,
		Outcome:    e.Outcome,
		Detail:     e.Detail,
		SentAt:     e.SentAt,
		DurationUS: e.Duration.Microseconds(),
	}
}

// Record implements journal.Sink.
func (a *ExchangeAudit) Record(ctx context.Context, e journal.Entry) error {
	_, err := a.coll.InsertOne(ctx, exchangeDoc(e))
	if err != nil {
		a.logger.Error("failed to insert exchange audit", err)
		return err
	}
	return nil
}

// Violations returns the violation documents of a run in sequence order.
func (a *ExchangeAudit) Violations(ctx context.Context, runID uuid.UUID) ([]ExchangeDoc, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"run_id": runID.String(), "outcome": journal.OutcomeViolation},
		options.Find().SetSort(bson.D{{Key: "scenario", Value: 1}, {Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []ExchangeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
