package crdb

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticketudp/internal/journal"
)

const (
	SerializationFailureCode = "40001"

	ViolationEventType = "verifier.violation"
)

var ErrSerializationFailure = errors.New("serialization failure")

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	run_id UUID NOT NULL,
	scenario TEXT NOT NULL,
	seq INT NOT NULL,
	kind TEXT NOT NULL,
	request_hex TEXT NOT NULL,
	response_hex TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	sent_at TIMESTAMPTZ NOT NULL,
	duration_us INT NOT NULL,
	PRIMARY KEY (run_id, scenario, seq)
);
CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	dedupe_key TEXT NOT NULL
);
`

// Repository journals verifier exchanges. Violations additionally land in
// the outbox within the same transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables when they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "migrate")
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return ErrSerializationFailure
		}
		return err
	}

	return tx.Commit(ctx)
}

// Record implements journal.Sink.
func (r *Repository) Record(ctx context.Context, e journal.Entry) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.InsertExchange(ctx, tx, e); err != nil {
			return err
		}
		if !e.Violation() {
			return nil
		}
		payload, err := json.Marshal(violationPayload(e))
		if err != nil {
			return err
		}
		return r.InsertOutbox(ctx, tx, OutboxRecord{
			ID:            uuid.New(),
			AggregateType: "run",
			AggregateID:   e.RunID,
			EventType:     ViolationEventType,
			Payload:       payload,
			DedupeKey:     dedupeKey(e),
		})
	})
}

func (r *Repository) InsertExchange(ctx context.Context, tx pgx.Tx, e journal.Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO exchanges (run_id, scenario, seq, kind, request_hex, response_hex, outcome, detail, sent_at, duration_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.RunID, e.Scenario, e.Seq, e.Kind, e.Request, e.Response, e.Outcome, e.Detail, e.SentAt, e.Duration.Microseconds())
	return err
}

// Exchanges returns the journal of a run in scenario and sequence order.
func (r *Repository) Exchanges(ctx context.Context, runID uuid.UUID) ([]journal.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, scenario, seq, kind, request_hex, response_hex, outcome, detail, sent_at, duration_us
		FROM exchanges WHERE run_id = $1 ORDER BY scenario, seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var e journal.Entry
		var durationUS int64
		if err := rows.Scan(&e.RunID, &e.Scenario, &e.Seq, &e.Kind, &e.Request, &e.Response, &e.Outcome, &e.Detail, &e.SentAt, &durationUS); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationUS) * time.Microsecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Violation is the outbox payload of a protocol violation.
type Violation struct {
	RunID    uuid.UUID `json:"run_id"`
	Scenario string    `json:"scenario"`
	Seq      int       `json:"seq"`
	Kind     string    `json:"kind"`
	Request  string    `json:"request_hex"`
	Response string    `json:"response_hex"`
	Detail   string    `json:"detail"`
	SentAt   time.Time `json:"sent_at"`
}

func violationPayload(e journal.Entry) Violation {
	return Violation{
		RunID:    e.RunID,
		Scenario: e.Scenario,
		Seq:      e.Seq,
		Kind:     e.Kind,
		Request:  e.Request,
		Response: e.Response,
		Detail:   e.Detail,
		SentAt:   e.SentAt,
	}
}

func dedupeKey(e journal.Entry) string {
	return e.RunID.String() + "/" + e.Scenario + "/" + strconv.Itoa(e.Seq)
}
