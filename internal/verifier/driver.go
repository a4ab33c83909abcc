// Package verifier drives a live server through scripted and randomized
// request sequences and checks every answer against the oracle.
package verifier

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticketudp/internal/client"
	"github.com/robertarktes/ticketudp/internal/clock"
	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/journal"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/oracle"
)

// Sink receives one entry per exchange.
type Sink = journal.Sink

type DriverOptions struct {
	Clock           clock.Clock
	ResponseTimeout time.Duration
	Sink            Sink
	RunID           uuid.UUID
	Scenario        string
	Logger          observability.Logger
}

// Driver sends one request at a time and feeds every answer to the model.
// Methods return nil or a *domain.RejectError when the answer is one a
// correct server may give, an error matching domain.ErrProtocol when it is
// not, and transport or codec errors unchanged.
type Driver struct {
	client *client.Client
	model  *oracle.Model
	clock  clock.Clock
	sink   Sink
	logger observability.Logger

	runID    uuid.UUID
	scenario string
	seq      int
	last     client.Exchange
	predict  oracle.Outcome
}

func NewDriver(ctx context.Context, addr string, model *oracle.Model, opts DriverOptions) (*Driver, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Sink == nil {
		opts.Sink = journal.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = client.DefaultResponseTimeout
	}
	d := &Driver{
		model:    model,
		clock:    opts.Clock,
		sink:     opts.Sink,
		logger:   opts.Logger,
		runID:    opts.RunID,
		scenario: opts.Scenario,
	}
	c, err := client.Dial(ctx, addr,
		client.WithResponseTimeout(opts.ResponseTimeout),
		client.WithObserver(func(e client.Exchange) { d.last = e }),
	)
	if err != nil {
		return nil, err
	}
	d.client = c
	return d, nil
}

func (d *Driver) Close() error {
	return d.client.Close()
}

func (d *Driver) Model() *oracle.Model { return d.model }

func (d *Driver) Clock() clock.Clock { return d.clock }

// Predicted returns the model's prediction for the last request.
func (d *Driver) Predicted() oracle.Outcome { return d.predict }

// ListEvents sends GetEvents. A listing is never refused by a correct
// server.
func (d *Driver) ListEvents(ctx context.Context) ([]domain.Event, error) {
	at := d.clock.Now()
	d.predict = oracle.Accept
	events, err := d.client.GetEvents(ctx)
	if domain.IsReject(err) {
		err = errors.Wrapf(domain.ErrProtocol, "event listing refused: %v", err)
	}
	if err == nil {
		err = d.model.RecordEvents(at, events)
	}
	d.record(ctx, err)
	return events, err
}

// Reserve sends GetReservation.
func (d *Driver) Reserve(ctx context.Context, eventID uint32, count uint16) (domain.Reservation, error) {
	at := d.clock.Now()
	d.predict = d.model.PredictReservation(at, eventID, count)
	r, err := d.client.GetReservation(ctx, eventID, count)
	if checkErr := d.model.ObserveReservation(at, eventID, count, r, err); checkErr != nil {
		err = checkErr
	}
	d.record(ctx, err)
	return r, err
}

// Claim sends GetTickets.
func (d *Driver) Claim(ctx context.Context, reservationID uint32, cookie domain.Cookie) (domain.TicketSet, error) {
	at := d.clock.Now()
	d.predict = d.model.PredictClaim(at, reservationID, cookie)
	set, err := d.client.GetTickets(ctx, reservationID, cookie)
	if checkErr := d.model.ObserveClaim(at, reservationID, cookie, set, err); checkErr != nil {
		err = checkErr
	}
	d.record(ctx, err)
	return set, err
}

func (d *Driver) record(ctx context.Context, err error) {
	d.seq++
	e := journal.Entry{
		RunID:    d.runID,
		Scenario: d.scenario,
		Seq:      d.seq,
		Kind:     d.last.Kind.String(),
		Request:  journal.Datagram(d.last.Request),
		Response: journal.Datagram(d.last.Response),
		Outcome:  outcomeOf(err),
		SentAt:   d.last.SentAt,
		Duration: d.last.Duration,
	}
	if err != nil {
		e.Detail = err.Error()
	}
	if e.Violation() {
		observability.ViolationsTotal.Inc()
		d.logger.WithField("seq", d.seq).WithField("kind", e.Kind).Error("protocol violation: ", err)
	}
	if sinkErr := d.sink.Record(ctx, e); sinkErr != nil {
		d.logger.WithField("seq", d.seq).Warn("failed to journal exchange: ", sinkErr)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return journal.OutcomeOK
	case domain.IsReject(err):
		return journal.OutcomeReject
	case errors.Is(err, domain.ErrProtocol):
		return journal.OutcomeViolation
	case errors.Is(err, client.ErrTimeout):
		return journal.OutcomeTimeout
	case errors.Is(err, domain.ErrMalformedMessage):
		return journal.OutcomeMalformed
	default:
		return journal.OutcomeError
	}
}
