// Package oracle keeps an independent model of what a correct ticket server
// must answer. The driver asks the model for a prediction before sending a
// request and hands it the server's answer afterwards; any answer a correct
// server could not have given is reported as domain.ErrProtocol.
//
// The model never reads a clock itself. Every call takes the time the
// request was sent, read by the caller from the clock shared with the run.
//
// A Model is not safe for concurrent use.
package oracle

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/domain"
)

// Outcome is the predicted answer to a request.
type Outcome int

const (
	// Accept means a correct server must answer with success.
	Accept Outcome = iota + 1
	// Reject means a correct server must answer with an Error message.
	Reject
	// Either means the request lands inside the clock tolerance window of
	// an expiration and both answers are acceptable.
	Either
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Either:
		return "either"
	default:
		return "unknown"
	}
}

// DefaultTolerance is the accepted skew between the model's clock and the
// server's expiration timestamps.
const DefaultTolerance = time.Second

type Options struct {
	// Timeout is the reservation timeout the server was started with.
	Timeout time.Duration
	// Tolerance is the clock skew allowed around expiration boundaries.
	Tolerance time.Duration
}

var errNotBound = errors.New("oracle: the event catalog has not been listed yet")

type eventState struct {
	event    domain.Event
	capacity int
	// held counts the tickets of every reservation not known to be expired.
	held int
	// pending lists unclaimed reservations that have not expired yet.
	pending []uint32
}

type reservationState struct {
	reservation domain.Reservation
	claimed     bool
	expired     bool
}

type Model struct {
	opts Options

	specs      []domain.EventSpec
	specByDesc map[string]int
	specBound  map[int]bool

	bound      bool
	events     map[uint32]*eventState
	eventOrder []uint32

	reservations     map[uint32]*reservationState
	reservationOrder []uint32
	cookies          map[domain.Cookie]uint32
	cookieOrder      []domain.Cookie
	claims           map[uint32]domain.TicketSet
	tickets          map[domain.Ticket]uint32

	lastAt time.Time
}

// New seeds a model with the catalog the server was started with.
func New(specs []domain.EventSpec, opts Options) (*Model, error) {
	if err := catalog.Validate(specs); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "oracle: timeout %s", opts.Timeout)
	}
	if opts.Tolerance < 0 {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "oracle: tolerance %s", opts.Tolerance)
	}
	m := &Model{
		opts:         opts,
		specs:        append([]domain.EventSpec(nil), specs...),
		specByDesc:   make(map[string]int, len(specs)),
		specBound:    make(map[int]bool, len(specs)),
		events:       make(map[uint32]*eventState, len(specs)),
		reservations: make(map[uint32]*reservationState),
		cookies:      make(map[domain.Cookie]uint32),
		claims:       make(map[uint32]domain.TicketSet),
		tickets:      make(map[domain.Ticket]uint32),
	}
	for i, s := range specs {
		m.specByDesc[s.Description] = i
	}
	return m, nil
}

func violation(format string, args ...interface{}) error {
	return errors.Wrapf(domain.ErrProtocol, format, args...)
}

// settle expires every unclaimed reservation whose expiration lies at
// least Tolerance before at and returns its tickets to the event. Each
// reservation is settled at most once.
func (m *Model) settle(at time.Time) {
	if at.After(m.lastAt) {
		m.lastAt = at
	}
	for _, id := range m.eventOrder {
		ev := m.events[id]
		kept := ev.pending[:0]
		for _, rid := range ev.pending {
			r := m.reservations[rid]
			if !at.Before(r.reservation.Expiration().Add(m.opts.Tolerance)) {
				m.expire(ev, r)
				continue
			}
			kept = append(kept, rid)
		}
		ev.pending = kept
	}
}

func (m *Model) expire(ev *eventState, r *reservationState) {
	r.expired = true
	ev.held -= int(r.reservation.Tickets)
}

func (m *Model) dropPending(ev *eventState, rid uint32) {
	for i, id := range ev.pending {
		if id == rid {
			ev.pending = append(ev.pending[:i], ev.pending[i+1:]...)
			return
		}
	}
}

// remaining returns the range of ticket counts a correct server may report
// for ev at the given time. Reservations inside the tolerance window may
// or may not have been released by the server.
func (m *Model) remaining(ev *eventState, at time.Time) (lo, hi int) {
	uncertain := 0
	for _, rid := range ev.pending {
		r := m.reservations[rid]
		if !at.Before(r.reservation.Expiration().Add(-m.opts.Tolerance)) {
			uncertain += int(r.reservation.Tickets)
		}
	}
	lo = ev.capacity - ev.held
	hi = lo + uncertain
	if lo < 0 {
		lo = 0
	}
	return lo, hi
}

func (m *Model) bind(e domain.Event, specIndex int) {
	m.specBound[specIndex] = true
	m.events[e.ID] = &eventState{
		event:    domain.Event{ID: e.ID, Description: e.Description, Tickets: m.specs[specIndex].Tickets},
		capacity: int(m.specs[specIndex].Tickets),
	}
	m.eventOrder = append(m.eventOrder, e.ID)
	sort.Slice(m.eventOrder, func(i, j int) bool { return m.eventOrder[i] < m.eventOrder[j] })
}

// RecordEvents checks an Events answer. The first listing binds server ids
// to catalog records by description; every later listing must keep ids and
// descriptions stable and report counts consistent with the reservations
// seen so far.
func (m *Model) RecordEvents(at time.Time, events []domain.Event) error {
	m.settle(at)
	seen := make(map[uint32]bool, len(events))
	for _, e := range events {
		if seen[e.ID] {
			return violation("event id %d listed twice", e.ID)
		}
		seen[e.ID] = true

		ev, ok := m.events[e.ID]
		if !ok {
			idx, known := m.specByDesc[e.Description]
			if !known {
				return violation("event %d has unknown description %q", e.ID, e.Description)
			}
			if m.specBound[idx] {
				return violation("event %d reuses the description %q of another event", e.ID, e.Description)
			}
			if e.Tickets != m.specs[idx].Tickets {
				return violation("event %d (%q) first listed with %d tickets, catalog has %d", e.ID, e.Description, e.Tickets, m.specs[idx].Tickets)
			}
			m.bind(e, idx)
			continue
		}
		if ev.event.Description != e.Description {
			return violation("event %d changed description from %q to %q", e.ID, ev.event.Description, e.Description)
		}
		lo, hi := m.remaining(ev, at)
		if int(e.Tickets) < lo || int(e.Tickets) > hi {
			return violation("event %d reports %d tickets, expected %d..%d", e.ID, e.Tickets, lo, hi)
		}
	}
	m.bound = true
	return nil
}

// PredictReservation returns the expected answer to GetReservation sent at
// the given time. Before the catalog is listed every prediction is Either.
func (m *Model) PredictReservation(at time.Time, eventID uint32, count uint16) Outcome {
	m.settle(at)
	if !m.bound {
		return Either
	}
	ev, ok := m.events[eventID]
	if !ok || count == 0 || int(count) > domain.MaxTicketsPerReservation {
		return Reject
	}
	lo, hi := m.remaining(ev, at)
	switch {
	case int(count) <= lo:
		return Accept
	case int(count) > hi:
		return Reject
	default:
		return Either
	}
}

// ObserveReservation checks the server's answer to GetReservation. err is
// nil on success or a *domain.RejectError; any other error is returned
// unchanged. A successful reservation is registered and holds its tickets.
func (m *Model) ObserveReservation(at time.Time, eventID uint32, count uint16, got domain.Reservation, err error) error {
	var reject *domain.RejectError
	if err != nil && !errors.As(err, &reject) {
		return err
	}
	if !m.bound {
		return errNotBound
	}
	outcome := m.PredictReservation(at, eventID, count)

	if reject != nil {
		if reject.ID != eventID {
			return violation("reservation rejection echoes id %d, want event %d", reject.ID, eventID)
		}
		if outcome == Accept {
			return violation("reservation of %d tickets for event %d rejected, expected success", count, eventID)
		}
		return nil
	}

	if outcome == Reject {
		return violation("reservation of %d tickets for event %d accepted as %d, expected rejection", count, eventID, got.ID)
	}
	if got.EventID != eventID {
		return violation("reservation %d is for event %d, requested %d", got.ID, got.EventID, eventID)
	}
	if got.Tickets != count {
		return violation("reservation %d holds %d tickets, requested %d", got.ID, got.Tickets, count)
	}
	if _, dup := m.reservations[got.ID]; dup {
		return violation("reservation id %d issued twice", got.ID)
	}
	if !got.Cookie.Valid() {
		return violation("reservation %d has a cookie outside the printable range", got.ID)
	}
	if prev, dup := m.cookies[got.Cookie]; dup {
		return violation("reservation %d reuses the cookie of reservation %d", got.ID, prev)
	}
	want := at.Unix() + int64(m.opts.Timeout/time.Second)
	slack := int64((m.opts.Tolerance + time.Second - 1) / time.Second)
	if diff := int64(got.ExpiresAt) - want; diff < -slack || diff > slack {
		return violation("reservation %d expires at %d, expected %d±%d", got.ID, got.ExpiresAt, want, slack)
	}

	ev := m.events[eventID]
	m.reservations[got.ID] = &reservationState{reservation: got}
	m.reservationOrder = append(m.reservationOrder, got.ID)
	m.cookies[got.Cookie] = got.ID
	m.cookieOrder = append(m.cookieOrder, got.Cookie)
	ev.held += int(count)
	ev.pending = append(ev.pending, got.ID)
	return nil
}

// PredictClaim returns the expected answer to GetTickets sent at the given
// time.
func (m *Model) PredictClaim(at time.Time, reservationID uint32, cookie domain.Cookie) Outcome {
	m.settle(at)
	r, ok := m.reservations[reservationID]
	if !ok || r.reservation.Cookie != cookie {
		return Reject
	}
	if r.claimed {
		return Accept
	}
	if r.expired {
		return Reject
	}
	if at.Before(r.reservation.Expiration().Add(-m.opts.Tolerance)) {
		return Accept
	}
	return Either
}

// ObserveClaim checks the server's answer to GetTickets. The first
// successful claim records the ticket codes, which must be new; every later
// claim must return the identical set. A rejection inside the tolerance
// window expires the reservation and releases its tickets.
func (m *Model) ObserveClaim(at time.Time, reservationID uint32, cookie domain.Cookie, got domain.TicketSet, err error) error {
	var reject *domain.RejectError
	if err != nil && !errors.As(err, &reject) {
		return err
	}
	outcome := m.PredictClaim(at, reservationID, cookie)

	if reject != nil {
		if reject.ID != reservationID {
			return violation("claim rejection echoes id %d, want reservation %d", reject.ID, reservationID)
		}
		switch outcome {
		case Accept:
			return violation("claim of reservation %d rejected, expected tickets", reservationID)
		case Either:
			r := m.reservations[reservationID]
			ev := m.events[r.reservation.EventID]
			m.expire(ev, r)
			m.dropPending(ev, reservationID)
		}
		return nil
	}

	if outcome == Reject {
		return violation("claim of reservation %d succeeded, expected rejection", reservationID)
	}
	r := m.reservations[reservationID]
	if r.claimed {
		if prev := m.claims[reservationID]; !prev.Equal(got) {
			return violation("reservation %d returned different tickets on re-read", reservationID)
		}
		return nil
	}
	if got.ReservationID != reservationID {
		return violation("tickets for reservation %d carry id %d", reservationID, got.ReservationID)
	}
	if len(got.Tickets) != int(r.reservation.Tickets) {
		return violation("reservation %d returned %d tickets, reserved %d", reservationID, len(got.Tickets), r.reservation.Tickets)
	}
	fresh := make(map[domain.Ticket]bool, len(got.Tickets))
	for _, t := range got.Tickets {
		if !t.Valid() {
			return violation("reservation %d returned invalid ticket %q", reservationID, t.String())
		}
		if prev, dup := m.tickets[t]; dup {
			return violation("ticket %s of reservation %d was already issued to reservation %d", t, reservationID, prev)
		}
		if fresh[t] {
			return violation("ticket %s repeated within reservation %d", t, reservationID)
		}
		fresh[t] = true
	}
	for _, t := range got.Tickets {
		m.tickets[t] = reservationID
	}
	stored := domain.TicketSet{ReservationID: got.ReservationID, Tickets: append([]domain.Ticket(nil), got.Tickets...)}
	m.claims[reservationID] = stored
	r.claimed = true
	m.dropPending(m.events[r.reservation.EventID], reservationID)
	return nil
}
