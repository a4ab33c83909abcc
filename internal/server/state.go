// Package server is a reference implementation of the ticket reservation
// protocol. It answers exactly the way the oracle expects a correct server
// to answer and is used to run every verification scenario in-process.
package server

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/clock"
	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/wire"
)

// FirstReservationID is the id of the first reservation a server issues.
const FirstReservationID = 1000000

// Handler answers one request datagram. ok is false when the request must
// be dropped without an answer.
type Handler interface {
	Handle(req []byte) (resp []byte, ok bool)
}

type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
	// Entropy feeds cookie generation. Defaults to crypto/rand.
	Entropy io.Reader
	Logger  observability.Logger
}

type event struct {
	description string
	remaining   uint16
}

type reservation struct {
	domain.Reservation
	claimed bool
	tickets []domain.Ticket
}

// State holds the events, reservations and issued codes of one server
// process. It is safe for concurrent use.
type State struct {
	mu      sync.Mutex
	timeout time.Duration
	clock   clock.Clock
	entropy io.Reader
	logger  observability.Logger

	events       []event
	reservations map[uint32]*reservation
	// unclaimed holds reservation ids in issue order. Expirations never
	// decrease along it, so sweeping stops at the first live entry.
	unclaimed []uint32
	cookies   map[domain.Cookie]struct{}
	nextID    uint32
	ticketSeq uint64
}

// New builds a server state from a parsed catalog. Event ids follow catalog
// order starting at zero.
func New(specs []domain.EventSpec, opts Options) (*State, error) {
	if err := catalog.Validate(specs); err != nil {
		return nil, err
	}
	if opts.Timeout < time.Second || opts.Timeout%time.Second != 0 {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "reservation timeout %s must be a positive whole number of seconds", opts.Timeout)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	s := &State{
		timeout:      opts.Timeout,
		clock:        opts.Clock,
		entropy:      opts.Entropy,
		logger:       opts.Logger,
		events:       make([]event, len(specs)),
		reservations: make(map[uint32]*reservation),
		cookies:      make(map[domain.Cookie]struct{}),
		nextID:       FirstReservationID,
	}
	for i, spec := range specs {
		s.events[i] = event{description: spec.Description, remaining: spec.Tickets}
	}
	return s, nil
}

// Handle decodes one request and returns the encoded answer.
func (s *State) Handle(req []byte) ([]byte, bool) {
	r, err := wire.DecodeRequest(req)
	if err != nil {
		observability.ServerRequestsTotal.WithLabelValues("invalid", "dropped").Inc()
		s.logger.Debug("dropping request: ", err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.sweepLocked(now)

	var resp []byte
	switch r.Kind {
	case wire.KindGetEvents:
		resp = s.listLocked()
	case wire.KindGetReservation:
		resp, err = s.reserveLocked(now, r.EventID, r.Tickets)
	case wire.KindGetTickets:
		resp, err = s.claimLocked(now, r.ReservationID, r.Cookie)
	}
	if err != nil {
		observability.ServerRequestsTotal.WithLabelValues(r.Kind.String(), "dropped").Inc()
		s.logger.Error("failed to answer ", r.Kind, ": ", err)
		return nil, false
	}
	result := "ok"
	if wire.Kind(resp[0]) == wire.KindError {
		result = "rejected"
	}
	observability.ServerRequestsTotal.WithLabelValues(r.Kind.String(), result).Inc()
	return resp, true
}

func (s *State) eventsLocked() []domain.Event {
	events := make([]domain.Event, len(s.events))
	for i, ev := range s.events {
		events[i] = domain.Event{ID: uint32(i), Tickets: ev.remaining, Description: ev.description}
	}
	return events
}

func (s *State) listLocked() []byte {
	events := s.eventsLocked()
	resp, n := wire.EncodeEvents(events)
	if n < len(events) {
		s.logger.Debug("event listing truncated to ", n, " of ", len(events), " events")
	}
	return resp
}

func (s *State) reserveLocked(now time.Time, eventID uint32, count uint16) ([]byte, error) {
	if int(eventID) >= len(s.events) || count == 0 || int(count) > domain.MaxTicketsPerReservation {
		return wire.EncodeError(eventID), nil
	}
	ev := &s.events[eventID]
	if count > ev.remaining {
		return wire.EncodeError(eventID), nil
	}

	cookie, err := s.uniqueCookieLocked()
	if err != nil {
		return nil, err
	}
	res := &reservation{Reservation: domain.NewReservation(s.nextID, eventID, count, cookie, now, s.timeout)}
	s.nextID++
	ev.remaining -= count
	s.reservations[res.ID] = res
	s.unclaimed = append(s.unclaimed, res.ID)
	s.cookies[cookie] = struct{}{}
	return wire.EncodeReservation(res.Reservation), nil
}

func (s *State) uniqueCookieLocked() (domain.Cookie, error) {
	for {
		c, err := newCookie(s.entropy)
		if err != nil {
			return c, err
		}
		if _, used := s.cookies[c]; !used {
			return c, nil
		}
	}
}

func (s *State) claimLocked(now time.Time, id uint32, cookie domain.Cookie) ([]byte, error) {
	res, ok := s.reservations[id]
	if !ok || res.Cookie != cookie {
		return wire.EncodeError(id), nil
	}
	if !res.claimed {
		if !res.ClaimableAt(now) {
			return wire.EncodeError(id), nil
		}
		res.tickets = make([]domain.Ticket, res.Tickets)
		for i := range res.tickets {
			res.tickets[i] = ticketCode(s.ticketSeq)
			s.ticketSeq++
		}
		res.claimed = true
	}
	return wire.EncodeTickets(domain.TicketSet{ReservationID: id, Tickets: res.tickets})
}

// Sweep releases the tickets of every unclaimed reservation that has
// expired by now and reports how many were released.
func (s *State) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock.Now())
}

func (s *State) sweepLocked(now time.Time) int {
	released := 0
	i := 0
	for ; i < len(s.unclaimed); i++ {
		res := s.reservations[s.unclaimed[i]]
		if res.claimed {
			continue
		}
		if res.ClaimableAt(now) {
			break
		}
		s.events[res.EventID].remaining += res.Tickets
		released++
	}
	s.unclaimed = append(s.unclaimed[:0], s.unclaimed[i:]...)
	if released > 0 {
		observability.ExpiredReservations.Add(float64(released))
	}
	return released
}

// Events returns every event with its current ticket count, including
// those a listing datagram cannot hold.
func (s *State) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsLocked()
}

// Remaining returns the current ticket count of an event.
func (s *State) Remaining(eventID uint32) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(eventID) >= len(s.events) {
		return 0, false
	}
	return s.events[eventID].remaining, true
}
