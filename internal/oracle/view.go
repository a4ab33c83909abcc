package oracle

import (
	"github.com/robertarktes/ticketudp/internal/domain"
)

type Stats struct {
	Events       int
	Reservations int
	Claimed      int
	Expired      int
	Tickets      int
}

// Events returns the listed events in id order. Tickets is the largest
// count the server may currently report.
func (m *Model) Events() []domain.Event {
	out := make([]domain.Event, 0, len(m.eventOrder))
	for _, id := range m.eventOrder {
		ev := m.events[id]
		_, hi := m.remaining(ev, m.lastAt)
		e := ev.event
		e.Tickets = uint16(hi)
		out = append(out, e)
	}
	return out
}

// Reservations returns every reservation ever issued, in issue order.
func (m *Model) Reservations() []domain.Reservation {
	out := make([]domain.Reservation, 0, len(m.reservationOrder))
	for _, id := range m.reservationOrder {
		out = append(out, m.reservations[id].reservation)
	}
	return out
}

// Cookies returns every cookie ever issued, in issue order.
func (m *Model) Cookies() []domain.Cookie {
	return append([]domain.Cookie(nil), m.cookieOrder...)
}

// Claimed returns the tickets recorded for a reservation.
func (m *Model) Claimed(reservationID uint32) (domain.TicketSet, bool) {
	s, ok := m.claims[reservationID]
	return s, ok
}

func (m *Model) Stats() Stats {
	s := Stats{
		Events:       len(m.events),
		Reservations: len(m.reservations),
		Tickets:      len(m.tickets),
	}
	for _, r := range m.reservations {
		if r.claimed {
			s.Claimed++
		}
		if r.expired {
			s.Expired++
		}
	}
	return s
}
