package domain

import (
	"time"
)

// Protocol limits shared by the codec, the oracle and the reference server.
const (
	MaxDatagramSize    = 65507
	CookieSize         = 48
	TicketSize         = 7
	MaxDescriptionSize = 80
	MinCookieByte      = 33
	MaxCookieByte      = 126

	// EventHeaderSize covers event_id, ticket_count and desc_len.
	EventHeaderSize = 4 + 2 + 1

	// TicketsHeaderSize covers the message type, reservation_id and ticket_count.
	TicketsHeaderSize = 1 + 4 + 2

	MaxTicketsPerReservation = (MaxDatagramSize - TicketsHeaderSize) / TicketSize
)

// EventSpec is one record of an event catalog before the server assigns ids.
type EventSpec struct {
	Description string
	Tickets     uint16
}

// Event is one record of an Events response.
type Event struct {
	ID          uint32
	Tickets     uint16
	Description string
}

type Cookie [CookieSize]byte

func (c Cookie) String() string {
	return string(c[:])
}

// Valid reports whether every byte is printable ASCII.
func (c Cookie) Valid() bool {
	for _, b := range c {
		if b < MinCookieByte || b > MaxCookieByte {
			return false
		}
	}
	return true
}

type Ticket [TicketSize]byte

func (t Ticket) String() string {
	return string(t[:])
}

func (t Ticket) Valid() bool {
	for _, b := range t {
		if !(b >= 'A' && b <= 'Z') && !(b >= '0' && b <= '9') {
			return false
		}
	}
	return true
}

type Reservation struct {
	ID        uint32
	EventID   uint32
	Tickets   uint16
	Cookie    Cookie
	ExpiresAt uint64
}

type TicketSet struct {
	ReservationID uint32
	Tickets       []Ticket
}

func (s TicketSet) Equal(other TicketSet) bool {
	if s.ReservationID != other.ReservationID || len(s.Tickets) != len(other.Tickets) {
		return false
	}
	for i := range s.Tickets {
		if s.Tickets[i] != other.Tickets[i] {
			return false
		}
	}
	return true
}

// Unix converts a wire timestamp to time.Time.
func Unix(seconds uint64) time.Time {
	return time.Unix(int64(seconds), 0)
}
