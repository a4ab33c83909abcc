// Package wire encodes and decodes the datagrams of the ticket reservation
// protocol. Every message is a single UDP datagram: one type byte followed
// by big-endian fields.
//
//	1   GetEvents       type
//	2   Events          type, { u32 event_id, u16 ticket_count, u8 desc_len, desc }*
//	3   GetReservation  type, u32 event_id, u16 ticket_count
//	4   Reservation     type, u32 reservation_id, u32 event_id, u16 ticket_count, cookie[48], u64 expiration
//	5   GetTickets      type, u32 reservation_id, cookie[48]
//	6   Tickets         type, u32 reservation_id, u16 ticket_count, ticket[7]*
//	255 Error           type, u32 id
//
// Decoders never return partially parsed data together with an error.
package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticketudp/internal/domain"
)

type Kind uint8

const (
	KindGetEvents      Kind = 1
	KindEvents         Kind = 2
	KindGetReservation Kind = 3
	KindReservation    Kind = 4
	KindGetTickets     Kind = 5
	KindTickets        Kind = 6
	KindError          Kind = 255
)

// Fixed message lengths.
const (
	GetEventsLen      = 1
	GetReservationLen = 1 + 4 + 2
	GetTicketsLen     = 1 + 4 + domain.CookieSize
	ReservationLen    = 1 + 4 + 4 + 2 + domain.CookieSize + 8
	ErrorLen          = 1 + 4
)

func (k Kind) String() string {
	switch k {
	case KindGetEvents:
		return "get_events"
	case KindEvents:
		return "events"
	case KindGetReservation:
		return "get_reservation"
	case KindReservation:
		return "reservation"
	case KindGetTickets:
		return "get_tickets"
	case KindTickets:
		return "tickets"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(domain.ErrMalformedMessage, format, args...)
}

// KindOf returns the type byte of a datagram.
func KindOf(b []byte) (Kind, error) {
	if len(b) == 0 {
		return 0, malformed("empty datagram")
	}
	return Kind(b[0]), nil
}

func expectKind(b []byte, want Kind) error {
	kind, err := KindOf(b)
	if err != nil {
		return err
	}
	if kind != want {
		return malformed("type %d, want %d", kind, want)
	}
	return nil
}

// Request is a decoded client request. Only the fields of Kind are set.
type Request struct {
	Kind          Kind
	EventID       uint32
	Tickets       uint16
	ReservationID uint32
	Cookie        domain.Cookie
}

func EncodeGetEvents() []byte {
	return []byte{byte(KindGetEvents)}
}

func EncodeGetReservation(eventID uint32, tickets uint16) []byte {
	b := make([]byte, 0, GetReservationLen)
	b = append(b, byte(KindGetReservation))
	b = binary.BigEndian.AppendUint32(b, eventID)
	b = binary.BigEndian.AppendUint16(b, tickets)
	return b
}

// EncodeGetTickets does not validate the cookie bytes: tampered cookies
// must reach the server.
func EncodeGetTickets(reservationID uint32, cookie domain.Cookie) []byte {
	b := make([]byte, 0, GetTicketsLen)
	b = append(b, byte(KindGetTickets))
	b = binary.BigEndian.AppendUint32(b, reservationID)
	b = append(b, cookie[:]...)
	return b
}

// DecodeRequest parses a request datagram, enforcing the exact length of
// its kind.
func DecodeRequest(b []byte) (Request, error) {
	kind, err := KindOf(b)
	if err != nil {
		return Request{}, err
	}
	switch kind {
	case KindGetEvents:
		if len(b) != GetEventsLen {
			return Request{}, malformed("get_events: length %d", len(b))
		}
		return Request{Kind: kind}, nil
	case KindGetReservation:
		if len(b) != GetReservationLen {
			return Request{}, malformed("get_reservation: length %d", len(b))
		}
		return Request{
			Kind:    kind,
			EventID: binary.BigEndian.Uint32(b[1:5]),
			Tickets: binary.BigEndian.Uint16(b[5:7]),
		}, nil
	case KindGetTickets:
		if len(b) != GetTicketsLen {
			return Request{}, malformed("get_tickets: length %d", len(b))
		}
		req := Request{Kind: kind, ReservationID: binary.BigEndian.Uint32(b[1:5])}
		copy(req.Cookie[:], b[5:])
		return req, nil
	default:
		return Request{}, malformed("unexpected request type %d", kind)
	}
}

// EncodeEvents appends whole event records until the next one would not
// fit in a datagram and reports how many were written. A description longer
// than MaxDescriptionSize stops the listing as well.
func EncodeEvents(events []domain.Event) ([]byte, int) {
	b := []byte{byte(KindEvents)}
	for i, e := range events {
		desc := e.Description
		if len(desc) > domain.MaxDescriptionSize {
			return b, i
		}
		if len(b)+domain.EventHeaderSize+len(desc) > domain.MaxDatagramSize {
			return b, i
		}
		b = binary.BigEndian.AppendUint32(b, e.ID)
		b = binary.BigEndian.AppendUint16(b, e.Tickets)
		b = append(b, byte(len(desc)))
		b = append(b, desc...)
	}
	return b, len(events)
}

func DecodeEvents(b []byte) ([]domain.Event, error) {
	if err := expectKind(b, KindEvents); err != nil {
		return nil, err
	}
	var events []domain.Event
	rest := b[1:]
	for len(rest) > 0 {
		if len(rest) < domain.EventHeaderSize {
			return nil, malformed("events: truncated record header (%d bytes)", len(rest))
		}
		e := domain.Event{
			ID:      binary.BigEndian.Uint32(rest[0:4]),
			Tickets: binary.BigEndian.Uint16(rest[4:6]),
		}
		descLen := int(rest[6])
		rest = rest[domain.EventHeaderSize:]
		if descLen > domain.MaxDescriptionSize {
			return nil, malformed("events: description length %d exceeds %d", descLen, domain.MaxDescriptionSize)
		}
		if len(rest) < descLen {
			return nil, malformed("events: description of event %d truncated", e.ID)
		}
		desc := rest[:descLen]
		if !utf8.Valid(desc) {
			return nil, malformed("events: description of event %d is not utf-8", e.ID)
		}
		e.Description = string(desc)
		rest = rest[descLen:]
		events = append(events, e)
	}
	return events, nil
}

func EncodeReservation(r domain.Reservation) []byte {
	b := make([]byte, 0, ReservationLen)
	b = append(b, byte(KindReservation))
	b = binary.BigEndian.AppendUint32(b, r.ID)
	b = binary.BigEndian.AppendUint32(b, r.EventID)
	b = binary.BigEndian.AppendUint16(b, r.Tickets)
	b = append(b, r.Cookie[:]...)
	b = binary.BigEndian.AppendUint64(b, r.ExpiresAt)
	return b
}

func DecodeReservation(b []byte) (domain.Reservation, error) {
	if err := expectKind(b, KindReservation); err != nil {
		return domain.Reservation{}, err
	}
	if len(b) != ReservationLen {
		return domain.Reservation{}, malformed("reservation: length %d, want %d", len(b), ReservationLen)
	}
	r := domain.Reservation{
		ID:        binary.BigEndian.Uint32(b[1:5]),
		EventID:   binary.BigEndian.Uint32(b[5:9]),
		Tickets:   binary.BigEndian.Uint16(b[9:11]),
		ExpiresAt: binary.BigEndian.Uint64(b[11+domain.CookieSize:]),
	}
	copy(r.Cookie[:], b[11:11+domain.CookieSize])
	if !r.Cookie.Valid() {
		return domain.Reservation{}, malformed("reservation %d: cookie byte outside [%d,%d]", r.ID, domain.MinCookieByte, domain.MaxCookieByte)
	}
	return r, nil
}

// EncodeTickets fails when the tickets do not fit in one datagram.
func EncodeTickets(s domain.TicketSet) ([]byte, error) {
	if len(s.Tickets) > domain.MaxTicketsPerReservation {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "tickets: %d codes exceed one datagram", len(s.Tickets))
	}
	b := make([]byte, 0, domain.TicketsHeaderSize+len(s.Tickets)*domain.TicketSize)
	b = append(b, byte(KindTickets))
	b = binary.BigEndian.AppendUint32(b, s.ReservationID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.Tickets)))
	for _, t := range s.Tickets {
		b = append(b, t[:]...)
	}
	return b, nil
}

func DecodeTickets(b []byte) (domain.TicketSet, error) {
	if err := expectKind(b, KindTickets); err != nil {
		return domain.TicketSet{}, err
	}
	if len(b) < domain.TicketsHeaderSize {
		return domain.TicketSet{}, malformed("tickets: length %d", len(b))
	}
	s := domain.TicketSet{ReservationID: binary.BigEndian.Uint32(b[1:5])}
	count := int(binary.BigEndian.Uint16(b[5:7]))
	body := b[domain.TicketsHeaderSize:]
	if len(body) != count*domain.TicketSize {
		return domain.TicketSet{}, malformed("tickets: %d bytes for %d tickets", len(body), count)
	}
	s.Tickets = make([]domain.Ticket, count)
	for i := range s.Tickets {
		copy(s.Tickets[i][:], body[i*domain.TicketSize:])
		if !s.Tickets[i].Valid() {
			return domain.TicketSet{}, malformed("tickets: code %q outside [A-Z0-9]", s.Tickets[i].String())
		}
	}
	return s, nil
}

func EncodeError(id uint32) []byte {
	b := make([]byte, 0, ErrorLen)
	b = append(b, byte(KindError))
	return binary.BigEndian.AppendUint32(b, id)
}

// DecodeError returns the id echoed by an Error message.
func DecodeError(b []byte) (uint32, error) {
	if err := expectKind(b, KindError); err != nil {
		return 0, err
	}
	if len(b) != ErrorLen {
		return 0, malformed("error: length %d, want %d", len(b), ErrorLen)
	}
	return binary.BigEndian.Uint32(b[1:]), nil
}
