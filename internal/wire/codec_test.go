package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketudp/internal/domain"
)

func testCookie() domain.Cookie {
	var c domain.Cookie
	for i := range c {
		c[i] = byte(domain.MinCookieByte + i)
	}
	return c
}

func TestEncodeRequestsLayout(t *testing.T) {
	assert.Equal(t, []byte{1}, EncodeGetEvents())
	assert.Equal(t, []byte{3, 0, 0, 0, 7, 0, 20}, EncodeGetReservation(7, 20))

	cookie := testCookie()
	b := EncodeGetTickets(1000000, cookie)
	require.Len(t, b, GetTicketsLen)
	assert.Equal(t, byte(5), b[0])
	assert.Equal(t, uint32(1000000), binary.BigEndian.Uint32(b[1:5]))
	assert.Equal(t, cookie[:], b[5:])
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(EncodeGetReservation(3, 12))
	require.NoError(t, err)
	assert.Equal(t, Request{Kind: KindGetReservation, EventID: 3, Tickets: 12}, req)

	cookie := testCookie()
	req, err = DecodeRequest(EncodeGetTickets(42, cookie))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), req.ReservationID)
	assert.Equal(t, cookie, req.Cookie)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"get_events with trailing byte", []byte{1, 0}},
		{"short get_reservation", []byte{3, 0, 0, 0, 1, 0}},
		{"long get_reservation", append(EncodeGetReservation(1, 1), 0)},
		{"short get_tickets", EncodeGetTickets(1, cookie)[:GetTicketsLen-1]},
		{"response type", EncodeError(1)},
		{"unknown type", []byte{9}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeRequest(test.data)
			assert.True(t, errors.Is(err, domain.ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestGetTicketsCarriesArbitraryCookie(t *testing.T) {
	var cookie domain.Cookie
	cookie[0] = 0x01
	req, err := DecodeRequest(EncodeGetTickets(5, cookie))
	require.NoError(t, err)
	assert.Equal(t, cookie, req.Cookie)
}

func TestEventsRoundTrip(t *testing.T) {
	events := []domain.Event{
		{ID: 0, Tickets: 32, Description: "film o kotach"},
		{ID: 1, Tickets: 123, Description: "fajny koncert"},
		{ID: 2, Tickets: 0, Description: "ZOO"},
		{ID: 3, Tickets: 1, Description: ""},
	}
	b, n := EncodeEvents(events)
	require.Equal(t, len(events), n)
	assert.Len(t, b, 1+4*domain.EventHeaderSize+13+13+3)

	got, err := DecodeEvents(b)
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestDecodeEventsEmptyCatalog(t *testing.T) {
	got, err := DecodeEvents([]byte{byte(KindEvents)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncodeEventsStopsAtDatagramBoundary(t *testing.T) {
	desc := strings.Repeat("a", domain.MaxDescriptionSize)
	events := make([]domain.Event, 1000)
	for i := range events {
		events[i] = domain.Event{ID: uint32(i), Tickets: 65535, Description: desc}
	}

	b, n := EncodeEvents(events)
	want := (domain.MaxDatagramSize - 1) / (domain.EventHeaderSize + domain.MaxDescriptionSize)
	assert.Equal(t, want, n)
	assert.LessOrEqual(t, len(b), domain.MaxDatagramSize)
	assert.Equal(t, 1+n*(domain.EventHeaderSize+domain.MaxDescriptionSize), len(b))

	got, err := DecodeEvents(b)
	require.NoError(t, err)
	assert.Len(t, got, want)
}

func TestDecodeEventsMalformed(t *testing.T) {
	good, _ := EncodeEvents([]domain.Event{{ID: 1, Tickets: 5, Description: "abc"}})

	overlong := append([]byte{byte(KindEvents), 0, 0, 0, 1, 0, 1, 81}, bytes.Repeat([]byte{'a'}, 81)...)

	tests := []struct {
		name string
		data []byte
	}{
		{"wrong type", append([]byte{byte(KindTickets)}, good[1:]...)},
		{"truncated header", good[:5]},
		{"truncated description", good[:len(good)-1]},
		{"trailing garbage", append(append([]byte{}, good...), 0x00)},
		{"description too long", overlong},
		{"invalid utf-8", []byte{byte(KindEvents), 0, 0, 0, 1, 0, 1, 1, 0xff}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := DecodeEvents(test.data)
			assert.True(t, errors.Is(err, domain.ErrMalformedMessage), "got %v", err)
			assert.Nil(t, got)
		})
	}
}

func TestReservationLayout(t *testing.T) {
	r := domain.Reservation{ID: 1000000, EventID: 2, Tickets: 20, Cookie: testCookie(), ExpiresAt: 1700000005}
	b := EncodeReservation(r)
	require.Len(t, b, 1+4+4+2+48+8)
	assert.Equal(t, byte(KindReservation), b[0])
	assert.Equal(t, uint64(1700000005), binary.BigEndian.Uint64(b[59:]))

	got, err := DecodeReservation(b)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestDecodeReservationMalformed(t *testing.T) {
	good := EncodeReservation(domain.Reservation{ID: 1, EventID: 1, Tickets: 1, Cookie: testCookie(), ExpiresAt: 10})

	badCookie := append([]byte{}, good...)
	badCookie[11] = ' '
	highCookie := append([]byte{}, good...)
	highCookie[20] = 127

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:len(good)-1]},
		{"long", append(append([]byte{}, good...), 0)},
		{"cookie below range", badCookie},
		{"cookie above range", highCookie},
		{"error message", EncodeError(1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeReservation(test.data)
			assert.True(t, errors.Is(err, domain.ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestTickets(t *testing.T) {
	set := domain.TicketSet{ReservationID: 1000001}
	for _, code := range []string{"0000000", "0000001", "ZZZZZZZ"} {
		var ticket domain.Ticket
		copy(ticket[:], code)
		set.Tickets = append(set.Tickets, ticket)
	}
	b, err := EncodeTickets(set)
	require.NoError(t, err)
	assert.Len(t, b, domain.TicketsHeaderSize+3*domain.TicketSize)

	got, err := DecodeTickets(b)
	require.NoError(t, err)
	assert.True(t, set.Equal(got))

	lower := append([]byte{}, b...)
	lower[domain.TicketsHeaderSize] = 'a'
	_, err = DecodeTickets(lower)
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))

	_, err = DecodeTickets(b[:len(b)-1])
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))

	_, err = DecodeTickets(append(append([]byte{}, b...), '0'))
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))

	_, err = DecodeTickets(b[:4])
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
}

func TestEncodeTicketsFitsOneDatagram(t *testing.T) {
	set := domain.TicketSet{Tickets: make([]domain.Ticket, domain.MaxTicketsPerReservation)}
	for i := range set.Tickets {
		copy(set.Tickets[i][:], "AAAAAAA")
	}
	b, err := EncodeTickets(set)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), domain.MaxDatagramSize)

	set.Tickets = append(set.Tickets, set.Tickets[0])
	_, err = EncodeTickets(set)
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	b := EncodeError(323)
	assert.Equal(t, []byte{255, 0, 0, 1, 0x43}, b)

	id, err := DecodeError(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(323), id)

	_, err = DecodeError(b[:4])
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
	_, err = DecodeError(append(b, 0))
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
}

func TestKindOf(t *testing.T) {
	_, err := KindOf(nil)
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))

	kind, err := KindOf(EncodeError(1))
	require.NoError(t, err)
	assert.Equal(t, KindError, kind)
	assert.Equal(t, "error", kind.String())
}
