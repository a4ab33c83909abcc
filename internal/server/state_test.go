package server

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketudp/internal/client"
	"github.com/robertarktes/ticketudp/internal/clock"
	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/wire"
)

var start = time.Unix(1_700_000_000, 0)

func newState(t *testing.T, specs []domain.EventSpec) (*State, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(start)
	s, err := New(specs, Options{
		Timeout: 5 * time.Second,
		Clock:   clk,
		Entropy: rand.NewChaCha8([32]byte{1}),
	})
	require.NoError(t, err)
	return s, clk
}

func exampleSpecs() []domain.EventSpec {
	return []domain.EventSpec{
		{Description: "film o kotach", Tickets: 32},
		{Description: "fajny koncert", Tickets: 123},
		{Description: "ZOO", Tickets: 0},
	}
}

func handle(t *testing.T, s *State, req []byte) []byte {
	t.Helper()
	resp, ok := s.Handle(req)
	require.True(t, ok, "request dropped")
	return resp
}

func reserve(t *testing.T, s *State, eventID uint32, count uint16) domain.Reservation {
	t.Helper()
	r, err := wire.DecodeReservation(handle(t, s, wire.EncodeGetReservation(eventID, count)))
	require.NoError(t, err)
	return r
}

func claim(t *testing.T, s *State, id uint32, cookie domain.Cookie) domain.TicketSet {
	t.Helper()
	set, err := wire.DecodeTickets(handle(t, s, wire.EncodeGetTickets(id, cookie)))
	require.NoError(t, err)
	return set
}

func rejected(t *testing.T, resp []byte) uint32 {
	t.Helper()
	id, err := wire.DecodeError(resp)
	require.NoError(t, err)
	return id
}

func TestNewValidates(t *testing.T) {
	_, err := New(exampleSpecs(), Options{Timeout: 0})
	assert.Error(t, err)
	_, err = New(exampleSpecs(), Options{Timeout: 1500 * time.Millisecond})
	assert.Error(t, err)
	_, err = New([]domain.EventSpec{{Description: "x"}, {Description: "x"}}, Options{Timeout: time.Second})
	assert.Error(t, err)
}

func TestListingFollowsCatalogOrder(t *testing.T) {
	s, _ := newState(t, exampleSpecs())
	events, err := wire.DecodeEvents(handle(t, s, wire.EncodeGetEvents()))
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{
		{ID: 0, Tickets: 32, Description: "film o kotach"},
		{ID: 1, Tickets: 123, Description: "fajny koncert"},
		{ID: 2, Tickets: 0, Description: "ZOO"},
	}, events)
}

func TestListingStopsAtDatagramBoundary(t *testing.T) {
	specs := make([]domain.EventSpec, 1000)
	for i := range specs {
		specs[i] = domain.EventSpec{Description: fmt.Sprintf("%080d", i), Tickets: 65535}
	}
	s, _ := newState(t, specs)

	resp := handle(t, s, wire.EncodeGetEvents())
	events, err := wire.DecodeEvents(resp)
	require.NoError(t, err)
	assert.Len(t, events, (domain.MaxDatagramSize-1)/87)
	assert.LessOrEqual(t, len(resp), domain.MaxDatagramSize)
}

func TestReserve(t *testing.T) {
	s, _ := newState(t, exampleSpecs())

	r := reserve(t, s, 0, 20)
	assert.Equal(t, uint32(FirstReservationID), r.ID)
	assert.Equal(t, uint32(0), r.EventID)
	assert.Equal(t, uint16(20), r.Tickets)
	assert.Equal(t, uint64(start.Unix()+5), r.ExpiresAt)
	assert.True(t, r.Cookie.Valid())

	left, _ := s.Remaining(0)
	assert.Equal(t, uint16(12), left)

	next := reserve(t, s, 1, 1)
	assert.Equal(t, r.ID+1, next.ID)
	assert.NotEqual(t, r.Cookie, next.Cookie)
}

func TestReserveRejects(t *testing.T) {
	s, _ := newState(t, []domain.EventSpec{{Description: "a", Tickets: 3}, {Description: "big", Tickets: 65535}})

	assert.Equal(t, uint32(0), rejected(t, handle(t, s, wire.EncodeGetReservation(0, 0))))
	assert.Equal(t, uint32(0), rejected(t, handle(t, s, wire.EncodeGetReservation(0, 4))))
	assert.Equal(t, uint32(7), rejected(t, handle(t, s, wire.EncodeGetReservation(7, 1))))
	assert.Equal(t, uint32(1), rejected(t, handle(t, s, wire.EncodeGetReservation(1, domain.MaxTicketsPerReservation+1))))

	r := reserve(t, s, 1, domain.MaxTicketsPerReservation)
	resp := handle(t, s, wire.EncodeGetTickets(r.ID, r.Cookie))
	assert.Len(t, resp, domain.TicketsHeaderSize+domain.TicketSize*domain.MaxTicketsPerReservation)
}

func TestClaimIsStable(t *testing.T) {
	s, clk := newState(t, exampleSpecs())
	r := reserve(t, s, 0, 3)

	first := claim(t, s, r.ID, r.Cookie)
	assert.Equal(t, []string{"0000000", "0000001", "0000002"}, codes(first))

	clk.Advance(time.Hour)
	assert.Equal(t, first, claim(t, s, r.ID, r.Cookie))

	left, _ := s.Remaining(0)
	assert.Equal(t, uint16(29), left)

	other := reserve(t, s, 0, 1)
	assert.Equal(t, []string{"0000003"}, codes(claim(t, s, other.ID, other.Cookie)))
}

func TestClaimRejects(t *testing.T) {
	s, _ := newState(t, exampleSpecs())
	r := reserve(t, s, 0, 3)

	tampered := r.Cookie
	tampered[0] ^= 1
	assert.Equal(t, r.ID, rejected(t, handle(t, s, wire.EncodeGetTickets(r.ID, tampered))))
	assert.Equal(t, uint32(323), rejected(t, handle(t, s, wire.EncodeGetTickets(323, r.Cookie))))
}

func TestExpiry(t *testing.T) {
	s, clk := newState(t, exampleSpecs())
	r := reserve(t, s, 0, 32)

	clk.Advance(4 * time.Second)
	assert.Equal(t, uint32(0), rejected(t, handle(t, s, wire.EncodeGetReservation(0, 1))))

	clk.Advance(time.Second)
	assert.Equal(t, r.ID, rejected(t, handle(t, s, wire.EncodeGetTickets(r.ID, r.Cookie))))
	left, _ := s.Remaining(0)
	assert.Equal(t, uint16(32), left)

	again := reserve(t, s, 0, 32)
	assert.NotEqual(t, r.ID, again.ID)
}

func TestSweepReleasesOnce(t *testing.T) {
	s, clk := newState(t, exampleSpecs())
	reserve(t, s, 0, 10)
	kept := reserve(t, s, 0, 5)
	claim(t, s, kept.ID, kept.Cookie)

	assert.Equal(t, 0, s.Sweep())
	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Sweep())

	left, _ := s.Remaining(0)
	assert.Equal(t, uint16(27), left)
}

func TestDropsMalformedRequests(t *testing.T) {
	s, _ := newState(t, exampleSpecs())
	for _, req := range [][]byte{
		nil,
		{byte(wire.KindGetEvents), 0},
		wire.EncodeGetReservation(0, 1)[:6],
		append(wire.EncodeGetTickets(1, domain.Cookie{}), 0),
		{byte(wire.KindEvents)},
		{42},
	} {
		_, ok := s.Handle(req)
		assert.False(t, ok, "request %v", req)
	}
}

func TestTicketCode(t *testing.T) {
	assert.Equal(t, "0000000", ticketCode(0).String())
	assert.Equal(t, "000000Z", ticketCode(35).String())
	assert.Equal(t, "0000010", ticketCode(36).String())
	assert.Equal(t, "ZZZZZZZ", ticketCode(78364164095).String())
}

func TestCookiesArePrintable(t *testing.T) {
	entropy := rand.NewChaCha8([32]byte{7})
	for i := 0; i < 100; i++ {
		c, err := newCookie(entropy)
		require.NoError(t, err)
		assert.True(t, c.Valid())
	}
}

func TestServeOverUDP(t *testing.T) {
	s, _ := newState(t, exampleSpecs())
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, conn, s, observability.NopLogger()) }()

	c, err := client.Dial(ctx, conn.LocalAddr().String())
	require.NoError(t, err)
	defer c.Close()

	events, err := c.GetEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = c.GetReservation(ctx, 2, 1)
	assert.True(t, domain.IsReject(err))

	cancel()
	assert.NoError(t, <-done)
}

func codes(set domain.TicketSet) []string {
	out := make([]string, len(set.Tickets))
	for i, t := range set.Tickets {
		out[i] = t.String()
	}
	return out
}
