package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/wire"
)

// responder answers every datagram with reply(request). A nil reply is
// dropped.
func responder(t *testing.T, reply func([]byte) []byte) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, domain.MaxDatagramSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if resp := reply(append([]byte(nil), buf[:n]...)); resp != nil {
				conn.WriteToUDP(resp, from)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func dial(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetEvents(t *testing.T) {
	events := []domain.Event{{ID: 0, Tickets: 32, Description: "film o kotach"}}
	addr := responder(t, func(req []byte) []byte {
		if len(req) != wire.GetEventsLen {
			return nil
		}
		resp, _ := wire.EncodeEvents(events)
		return resp
	})

	got, err := dial(t, addr).GetEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestGetReservationReject(t *testing.T) {
	addr := responder(t, func(req []byte) []byte {
		r, err := wire.DecodeRequest(req)
		if err != nil {
			return nil
		}
		return wire.EncodeError(r.EventID)
	})

	_, err := dial(t, addr).GetReservation(context.Background(), 7, 0)
	var reject *domain.RejectError
	require.True(t, errors.As(err, &reject))
	assert.Equal(t, uint32(7), reject.ID)
	assert.True(t, domain.IsReject(err))
}

func TestGetTicketsDecodes(t *testing.T) {
	var ticket domain.Ticket
	copy(ticket[:], "0000001")
	addr := responder(t, func(req []byte) []byte {
		r, err := wire.DecodeRequest(req)
		if err != nil {
			return nil
		}
		resp, _ := wire.EncodeTickets(domain.TicketSet{ReservationID: r.ReservationID, Tickets: []domain.Ticket{ticket}})
		return resp
	})

	got, err := dial(t, addr).GetTickets(context.Background(), 1000000, domain.Cookie{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1000000), got.ReservationID)
	assert.Equal(t, []domain.Ticket{ticket}, got.Tickets)
}

func TestUnexpectedKindIsProtocolError(t *testing.T) {
	addr := responder(t, func(req []byte) []byte {
		resp, _ := wire.EncodeEvents(nil)
		return resp
	})

	_, err := dial(t, addr).GetReservation(context.Background(), 0, 1)
	assert.True(t, errors.Is(err, domain.ErrProtocol))
}

func TestMalformedAnswer(t *testing.T) {
	addr := responder(t, func(req []byte) []byte {
		return []byte{byte(wire.KindReservation), 0, 0}
	})

	_, err := dial(t, addr).GetReservation(context.Background(), 0, 1)
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
}

func TestTimeout(t *testing.T) {
	addr := responder(t, func([]byte) []byte { return nil })

	var seen []Exchange
	c := dial(t, addr, WithResponseTimeout(50*time.Millisecond), WithObserver(func(e Exchange) { seen = append(seen, e) }))
	_, err := c.GetEvents(context.Background())
	assert.True(t, errors.Is(err, ErrTimeout))

	require.Len(t, seen, 1)
	assert.Equal(t, wire.KindGetEvents, seen[0].Kind)
	assert.Nil(t, seen[0].Response)
	assert.Error(t, seen[0].Err)
}

func TestContextCancellation(t *testing.T) {
	addr := responder(t, func([]byte) []byte { return nil })
	c := dial(t, addr, WithResponseTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.GetEvents(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserverSeesRawBytes(t *testing.T) {
	addr := responder(t, func(req []byte) []byte { return wire.EncodeError(9) })

	var seen Exchange
	c := dial(t, addr, WithObserver(func(e Exchange) { seen = e }))
	_, err := c.GetReservation(context.Background(), 9, 1)
	require.True(t, domain.IsReject(err))

	assert.Equal(t, wire.EncodeGetReservation(9, 1), seen.Request)
	assert.Equal(t, wire.EncodeError(9), seen.Response)
	assert.NoError(t, seen.Err)
}
