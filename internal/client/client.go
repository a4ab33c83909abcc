// Package client sends protocol requests over UDP. Every request is one
// datagram and waits for exactly one answer datagram.
package client

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/wire"
)

// ErrTimeout is returned when no answer arrives before the exchange deadline.
var ErrTimeout = errors.New("no response before deadline")

const DefaultResponseTimeout = 2 * time.Second

// Exchange describes one request and its answer. Response is nil when the
// exchange failed before an answer arrived.
type Exchange struct {
	Kind     wire.Kind
	Request  []byte
	Response []byte
	SentAt   time.Time
	Duration time.Duration
	Err      error
}

// Observer is called after every exchange, on the calling goroutine.
type Observer func(Exchange)

type Option func(*Client)

// WithResponseTimeout bounds how long one exchange waits for its answer.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client is not safe for concurrent use; requests are serialised by the
// caller so that answers can be matched to requests.
type Client struct {
	conn    *net.UDPConn
	addr    string
	timeout time.Duration
	observe Observer
	tracer  trace.Tracer
	buf     []byte
}

// Dial opens a UDP socket connected to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c := &Client{
		conn:    conn,
		addr:    raddr.String(),
		timeout: DefaultResponseTimeout,
		observe: func(Exchange) {},
		tracer:  otel.Tracer("github.com/robertarktes/ticketudp/internal/client"),
		buf:     make([]byte, domain.MaxDatagramSize+1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and returns the raw answer datagram.
func (c *Client) Do(ctx context.Context, req []byte) ([]byte, error) {
	kind, _ := wire.KindOf(req)
	ctx, span := c.tracer.Start(ctx, "udp "+kind.String(), trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("net.peer.name", c.addr),
			attribute.Int("ticketudp.request.size", len(req)),
		))
	defer span.End()

	sent := time.Now()
	resp, err := c.roundTrip(ctx, req)
	elapsed := time.Since(sent)

	observability.ExchangeDuration.Observe(elapsed.Seconds())
	observability.ExchangesTotal.WithLabelValues(kind.String(), exchangeOutcome(resp, err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("ticketudp.response.size", len(resp)))
	}
	c.observe(Exchange{Kind: kind, Request: req, Response: resp, SentAt: sent, Duration: elapsed, Err: err})
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := c.conn.Write(req); err != nil {
		return nil, c.transportError(ctx, err, "send")
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, c.transportError(ctx, err, "receive")
	}
	if n > domain.MaxDatagramSize {
		return nil, errors.Wrapf(domain.ErrMalformedMessage, "datagram larger than %d bytes", domain.MaxDatagramSize)
	}
	return append([]byte(nil), c.buf[:n]...), nil
}

func (c *Client) transportError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s %s", op, c.addr)
	}
	return errors.Wrapf(err, "%s %s", op, c.addr)
}

func exchangeOutcome(resp []byte, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrMalformedMessage):
		return "malformed"
	case err != nil:
		return "error"
	case len(resp) > 0 && wire.Kind(resp[0]) == wire.KindError:
		return "reject"
	default:
		return "ok"
	}
}

// expectAnswer decodes an Error answer into a *domain.RejectError and fails
// on any kind other than want.
func expectAnswer(resp []byte, want wire.Kind) error {
	kind, err := wire.KindOf(resp)
	if err != nil {
		return err
	}
	switch kind {
	case want:
		return nil
	case wire.KindError:
		id, err := wire.DecodeError(resp)
		if err != nil {
			return err
		}
		return &domain.RejectError{ID: id}
	default:
		return errors.Wrapf(domain.ErrProtocol, "answer of kind %s to a request expecting %s", kind, want)
	}
}

// GetEvents lists the server's events.
func (c *Client) GetEvents(ctx context.Context) ([]domain.Event, error) {
	resp, err := c.Do(ctx, wire.EncodeGetEvents())
	if err != nil {
		return nil, err
	}
	if err := expectAnswer(resp, wire.KindEvents); err != nil {
		return nil, err
	}
	return wire.DecodeEvents(resp)
}

// GetReservation reserves count tickets for eventID. A refusal is returned
// as a *domain.RejectError.
func (c *Client) GetReservation(ctx context.Context, eventID uint32, count uint16) (domain.Reservation, error) {
	resp, err := c.Do(ctx, wire.EncodeGetReservation(eventID, count))
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := expectAnswer(resp, wire.KindReservation); err != nil {
		return domain.Reservation{}, err
	}
	return wire.DecodeReservation(resp)
}

// GetTickets claims the tickets of a reservation. A refusal is returned as
// a *domain.RejectError.
func (c *Client) GetTickets(ctx context.Context, reservationID uint32, cookie domain.Cookie) (domain.TicketSet, error) {
	resp, err := c.Do(ctx, wire.EncodeGetTickets(reservationID, cookie))
	if err != nil {
		return domain.TicketSet{}, err
	}
	if err := expectAnswer(resp, wire.KindTickets); err != nil {
		return domain.TicketSet{}, err
	}
	return wire.DecodeTickets(resp)
}
