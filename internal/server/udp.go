package server

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/observability"
)

// Listen opens the server socket on all IPv4 interfaces.
func Listen(port int) (net.PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp port %d", port)
	}
	return conn, nil
}

// Serve answers datagrams on conn with h until ctx is cancelled. Requests
// are handled one at a time. The connection is closed on return.
func Serve(ctx context.Context, conn net.PacketConn, h Handler, logger observability.Logger) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	logger.Info("serving on ", conn.LocalAddr())
	buf := make([]byte, domain.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "read request")
		}
		resp, ok := h.Handle(buf[:n])
		if !ok {
			continue
		}
		if _, err := conn.WriteTo(resp, from); err != nil {
			logger.WithField("peer", from.String()).Warn("failed to send answer: ", err)
		}
	}
}

// RunExpiry sweeps expired reservations every interval until ctx is done.
func (s *State) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.WithField("released", n).Debug("expired reservations released")
			}
		}
	}
}
