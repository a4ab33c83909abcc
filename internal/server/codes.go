package server

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticketudp/internal/domain"
)

const ticketAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ticketCode renders seq in base 36, most significant digit first, padded
// to the ticket width.
func ticketCode(seq uint64) domain.Ticket {
	var t domain.Ticket
	base := uint64(len(ticketAlphabet))
	for i := domain.TicketSize - 1; i >= 0; i-- {
		t[i] = ticketAlphabet[seq%base]
		seq /= base
	}
	return t
}

const cookieSpan = domain.MaxCookieByte - domain.MinCookieByte + 1

// newCookie draws printable bytes from r. Bytes that would bias the
// distribution are discarded.
func newCookie(r io.Reader) (domain.Cookie, error) {
	var c domain.Cookie
	buf := make([]byte, domain.CookieSize)
	limit := byte(256 / cookieSpan * cookieSpan)
	filled := 0
	for filled < len(c) {
		if _, err := io.ReadFull(r, buf); err != nil {
			return c, errors.Wrap(err, "read cookie entropy")
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			c[filled] = domain.MinCookieByte + b%cookieSpan
			filled++
			if filled == len(c) {
				break
			}
		}
	}
	return c, nil
}
