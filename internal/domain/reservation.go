package domain

import (
	"time"
)

// NewReservation builds the reservation the server hands out at now.
func NewReservation(id, eventID uint32, tickets uint16, cookie Cookie, now time.Time, ttl time.Duration) Reservation {
	return Reservation{
		ID:        id,
		EventID:   eventID,
		Tickets:   tickets,
		Cookie:    cookie,
		ExpiresAt: uint64(now.Unix()) + uint64(ttl/time.Second),
	}
}

func (r Reservation) Expiration() time.Time {
	return Unix(r.ExpiresAt)
}

// ClaimableAt reports whether an unclaimed reservation can still be claimed at t.
func (r Reservation) ClaimableAt(t time.Time) bool {
	return t.Before(r.Expiration())
}
