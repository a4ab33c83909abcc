package verifier

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/oracle"
)

// Scenario is one server run: the catalog and timeout the server starts
// with and the request sequence sent to it.
type Scenario struct {
	Name    string
	Catalog []domain.EventSpec
	Timeout time.Duration
	Run     func(ctx context.Context, d *Driver) error
}

func unexpected(format string, args ...interface{}) error {
	return errors.Wrapf(domain.ErrProtocol, format, args...)
}

// expect checks the answer to the last request against the outcome the
// scenario was written for. Answers the model allows either way are left
// to the model. Errors other than rejections are returned unchanged.
func expect(d *Driver, want oracle.Outcome, err error, what string) error {
	if err != nil && !domain.IsReject(err) {
		return err
	}
	got := oracle.Accept
	if err != nil {
		got = oracle.Reject
	}
	if d.Predicted() == oracle.Either || got == want {
		return nil
	}
	return unexpected("%s: got %s, want %s", what, got, want)
}

func eventIDs(events []domain.Event) map[string]uint32 {
	ids := make(map[string]uint32, len(events))
	for _, e := range events {
		ids[e.Description] = e.ID
	}
	return ids
}

func lookup(ids map[string]uint32, desc string) (uint32, error) {
	id, ok := ids[desc]
	if !ok {
		return 0, unexpected("event %q missing from the listing", desc)
	}
	return id, nil
}

func tickets(events []domain.Event, id uint32) int {
	for _, e := range events {
		if e.ID == id {
			return int(e.Tickets)
		}
	}
	return -1
}

// unusedID returns a reservation id the server has not issued to us.
func unusedID(m *oracle.Model) uint32 {
	used := make(map[uint32]bool)
	for _, r := range m.Reservations() {
		used[r.ID] = true
	}
	for id := uint32(323); ; id++ {
		if !used[id] {
			return id
		}
	}
}

// SmallCorrectness runs the literal catalog of three events through
// reservation, listing, claim, re-read and tampering checks.
func SmallCorrectness() Scenario {
	const (
		film    = "film o kotach"
		concert = "fajny koncert"
		zoo     = "ZOO"
	)
	return Scenario{
		Name: "small_correctness",
		Catalog: []domain.EventSpec{
			{Description: film, Tickets: 32},
			{Description: concert, Tickets: 123},
			{Description: zoo, Tickets: 0},
		},
		Timeout: 5 * time.Second,
		Run: func(ctx context.Context, d *Driver) error {
			events, err := d.ListEvents(ctx)
			if err != nil {
				return err
			}
			if len(events) != 3 {
				return unexpected("listing has %d events, want 3", len(events))
			}
			ids := eventIDs(events)
			filmID, err := lookup(ids, film)
			if err != nil {
				return err
			}
			concertID, err := lookup(ids, concert)
			if err != nil {
				return err
			}
			zooID, err := lookup(ids, zoo)
			if err != nil {
				return err
			}

			r, err := d.Reserve(ctx, filmID, 20)
			if err := expect(d, oracle.Accept, err, "reserve 20 for "+film); err != nil {
				return err
			}
			if r.Tickets != 20 {
				return unexpected("reservation holds %d tickets, want 20", r.Tickets)
			}

			events, err = d.ListEvents(ctx)
			if err != nil {
				return err
			}
			if n := tickets(events, filmID); n != 12 {
				return unexpected("%s has %d tickets left, want 12", film, n)
			}

			for _, tc := range []struct {
				event uint32
				count uint16
				what  string
			}{
				{filmID, 0, "reserve 0 for " + film},
				{filmID, 13, "reserve 13 for " + film},
				{filmID, 33, "reserve 33 for " + film},
				{zooID, 1, "reserve 1 for " + zoo},
				{uint32(len(events)) + 100, 1, "reserve for an unknown event"},
			} {
				_, err := d.Reserve(ctx, tc.event, tc.count)
				if err := expect(d, oracle.Reject, err, tc.what); err != nil {
					return err
				}
			}

			first, err := d.Claim(ctx, r.ID, r.Cookie)
			if err := expect(d, oracle.Accept, err, "claim"); err != nil {
				return err
			}
			if len(first.Tickets) != 20 {
				return unexpected("claim returned %d tickets, want 20", len(first.Tickets))
			}
			again, err := d.Claim(ctx, r.ID, r.Cookie)
			if err := expect(d, oracle.Accept, err, "re-claim"); err != nil {
				return err
			}
			if !first.Equal(again) {
				return unexpected("re-claim returned different tickets")
			}

			tampered := r.Cookie
			tampered[len(tampered)-1] = tamper(tampered[len(tampered)-1])
			_, err = d.Claim(ctx, r.ID, tampered)
			if err := expect(d, oracle.Reject, err, "claim with a tampered cookie"); err != nil {
				return err
			}
			_, err = d.Claim(ctx, unusedID(d.Model()), r.Cookie)
			if err := expect(d, oracle.Reject, err, "claim with a foreign id"); err != nil {
				return err
			}

			all, err := d.Reserve(ctx, concertID, 123)
			if err := expect(d, oracle.Accept, err, "reserve all of "+concert); err != nil {
				return err
			}
			_, err = d.Claim(ctx, all.ID, all.Cookie)
			if err := expect(d, oracle.Accept, err, "claim all of "+concert); err != nil {
				return err
			}
			_, err = d.ListEvents(ctx)
			return err
		},
	}
}

// tamper returns a different printable byte.
func tamper(b byte) byte {
	if b == domain.MaxCookieByte {
		return domain.MinCookieByte
	}
	return b + 1
}

const descriptionAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 "

func randomDescription(rng *rand.Rand, prefix string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = descriptionAlphabet[rng.IntN(len(descriptionAlphabet))]
	}
	return prefix + string(b)
}

var sentinelCookie = func() domain.Cookie {
	var c domain.Cookie
	for i := range c {
		c[i] = "abcd"[i%4]
	}
	return c
}()

const sentinelID = 10_000_042

// Randomized issues ops seeded random requests against 100 events.
func Randomized(seed uint64, ops int) Scenario {
	rng := rand.New(rand.NewPCG(seed, seed))
	specs := make([]domain.EventSpec, 100)
	for i := range specs {
		specs[i] = domain.EventSpec{
			Description: randomDescription(rng, fmt.Sprintf("%03d ", i), rng.IntN(60)),
			Tickets:     uint16(rng.IntN(5001)),
		}
	}
	return Scenario{
		Name:    fmt.Sprintf("randomized_seed_%d", seed),
		Catalog: specs,
		Timeout: 50 * time.Second,
		Run: func(ctx context.Context, d *Driver) error {
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			if _, err := d.ListEvents(ctx); err != nil {
				return err
			}
			for i := 0; i < ops; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := randomOp(ctx, d, rng); err != nil {
					return errors.Wrapf(err, "op %d", i)
				}
			}
			_, err := d.ListEvents(ctx)
			return err
		},
	}
}

func randomOp(ctx context.Context, d *Driver, rng *rand.Rand) error {
	m := d.Model()
	if rng.IntN(25) == 0 {
		_, err := d.ListEvents(ctx)
		return err
	}
	var err error
	switch rng.IntN(4) {
	case 0:
		events := m.Events()
		e := events[rng.IntN(len(events))]
		_, err = d.Reserve(ctx, e.ID, uint16(rng.IntN(int(e.Tickets)+2)))
	case 1:
		_, err = d.Reserve(ctx, uint32(rng.IntN(101)), uint16(rng.IntN(11)))
	case 2:
		reservations := m.Reservations()
		if len(reservations) == 0 {
			_, err = d.Claim(ctx, sentinelID, sentinelCookie)
			break
		}
		r := reservations[rng.IntN(len(reservations))]
		_, err = d.Claim(ctx, r.ID, r.Cookie)
	default:
		id, cookie := uint32(sentinelID), sentinelCookie
		if reservations := m.Reservations(); len(reservations) > 0 {
			id = reservations[rng.IntN(len(reservations))].ID
		}
		if cookies := m.Cookies(); len(cookies) > 0 {
			cookie = cookies[rng.IntN(len(cookies))]
		}
		_, err = d.Claim(ctx, id, cookie)
	}
	if domain.IsReject(err) {
		return nil
	}
	return err
}

// Timing walks reservations across their expiration with a two second
// timeout: unclaimed tickets come back, claimed ones stay issued and a late
// claim is refused.
func Timing() Scenario {
	return Scenario{
		Name: "timing",
		Catalog: []domain.EventSpec{
			{Description: "expires", Tickets: 5},
			{Description: "claimed", Tickets: 7},
			{Description: "late claim", Tickets: 9},
		},
		Timeout: 2 * time.Second,
		Run: func(ctx context.Context, d *Driver) error {
			events, err := d.ListEvents(ctx)
			if err != nil {
				return err
			}
			ids := eventIDs(events)
			sleep := d.Clock().Sleep

			expires, err := lookup(ids, "expires")
			if err != nil {
				return err
			}
			_, err = d.Reserve(ctx, expires, 5)
			if err := expect(d, oracle.Accept, err, "reserve every ticket"); err != nil {
				return err
			}
			sleep(500 * time.Millisecond)
			_, err = d.Reserve(ctx, expires, 5)
			if err := expect(d, oracle.Reject, err, "reserve before expiry"); err != nil {
				return err
			}
			sleep(2500 * time.Millisecond)
			_, err = d.Reserve(ctx, expires, 5)
			if err := expect(d, oracle.Accept, err, "reserve after expiry"); err != nil {
				return err
			}

			claimed, err := lookup(ids, "claimed")
			if err != nil {
				return err
			}
			r, err := d.Reserve(ctx, claimed, 7)
			if err := expect(d, oracle.Accept, err, "reserve for claiming"); err != nil {
				return err
			}
			first, err := d.Claim(ctx, r.ID, r.Cookie)
			if err := expect(d, oracle.Accept, err, "claim in time"); err != nil {
				return err
			}
			sleep(3 * time.Second)
			_, err = d.Reserve(ctx, claimed, 7)
			if err := expect(d, oracle.Reject, err, "reserve claimed tickets"); err != nil {
				return err
			}
			again, err := d.Claim(ctx, r.ID, r.Cookie)
			if err := expect(d, oracle.Accept, err, "re-claim after expiration time"); err != nil {
				return err
			}
			if !first.Equal(again) {
				return unexpected("re-claim after expiration time returned different tickets")
			}

			late, err := lookup(ids, "late claim")
			if err != nil {
				return err
			}
			r, err = d.Reserve(ctx, late, 9)
			if err := expect(d, oracle.Accept, err, "reserve for a late claim"); err != nil {
				return err
			}
			sleep(3 * time.Second)
			_, err = d.Claim(ctx, r.ID, r.Cookie)
			if err := expect(d, oracle.Reject, err, "claim after expiry"); err != nil {
				return err
			}
			events, err = d.ListEvents(ctx)
			if err != nil {
				return err
			}
			if n := tickets(events, late); n != 9 {
				return unexpected("expired tickets not returned: %d left, want 9", n)
			}
			return nil
		},
	}
}

// LimitEventCount is the number of events in the Limits catalog; only
// (MaxDatagramSize-1)/87 of them fit in one listing.
const LimitEventCount = 1000

// Limits fills the listing datagram with 80 byte descriptions and reserves
// the largest ticket count that fits in one Tickets answer. reserveEvents
// caps how many listed events are exercised; 0 means all.
func Limits(reserveEvents int) Scenario {
	specs := make([]domain.EventSpec, LimitEventCount)
	for i := range specs {
		desc := fmt.Sprintf("limit event %04d ", i)
		for len(desc) < domain.MaxDescriptionSize {
			desc += "x"
		}
		specs[i] = domain.EventSpec{Description: desc, Tickets: 65535}
	}
	return Scenario{
		Name:    "limits",
		Catalog: specs,
		Timeout: 50 * time.Second,
		Run: func(ctx context.Context, d *Driver) error {
			events, err := d.ListEvents(ctx)
			if err != nil {
				return err
			}
			want := (domain.MaxDatagramSize - 1) / (domain.EventHeaderSize + domain.MaxDescriptionSize)
			if len(events) != want {
				return unexpected("listing has %d events, want %d", len(events), want)
			}
			if reserveEvents > 0 && reserveEvents < len(events) {
				events = events[:reserveEvents]
			}
			for _, e := range events {
				_, err := d.Reserve(ctx, e.ID, domain.MaxTicketsPerReservation+1)
				if err := expect(d, oracle.Reject, err, "reserve above the per reservation limit"); err != nil {
					return err
				}
				r, err := d.Reserve(ctx, e.ID, domain.MaxTicketsPerReservation)
				if err := expect(d, oracle.Accept, err, "reserve the per reservation limit"); err != nil {
					return err
				}
				set, err := d.Claim(ctx, r.ID, r.Cookie)
				if err := expect(d, oracle.Accept, err, "claim the per reservation limit"); err != nil {
					return err
				}
				if len(set.Tickets) != domain.MaxTicketsPerReservation {
					return unexpected("claim returned %d tickets, want %d", len(set.Tickets), domain.MaxTicketsPerReservation)
				}
			}
			return nil
		},
	}
}
