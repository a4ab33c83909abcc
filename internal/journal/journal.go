// Package journal records the exchanges of a verification run.
package journal

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Outcomes of an exchange as judged by the verifier.
const (
	OutcomeOK        = "ok"
	OutcomeReject    = "reject"
	OutcomeViolation = "violation"
	OutcomeTimeout   = "timeout"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

type Entry struct {
	RunID    uuid.UUID
	Scenario string
	Seq      int
	Kind     string
	// Request and Response are hex encoded datagrams.
	Request  string
	Response string
	Outcome  string
	Detail   string
	SentAt   time.Time
	Duration time.Duration
}

func (e Entry) Violation() bool {
	return e.Outcome == OutcomeViolation
}

// Datagram hex encodes b for an Entry.
func Datagram(b []byte) string {
	return hex.EncodeToString(b)
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// Multi records every entry in each sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps entries in a slice. Not safe for concurrent use.
type Memory struct {
	Entries []Entry
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.Entries = append(m.Entries, e)
	return nil
}
