package journal

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

type failing struct{ err error }

func (f failing) Record(context.Context, Entry) error { return f.err }

func TestMultiRecordsEverywhere(t *testing.T) {
	a, b := &Memory{}, &Memory{}
	boom := errors.New("boom")

	err := Multi{a, failing{boom}, Nop{}, b}.Record(context.Background(), Entry{Seq: 1, Outcome: OutcomeViolation})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Entries, 1)
	assert.Len(t, b.Entries, 1)
	assert.True(t, b.Entries[0].Violation())
}

func TestMultiWithoutErrors(t *testing.T) {
	assert.NoError(t, Multi{Nop{}, &Memory{}}.Record(context.Background(), Entry{}))
}

func TestDatagram(t *testing.T) {
	assert.Equal(t, "ff0000000a", Datagram([]byte{0xff, 0, 0, 0, 10}))
}
