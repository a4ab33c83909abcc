package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrMalformedMessage marks a datagram that does not match its layout.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrProtocol marks a server answer that a correct server would not give.
	ErrProtocol = errors.New("protocol violation")

	ErrInvalidInput = errors.New("invalid input")
)

// RejectError is the server's type 255 answer. ID echoes the event or
// reservation id of the rejected request.
type RejectError struct {
	ID uint32
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("request rejected (id %d)", e.ID)
}

// IsReject reports whether err carries a RejectError.
func IsReject(err error) bool {
	var reject *RejectError
	return errors.As(err, &reject)
}
