package host

import (
	"context"
	"time"
)

// Remote points the verifier at a server someone else started with the
// same catalog and timeout. Start launches nothing and Terminate leaves the
// server running.
type Remote struct {
	Addr string
}

func (r Remote) Start(ctx context.Context, eventsPath string, port int, timeout time.Duration) (Handle, error) {
	return remoteHandle(r.Addr), nil
}

type remoteHandle string

func (h remoteHandle) Addr() string { return string(h) }

func (h remoteHandle) Listening() bool { return true }

func (h remoteHandle) Terminate() (int, error) { return 0, nil }
