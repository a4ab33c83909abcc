// Package host starts servers for the verifier to talk to.
package host

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/clock"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/server"
)

// ProcessHost starts a server loaded with the catalog at eventsPath,
// listening on port, with the given reservation timeout. Port 0 picks a
// free port; Handle.Addr reports the one in use.
type ProcessHost interface {
	Start(ctx context.Context, eventsPath string, port int, timeout time.Duration) (Handle, error)
}

type Handle interface {
	// Addr is the host:port the server answers on.
	Addr() string
	Listening() bool
	// Terminate stops the server and returns its exit code.
	Terminate() (int, error)
}

// Local runs the reference server inside the current process.
type Local struct {
	// Clock is shared with the server. Nil means the wall clock.
	Clock clock.Clock
	// SweepInterval enables the background expiry sweeper when positive.
	SweepInterval time.Duration
	Logger        observability.Logger
	// Wrap, when set, decorates the server's handler.
	Wrap func(server.Handler) server.Handler
}

func (l Local) Start(ctx context.Context, eventsPath string, port int, timeout time.Duration) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	specs, err := catalog.File{Path: eventsPath}.Events(ctx)
	if err != nil {
		return nil, err
	}
	state, err := server.New(specs, server.Options{Timeout: timeout, Clock: l.Clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	var h server.Handler = state
	if l.Wrap != nil {
		h = l.Wrap(state)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp port %d", port)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return server.Serve(gctx, conn, h, logger.WithField("addr", addr.String()))
	})
	if l.SweepInterval > 0 {
		g.Go(func() error {
			state.RunExpiry(gctx, l.SweepInterval)
			return nil
		})
	}
	return &localHandle{
		addr:   net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)),
		cancel: cancel,
		group:  g,
	}, nil
}

type localHandle struct {
	addr   string
	cancel context.CancelFunc
	group  *errgroup.Group

	once     sync.Once
	mu       sync.Mutex
	stopped  bool
	exitCode int
	err      error
}

func (h *localHandle) Addr() string { return h.addr }

func (h *localHandle) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

func (h *localHandle) Terminate() (int, error) {
	h.once.Do(func() {
		h.cancel()
		err := h.group.Wait()
		h.mu.Lock()
		h.stopped = true
		if err != nil {
			h.exitCode, h.err = 1, err
		}
		h.mu.Unlock()
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.err
}

// WaitListening polls h until it reports listening or ctx is done.
func WaitListening(ctx context.Context, h Handle, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for !h.Listening() {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "server at %s never started listening", h.Addr())
		case <-ticker.C:
		}
	}
	return nil
}
