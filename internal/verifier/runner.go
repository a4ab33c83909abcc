package verifier

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/clock"
	"github.com/robertarktes/ticketudp/internal/host"
	"github.com/robertarktes/ticketudp/internal/journal"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/oracle"
)

// Runner starts a fresh server for every scenario and drives it.
type Runner struct {
	Host host.ProcessHost
	// Port is passed to the host; 0 lets it choose.
	Port            int
	Clock           clock.Clock
	Tolerance       time.Duration
	ResponseTimeout time.Duration
	// StartTimeout bounds how long a server may take to start listening.
	StartTimeout time.Duration
	Sink         Sink
	Logger       observability.Logger
}

type Result struct {
	Scenario string
	Stats    oracle.Stats
	Elapsed  time.Duration
}

// Run executes scenarios in order and stops at the first failure. The run
// id tags every journal entry.
func (r *Runner) Run(ctx context.Context, scenarios ...Scenario) (uuid.UUID, []Result, error) {
	r.defaults()
	runID := uuid.New()
	logger := r.Logger.WithField("run_id", runID.String())

	dir, err := os.MkdirTemp("", "ticketudp-")
	if err != nil {
		return runID, nil, errors.Wrap(err, "create catalog dir")
	}
	defer os.RemoveAll(dir)

	var results []Result
	for _, sc := range scenarios {
		started := time.Now()
		stats, err := r.runOne(ctx, runID, dir, sc, logger.WithField("scenario", sc.Name))
		if err != nil {
			return runID, results, errors.Wrapf(err, "scenario %s", sc.Name)
		}
		results = append(results, Result{Scenario: sc.Name, Stats: stats, Elapsed: time.Since(started)})
	}
	return runID, results, nil
}

func (r *Runner) defaults() {
	if r.Clock == nil {
		r.Clock = clock.Real()
	}
	if r.Tolerance == 0 {
		r.Tolerance = oracle.DefaultTolerance
	}
	if r.StartTimeout <= 0 {
		r.StartTimeout = 5 * time.Second
	}
	if r.Sink == nil {
		r.Sink = journal.Nop{}
	}
	if r.Logger == nil {
		r.Logger = observability.NopLogger()
	}
}

func (r *Runner) runOne(ctx context.Context, runID uuid.UUID, dir string, sc Scenario, logger observability.Logger) (oracle.Stats, error) {
	path := filepath.Join(dir, sc.Name+".events")
	if err := catalog.WriteFile(path, sc.Catalog); err != nil {
		return oracle.Stats{}, err
	}
	model, err := oracle.New(sc.Catalog, oracle.Options{Timeout: sc.Timeout, Tolerance: r.Tolerance})
	if err != nil {
		return oracle.Stats{}, err
	}

	h, err := r.Host.Start(ctx, path, r.Port, sc.Timeout)
	if err != nil {
		return oracle.Stats{}, errors.Wrap(err, "start server")
	}
	defer func() {
		if code, err := h.Terminate(); err != nil || code != 0 {
			logger.WithField("exit_code", code).Warn("server exited uncleanly: ", err)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, r.StartTimeout)
	err = host.WaitListening(waitCtx, h, 10*time.Millisecond)
	cancel()
	if err != nil {
		return oracle.Stats{}, err
	}

	d, err := NewDriver(ctx, h.Addr(), model, DriverOptions{
		Clock:           r.Clock,
		ResponseTimeout: r.ResponseTimeout,
		Sink:            r.Sink,
		RunID:           runID,
		Scenario:        sc.Name,
		Logger:          logger,
	})
	if err != nil {
		return oracle.Stats{}, err
	}
	defer d.Close()

	logger.WithField("addr", h.Addr()).Info("scenario started")
	if err := sc.Run(ctx, d); err != nil {
		return model.Stats(), err
	}
	stats := model.Stats()
	logger.WithField("reservations", stats.Reservations).WithField("tickets", stats.Tickets).Info("scenario passed")
	return stats, nil
}
