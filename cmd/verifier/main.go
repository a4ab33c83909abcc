// verifier drives a ticket server through the verification scenarios and
// checks every answer against the oracle.
//
// Without VERIFIER_TARGET each scenario runs against a fresh in-process
// reference server. With it, the scenarios talk to an already running
// server, which must have been started with the catalog and timeout of the
// selected scenario; a redis lock keeps other verifiers off that target.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/ticketudp/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticketudp/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticketudp/internal/adapters/redis"
	"github.com/robertarktes/ticketudp/internal/config"
	"github.com/robertarktes/ticketudp/internal/host"
	httphandler "github.com/robertarktes/ticketudp/internal/http"
	"github.com/robertarktes/ticketudp/internal/journal"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/verifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	var names []string
	flags := pflag.NewFlagSet("verifier", pflag.ContinueOnError)
	flags.StringSliceVar(&names, "scenario", []string{"small", "randomized", "timing", "limits"}, "scenarios to run, in order")
	flags.Uint64Var(&cfg.VerifierSeed, "seed", cfg.VerifierSeed, "seed of the randomized scenario")
	flags.IntVar(&cfg.VerifierFuzzOps, "ops", cfg.VerifierFuzzOps, "operations in the randomized scenario")
	flags.IntVar(&cfg.VerifierLimitEvents, "limit-events", cfg.VerifierLimitEvents, "listed events exercised by the limits scenario, 0 for all")
	flags.StringVar(&cfg.VerifierTarget, "target", cfg.VerifierTarget, "host:port of a running server")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	scenarios, err := selectScenarios(names, cfg)
	if err != nil {
		return err
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "verifier")
	if err != nil {
		return errors.Wrap(err, "setup otel")
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := journal.Multi{}
	checks := map[string]httphandler.Check{}
	if cfg.CRDBDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return errors.Wrap(err, "connect to crdb")
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, repo)
		checks["crdb"] = pool.Ping
	}
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return errors.Wrap(err, "connect to mongo")
		}
		defer mongoClient.Disconnect(context.Background())
		sinks = append(sinks, mongoadapter.NewExchangeAudit(mongoClient.Database("ticketudp"), logger))
		checks["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }
	}

	var processHost host.ProcessHost = host.Local{SweepInterval: cfg.ExpirySweep, Logger: logger}
	if cfg.VerifierTarget != "" {
		processHost = host.Remote{Addr: cfg.VerifierTarget}
		if cfg.RedisAddr != "" {
			redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
			defer redisClient.Close()
			lock := redisadapter.NewTargetLock(redisClient)
			owner := uuid.NewString()
			if err := lock.Acquire(ctx, cfg.VerifierTarget, owner, cfg.LockTTL); err != nil {
				return err
			}
			defer func() {
				if err := lock.Release(context.Background(), cfg.VerifierTarget, owner); err != nil {
					logger.Warn("failed to release target lock: ", err)
				}
			}()
			checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
	}

	if cfg.OpsAddr != "" {
		srv := &http.Server{
			Addr:    cfg.OpsAddr,
			Handler: httphandler.SetupRouter(httphandler.NewHandlers(checks, nil), logger),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops listen: ", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runner := &verifier.Runner{
		Host:            processHost,
		Port:            cfg.TicketPort,
		Tolerance:       cfg.VerifierClockTolerance,
		ResponseTimeout: cfg.VerifierResponseTimeout,
		Sink:            sinks,
		Logger:          logger,
	}
	if cfg.VerifierTarget == "" {
		runner.Port = 0
	}
	runID, results, err := runner.Run(ctx, scenarios...)
	for _, r := range results {
		fmt.Printf("PASS %-24s %8s  reservations=%d claimed=%d expired=%d tickets=%d\n",
			r.Scenario, r.Elapsed.Round(time.Millisecond), r.Stats.Reservations, r.Stats.Claimed, r.Stats.Expired, r.Stats.Tickets)
	}
	if err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	logger.WithField("run_id", runID.String()).Info("all scenarios passed")
	return nil
}

func selectScenarios(names []string, cfg *config.Config) ([]verifier.Scenario, error) {
	var out []verifier.Scenario
	for _, name := range names {
		switch name {
		case "small":
			out = append(out, verifier.SmallCorrectness())
		case "randomized":
			out = append(out, verifier.Randomized(cfg.VerifierSeed, cfg.VerifierFuzzOps))
		case "timing":
			out = append(out, verifier.Timing())
		case "limits":
			out = append(out, verifier.Limits(cfg.VerifierLimitEvents))
		default:
			return nil, errors.Newf("unknown scenario %q", name)
		}
	}
	if cfg.VerifierTarget != "" && len(out) != 1 {
		return nil, errors.New("a remote target runs exactly one scenario; pick it with --scenario")
	}
	return out, nil
}
