package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	mongoadapter "github.com/robertarktes/ticketudp/internal/adapters/mongo"
	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/config"
	httphandler "github.com/robertarktes/ticketudp/internal/http"
	"github.com/robertarktes/ticketudp/internal/observability"
	"github.com/robertarktes/ticketudp/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var timeoutSeconds int
	var mongoCatalog string
	flags := pflag.NewFlagSet("ticket-server", pflag.ContinueOnError)
	flags.StringVarP(&cfg.EventsFile, "file", "f", cfg.EventsFile, "event catalog file")
	flags.IntVarP(&cfg.TicketPort, "port", "p", cfg.TicketPort, "UDP port")
	flags.IntVarP(&timeoutSeconds, "timeout", "t", int(cfg.ReservationTimeout/time.Second), "reservation timeout in seconds")
	flags.StringVar(&mongoCatalog, "mongo-catalog", "", "load the named catalog from MongoDB instead of a file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("invalid arguments: %v", err)
	}
	cfg.ReservationTimeout = time.Duration(timeoutSeconds) * time.Second
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.EventsFile == "" && mongoCatalog == "" {
		log.Fatalf("no event catalog: pass -f or --mongo-catalog")
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "ticket-server")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var source catalog.Source = catalog.File{Path: cfg.EventsFile}
	if mongoCatalog != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		source = mongoadapter.NewCatalogRepository(mongoClient.Database("ticketudp"), mongoCatalog, logger)
	}
	specs, err := source.Events(ctx)
	if err != nil {
		log.Fatalf("failed to load catalog: %v", err)
	}

	state, err := server.New(specs, server.Options{Timeout: cfg.ReservationTimeout, Logger: logger})
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	conn, err := server.Listen(cfg.TicketPort)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	logger.WithField("events", len(specs)).WithField("port", cfg.TicketPort).Info("ticket server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, conn, state, logger)
	})
	g.Go(func() error {
		state.RunExpiry(gctx, cfg.ExpirySweep)
		return nil
	})
	if cfg.OpsAddr != "" {
		handlers := httphandler.NewHandlers(
			map[string]httphandler.Check{"udp": func(context.Context) error { return gctx.Err() }},
			func() interface{} { return state.Events() },
		)
		srv := &http.Server{Addr: cfg.OpsAddr, Handler: httphandler.SetupRouter(handlers, logger)}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "ops listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("ticket server stopped: ", err)
		os.Exit(1)
	}
	logger.Info("ticket server exiting")
}
