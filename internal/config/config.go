package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	MinReservationTimeout = time.Second
	MaxReservationTimeout = 86400 * time.Second
)

type Config struct {
	EventsFile         string
	TicketPort         int
	ReservationTimeout time.Duration
	ExpirySweep        time.Duration
	OpsAddr            string
	LogLevel           string
	OTLPEndpoint       string

	VerifierTarget          string
	VerifierSeed            uint64
	VerifierFuzzOps         int
	VerifierResponseTimeout time.Duration
	VerifierClockTolerance  time.Duration
	VerifierLimitEvents     int
	LockTTL                 time.Duration

	OutboxInterval time.Duration

	CRDBDSN   string
	MongoURI  string
	RedisAddr string
	RabbitURL string
}

// Load reads the environment, after merging a .env file when one exists.
// Unset variables take their defaults; malformed ones are an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		EventsFile:     os.Getenv("EVENTS_FILE"),
		OpsAddr:        os.Getenv("OPS_ADDR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		VerifierTarget: os.Getenv("VERIFIER_TARGET"),
		CRDBDSN:        os.Getenv("CRDB_DSN"),
		MongoURI:       os.Getenv("MONGO_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RabbitURL:      os.Getenv("RABBIT_URL"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	if cfg.TicketPort, err = intEnv("TICKET_PORT", 2022); err != nil {
		return nil, err
	}
	if cfg.ReservationTimeout, err = durationEnv("RESERVATION_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ExpirySweep, err = durationEnv("EXPIRY_SWEEP_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.VerifierFuzzOps, err = intEnv("VERIFIER_FUZZ_OPS", 7500); err != nil {
		return nil, err
	}
	if cfg.VerifierLimitEvents, err = intEnv("VERIFIER_LIMIT_EVENTS", 0); err != nil {
		return nil, err
	}
	if cfg.VerifierResponseTimeout, err = durationEnv("VERIFIER_RESPONSE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.VerifierClockTolerance, err = durationEnv("VERIFIER_CLOCK_TOLERANCE", time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = durationEnv("OUTBOX_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("VERIFIER_SEED"); v != "" {
		if cfg.VerifierSeed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "VERIFIER_SEED=%q", v)
		}
	}

	return cfg, nil
}

// Validate checks the ranges the server and the verifier depend on.
func (c *Config) Validate() error {
	if c.TicketPort < 0 || c.TicketPort > 65535 {
		return errors.Newf("ticket port %d out of range", c.TicketPort)
	}
	if c.ReservationTimeout < MinReservationTimeout || c.ReservationTimeout > MaxReservationTimeout {
		return errors.Newf("reservation timeout %s outside %s..%s", c.ReservationTimeout, MinReservationTimeout, MaxReservationTimeout)
	}
	if c.ReservationTimeout%time.Second != 0 {
		return errors.Newf("reservation timeout %s is not a whole number of seconds", c.ReservationTimeout)
	}
	if c.ExpirySweep <= 0 {
		return errors.Newf("expiry sweep interval %s must be positive", c.ExpirySweep)
	}
	if c.VerifierFuzzOps < 0 {
		return errors.Newf("fuzz ops %d is negative", c.VerifierFuzzOps)
	}
	if c.VerifierLimitEvents < 0 {
		return errors.Newf("limit events %d is negative", c.VerifierLimitEvents)
	}
	if c.VerifierResponseTimeout <= 0 {
		return errors.Newf("response timeout %s must be positive", c.VerifierResponseTimeout)
	}
	if c.OutboxInterval <= 0 {
		return errors.Newf("outbox interval %s must be positive", c.OutboxInterval)
	}
	if c.VerifierClockTolerance < 0 {
		return errors.Newf("clock tolerance %s is negative", c.VerifierClockTolerance)
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s=%q", key, v)
	}
	return n, nil
}

// durationEnv accepts Go durations ("5s") and bare integers as seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s=%q", key, v)
	}
	return d, nil
}
