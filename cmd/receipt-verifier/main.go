package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidahmann/receipt-verifier/internal/api"
	"github.com/davidahmann/receipt-verifier/internal/auth"
	"github.com/davidahmann/receipt-verifier/internal/config"
	"github.com/davidahmann/receipt-verifier/internal/ledger"
	"github.com/davidahmann/receipt-verifier/internal/ledger/pgstore"
	"github.com/davidahmann/receipt-verifier/internal/ledger/redisstore"
	"github.com/davidahmann/receipt-verifier/internal/ledger/sqlstore"
	"github.com/davidahmann/receipt-verifier/internal/receipt"
	"github.com/davidahmann/receipt-verifier/internal/spsp"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

// serverFactory builds the server and returns a cleanup func that releases
// the store.
type serverFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("receipt-verifier", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to receipt-verifier config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if cfgFile := firstNonEmpty(*configPath, getenv("RECEIPT_VERIFIER_CONFIG")); cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	server, cleanup, err := factory(ctx, cfg, logger)
	if err != nil {
		cancel()
		return err
	}
	// Background work must see cancellation before the store closes.
	defer func() {
		cancel()
		cleanup()
	}()

	logger.Info("receipt-verifier listening",
		zap.String("addr", server.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.String("expiry", cfg.Receipts.Expiry),
	)
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*http.Server, func(), error) {
	seed, generated, err := cfg.LoadSeed()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load receipt seed")
	}
	if generated {
		logger.Warn("no receipt seed configured, generated a random one; receipts will not verify after restart")
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	stopPurge := func() {}
	if p, ok := store.(purger); ok && cfg.Store.PurgeIntervalSeconds > 0 {
		stopPurge = startPurger(ctx, p, time.Duration(cfg.Store.PurgeIntervalSeconds)*time.Second, logger)
	}

	l := ledger.New(store,
		ledger.WithExpiry(ledger.ExpiryPolicy(cfg.Receipts.Expiry)),
		ledger.WithReceiptTTL(cfg.TTL()),
		ledger.WithLogger(logger),
	)
	proxy := spsp.New(spsp.Config{
		Seed:         seed,
		TTL:          cfg.TTL(),
		Endpoint:     cfg.SPSP.Endpoint,
		EndpointsURL: cfg.SPSP.EndpointsURL,
		MaxBodyBytes: cfg.SPSP.MaxBodyBytes,
	}, l, logger)

	h := &api.Handler{
		Ledger:   l,
		Verifier: receipt.Verifier{Seed: seed},
		Proxy:    proxy,
		Logger:   logger,
	}
	if cfg.Balances.Token != "" {
		h.Auth = auth.StaticToken{Token: cfg.Balances.Token}
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	cleanup := func() {
		stopPurge()
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
	return server, cleanup, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		s, err := redisstore.Open(ctx, cfg.ResolvedURI())
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(cfg.URI)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "migrate sqlite")
		}
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.OpenPostgres(cfg.URI)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "migrate postgres")
		}
		return s, nil
	case config.DriverMemory:
		return ledger.NewInMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// purger is implemented by stores without server-side key expiry.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// startPurger runs purgeLoop in the background. The returned func stops
// the loop and waits for an in-flight purge to return.
func startPurger(ctx context.Context, p purger, every time.Duration, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		purgeLoop(ctx, p, every, logger)
	}()
	return func() {
		cancel()
		<-done
	}
}

func purgeLoop(ctx context.Context, p purger, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired receipts", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired receipts", zap.Int64("rows", n))
			}
		}
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
