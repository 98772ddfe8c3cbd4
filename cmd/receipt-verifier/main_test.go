package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/davidahmann/receipt-verifier/internal/config"
	"github.com/davidahmann/receipt-verifier/internal/ledger/redisstore"
	"github.com/davidahmann/receipt-verifier/internal/ledger/sqlstore"
)

func noServer(t *testing.T, check func(config.Config)) serverFactory {
	return func(_ context.Context, cfg config.Config, _ *zap.Logger) (*http.Server, func(), error) {
		check(cfg)
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
}

func TestNewServer(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.ListenAddr = "127.0.0.1:9999"
	srv, cleanup, err := newServer(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()
	if srv.Addr != cfg.ListenAddr {
		t.Fatalf("expected addr %s, got %s", cfg.ListenAddr, srv.Addr)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestNewServerBalanceToken(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Balances.Token = "secret"
	srv, cleanup, err := newServer(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/balances/alice", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestNewServerBadSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Receipts.SeedFile = filepath.Join(t.TempDir(), "missing")
	if _, _, err := newServer(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenStoreSQLiteMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.db")
	store, err := openStore(context.Background(), config.StoreConfig{Driver: config.DriverSQLite, URI: "file:" + path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	s, ok := store.(*sqlstore.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM balances").Scan(&count); err != nil {
		t.Fatalf("balances table missing: %v", err)
	}
	if _, err := s.PurgeExpired(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := openStore(context.Background(), config.StoreConfig{Driver: config.DriverRedis, URI: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*redisstore.Store); !ok {
		t.Fatalf("expected redis store, got %T", store)
	}
	if _, ok := store.(purger); ok {
		t.Fatalf("redis expires keys itself and needs no purge")
	}
}

func TestOpenStoreErrors(t *testing.T) {
	if _, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := openStore(context.Background(), config.StoreConfig{Driver: config.DriverRedis, URI: "::"}); err == nil {
		t.Fatalf("expected error for bad redis uri")
	}
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	if p.calls.Add(1) == 1 {
		return 0, errors.New("transient")
	}
	return 2, nil
}

func TestPurgeLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPurger{}
	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, p, time.Millisecond, zap.NewNop())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if p.calls.Load() < 3 {
		t.Fatalf("expected the loop to keep running after an error, got %d calls", p.calls.Load())
	}
}

type blockingPurger struct {
	entered chan struct{}
	closed  atomic.Bool
	late    atomic.Bool
}

func (p *blockingPurger) PurgeExpired(ctx context.Context) (int64, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	// Give a racing Close the chance to run first.
	time.Sleep(5 * time.Millisecond)
	if p.closed.Load() {
		p.late.Store(true)
	}
	return 0, ctx.Err()
}

func TestStartPurgerWaitsForInFlightPurge(t *testing.T) {
	p := &blockingPurger{entered: make(chan struct{}, 1)}
	stop := startPurger(context.Background(), p, time.Millisecond, zap.NewNop())

	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("purge never started")
	}
	stop()
	p.closed.Store(true)
	if p.late.Load() {
		t.Fatalf("purge was still running after stop returned")
	}
}

func TestRunCancelsBeforeCleanup(t *testing.T) {
	var cleaned atomic.Bool
	factory := func(ctx context.Context, cfg config.Config, _ *zap.Logger) (*http.Server, func(), error) {
		return &http.Server{Addr: cfg.ListenAddr}, func() {
			if ctx.Err() == nil {
				t.Errorf("store closed while the server context was still live")
			}
			cleaned.Store(true)
		}, nil
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	if err := run(nil, func(string) string { return "" }, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cleaned.Load() {
		t.Fatalf("cleanup was not called")
	}
}

func TestNewServerStopsPurgeOnCleanup(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{
		Driver:               config.DriverSQLite,
		URI:                  "file:" + filepath.Join(t.TempDir(), "receipts.db"),
		PurgeIntervalSeconds: 1,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cleanup, err := newServer(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	done := make(chan struct{})
	go func() {
		cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cleanup did not return")
	}
}

func TestRunDefaults(t *testing.T) {
	factory := noServer(t, func(cfg config.Config) {
		if cfg.ListenAddr != config.DefaultListenAddr {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.Store.Driver != config.DriverRedis {
			t.Fatalf("expected redis store, got %s", cfg.Store.Driver)
		}
		if cfg.Store.ResolvedURI() != config.DefaultRedisURI {
			t.Fatalf("expected default redis uri, got %s", cfg.Store.ResolvedURI())
		}
	})
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(string) string { return "" }
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	listenErr := errors.New("listen failed")
	listen := func(_ *http.Server) error { return listenErr }
	getenv := func(key string) string {
		if key == "LISTEN_ADDR" {
			return "127.0.0.1:1234"
		}
		return ""
	}
	if err := run(nil, getenv, listen, noServer(t, func(config.Config) {})); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunFactoryError(t *testing.T) {
	factory := func(context.Context, config.Config, *zap.Logger) (*http.Server, func(), error) {
		return nil, nil, errors.New("store down")
	}
	listen := func(_ *http.Server) error {
		t.Fatalf("listen must not be called")
		return nil
	}
	if err := run(nil, func(string) string { return "" }, listen, factory); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunInvalidEnv(t *testing.T) {
	getenv := func(key string) string {
		if key == "RECEIPT_EXPIRY" {
			return "never"
		}
		return ""
	}
	listen := func(_ *http.Server) error { return nil }
	if err := run(nil, getenv, listen, noServer(t, func(config.Config) {})); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipt-verifier.yaml")
	data := "listen_addr: \":9999\"\nreceipts:\n  ttl_seconds: 60\n  expiry: stream_start\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	factory := noServer(t, func(cfg config.Config) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.Receipts.Expiry != "stream_start" || cfg.TTL() != time.Minute {
			t.Fatalf("expected receipts from config, got %+v", cfg.Receipts)
		}
	})
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		if key == "RECEIPT_VERIFIER_CONFIG" {
			return path
		}
		return ""
	}
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := run([]string{"-config", filepath.Join(dir, "missing.yaml")}, getenv, listen, factory); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	err := listenAndServe(&http.Server{Addr: "127.0.0.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestMainNoError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return nil
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if called {
		t.Fatalf("unexpected fatal call")
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(args []string, envFn envFn, listenFn listenFn, serverFactory serverFactory) error {
		return errors.New("boom")
	}

	called := false
	fatalf = func(string, ...any) {
		called = true
	}

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
