package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/ledger"
	"github.com/lorekeep/lorekeep/internal/party"
	platformcmd "github.com/lorekeep/lorekeep/internal/platform/cmd"
	platformgrpc "github.com/lorekeep/lorekeep/internal/platform/grpc"
	"github.com/lorekeep/lorekeep/internal/platform/timeouts"
	"github.com/lorekeep/lorekeep/internal/session"
	"github.com/lorekeep/lorekeep/internal/storage/sqlite"
)

// App bundles the wired managers over one store. Embedders use it directly;
// Run wraps it in the service shell.
type App struct {
	Store       *sqlite.Store
	Sessions    *session.Manager
	Ledgers     *ledger.Manager
	Parties     *party.Manager
	Coordinator *Coordinator
}

// NewApp opens the store at dbPath and wires the managers. limits may be
// nil to use the embedded defaults.
func NewApp(dbPath string, limits ledger.Limits) (*App, error) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sessions := session.NewManager(store)
	ledgers, err := ledger.NewManager(store, limits)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build ledger manager: %w", err)
	}
	parties := party.NewManager(store, sessions)

	return &App{
		Store:       store,
		Sessions:    sessions,
		Ledgers:     ledgers,
		Parties:     parties,
		Coordinator: NewCoordinator(store, sessions, ledgers, parties),
	}, nil
}

// Close releases the underlying store.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return a.Store.Close()
}

// Options configures the service run loop.
type Options struct {
	DBPath   string
	GRPCAddr string

	AutosaveInterval   time.Duration
	SweepInterval      time.Duration
	LedgerStaleAfter   time.Duration
	CacheSweepInterval time.Duration

	// GeneratorAddr, when set, is probed for health at startup so a
	// misconfigured peer shows up in the logs before the first scene
	// request.
	GeneratorAddr string
}

// Run starts the service: store, managers, background workers, and the
// gRPC health surface. It blocks until ctx is canceled, then drains.
func Run(ctx context.Context, opts Options) error {
	app, err := NewApp(opts.DBPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	type worker struct {
		name   string
		cancel context.CancelFunc
		done   chan struct{}
	}
	var workers []worker
	start := func(name string, cancel context.CancelFunc, done chan struct{}) {
		workers = append(workers, worker{name: name, cancel: cancel, done: done})
	}

	cancelAutosave, autosaveDone := app.Sessions.StartAutosaveWorker(ctx, opts.AutosaveInterval)
	start("autosave", cancelAutosave, autosaveDone)
	cancelSweep, sweepDone := app.Ledgers.StartSweepWorker(ctx, opts.SweepInterval, opts.LedgerStaleAfter)
	start("ledger sweep", cancelSweep, sweepDone)

	cacheSweep := opts.CacheSweepInterval
	if cacheSweep <= 0 {
		cacheSweep = cache.DefaultSweepInterval
	}
	cancelSessionCache, sessionCacheDone := app.Sessions.StartCacheSweepWorker(ctx, cacheSweep)
	start("session cache sweep", cancelSessionCache, sessionCacheDone)
	cancelLedgerCache, ledgerCacheDone := app.Ledgers.StartCacheSweepWorker(ctx, cacheSweep)
	start("ledger cache sweep", cancelLedgerCache, ledgerCacheDone)
	cancelPartyCache, partyCacheDone := app.Parties.StartCacheSweepWorker(ctx, cacheSweep)
	start("party cache sweep", cancelPartyCache, partyCacheDone)

	defer func() {
		for _, w := range workers {
			w.cancel()
		}
		drain := time.NewTimer(timeouts.Shutdown)
		defer drain.Stop()
		for _, w := range workers {
			select {
			case <-w.done:
			case <-drain.C:
				log.Printf("%s worker did not drain before shutdown timeout", w.name)
				return
			}
		}
	}()

	if opts.GeneratorAddr != "" {
		probeGenerator(ctx, opts.GeneratorAddr)
	}

	return serveHealth(ctx, opts.GRPCAddr)
}

// probeGenerator checks the content generator peer's health endpoint. The
// probe is advisory: a failure is logged, never fatal.
func probeGenerator(ctx context.Context, addr string) {
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, timeouts.GRPCDial, log.Printf, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		log.Printf("generator peer %s unavailable: %v", addr, err)
		return
	}
	_ = conn.Close()
	log.Printf("generator peer %s healthy", addr)
}

// serveHealth runs the gRPC server exposing the standard health service
// until ctx ends, then stops gracefully.
func serveHealth(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(platformcmd.ServiceAdventure, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("serving health on %s", listener.Addr())
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeouts.Shutdown):
			server.Stop()
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve health: %w", err)
	}
}
