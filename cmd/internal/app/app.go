// Package app wires the quorum server runtime: config, logging, the
// record store, the coordination hub and the websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"quorum/cmd/internal/coord"
	"quorum/cmd/internal/gateway"
	"quorum/cmd/internal/identity"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the quorum server runtime: it owns HTTP server wiring, the
// coordination hub and the backing resources.
type App struct {
	cfg Config
	log Logger

	store coord.RecordStore

	dbPool    *pgxpool.Pool
	dbEnabled bool
	rdb       *redis.Client

	registry *prometheus.Registry

	hub *coord.Hub
	ws  *gateway.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}

	// Record store: Redis shares coordination records across server
	// processes; without it records live in this process only.
	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store, err := coord.NewRedisStore(rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		a.rdb = rdb
		a.store = store
		log.Info("store.redis")
	} else {
		a.store = coord.NewMemoryStore()
		log.Info("store.memory")
	}

	// Identity collaborator: Postgres-backed sessions when a database is
	// configured, in-memory otherwise.
	var ids identity.Service
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		svc, err := identity.NewPostgresService(pool, cfg.SessionAccessTTL)
		if err != nil {
			pool.Close()
			a.closeResources()
			return nil, err
		}
		a.dbPool = pool
		a.dbEnabled = true
		ids = svc
		log.Info("identity.postgres")
	} else {
		ids = identity.NewMemoryService()
		log.Info("identity.memory")
	}

	metrics := coord.NewMetrics(a.registry)
	a.hub = coord.NewHub(log, cfg.Coord, a.store, ids, metrics)
	a.ws = gateway.NewWSGateway(log, a.hub, cfg.WS)

	return a, nil
}

// Run starts the HTTP server and the hub janitor, and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.registry, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis_enabled", a.rdb != nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := a.hub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, sCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sCancel()

		// Mark the gateway as draining first, so the hub's connection
		// closes detach as recoverable renegotiations.
		a.ws.Shutdown()
		a.hub.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.closeResources()

	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
