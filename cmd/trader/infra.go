package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wkf/trade-engine/internal/api"
	"github.com/wkf/trade-engine/internal/config"
	"github.com/wkf/trade-engine/internal/fanout"
	"github.com/wkf/trade-engine/internal/metrics"
	"github.com/wkf/trade-engine/internal/store"
)

// infra holds the shared connections of one process.
type infra struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	store   store.Store
	cleanup []func()
}

func openInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	in.pool = pool
	in.cleanup = append(in.cleanup, pool.Close)
	in.store = store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		in.rdb = redis.NewClient(opt)
		in.cleanup = append(in.cleanup, func() { in.rdb.Close() })
		in.store = store.NewCachedStore(in.store, in.rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}
	return in, nil
}

// channel returns the configured fan-out transport.
func (in *infra) channel(cfg *config.Config) fanout.Channel {
	if cfg.Fanout.Transport == "redis" {
		return fanout.NewRedisChannel(in.rdb, cfg.Fanout.Channel)
	}
	return fanout.NewPGChannel(in.pool, cfg.Fanout.Channel)
}

func (in *infra) Close() {
	for i := len(in.cleanup) - 1; i >= 0; i-- {
		in.cleanup[i]()
	}
}

// runGroup runs the process components until SIGINT/SIGTERM or until one of
// them fails, then waits for the rest to stop.
func runGroup(parent context.Context, components func(ctx context.Context, g *errgroup.Group)) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	components(ctx, g)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watch runs the store watchdog; a sustained outage stops the process.
func watch(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) {
	w := store.NewWatchdog(st, cfg.StoreGracePeriod, 0)
	w.OnStatus = func(up bool) {
		if up {
			metrics.StoreUp.Set(1)
		} else {
			metrics.StoreUp.Set(0)
		}
	}
	g.Go(func() error { return w.Run(ctx) })
}

// serveHTTP runs srv until ctx is done and then shuts it down gracefully.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		slog.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})
}

func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return api.NewServer(strconv.Itoa(cfg.HTTPPort), h)
}
