// Command collector receives proctoring event batches, deduplicates them per
// attempt and seals attempts on final submission.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"proctorlog/internal/collector/forward"
	"proctorlog/internal/collector/handler"
	"proctorlog/internal/collector/metrics"
	"proctorlog/internal/collector/service"
	"proctorlog/internal/collector/store"
	"proctorlog/internal/platform/config"
	"proctorlog/internal/platform/httpserver"
	"proctorlog/internal/platform/kafka"
	"proctorlog/internal/platform/logger"
	httpmetrics "proctorlog/internal/platform/metrics"
	"proctorlog/internal/platform/postgres"
	redisclient "proctorlog/internal/platform/redis"
	dErrors "proctorlog/pkg/domain-errors"
	"proctorlog/pkg/platform/httputil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.CollectorFromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	m := metrics.New(nil)
	opts := []service.Option{
		service.WithMetrics(m),
		service.WithLogger(log),
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.Enabled() {
		client, err := kafka.NewClient(ctx, cfg.Kafka)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := kafka.EnsureTopic(ctx, client, cfg.Kafka.Topic); err != nil {
			return err
		}
		fwd := forward.New(client, forward.WithLogger(log), forward.WithMetrics(m))
		g.Go(func() error { return fwd.Run(gctx) })
		opts = append(opts, service.WithForwarder(fwd))
	}

	svc := service.New(backend.store, opts...)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(backend.health, log))
	handler.New(svc, log, httpmetrics.New(nil)).Register(r)

	srv := httpserver.New(cfg.Addr, r)
	g.Go(func() error { return httpserver.Serve(gctx, srv) })

	log.InfoContext(ctx, "starting collector",
		"addr", cfg.Addr,
		"store", cfg.Store,
		"forwarding", cfg.Kafka.Enabled(),
	)
	err = g.Wait()
	log.InfoContext(context.WithoutCancel(ctx), "collector stopped")
	return err
}

type backend struct {
	store  service.Store
	health func(context.Context) error
	close  func()
}

func openBackend(ctx context.Context, cfg config.Collector) (*backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{store: pg, health: db.PingContext, close: func() { _ = db.Close() }}, nil
	case config.StoreRedis:
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:  store.NewRedisStore(client.Client),
			health: client.Health,
			close:  func() { _ = client.Close() },
		}, nil
	default:
		return &backend{
			store:  store.NewInMemoryStore(),
			health: func(context.Context) error { return nil },
			close:  func() {},
		}, nil
	}
}

func healthHandler(check func(context.Context) error, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			log.WarnContext(r.Context(), "health check failed", "error", err)
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "store unavailable"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
