package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/pipeq/internal/engine"
	"github.com/dmitrymomot/pipeq/pkg/config"
	"github.com/dmitrymomot/pipeq/pkg/distq"
	"github.com/dmitrymomot/pipeq/pkg/logger"
	"github.com/dmitrymomot/pipeq/pkg/pg"
	"github.com/dmitrymomot/pipeq/pkg/redis"
)

type appConfig struct {
	OpsAddr         string        `env:"SCHEDULER_OPS_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SCHEDULER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	log := logger.NewFromEnv("scheduler")
	logger.SetAsDefault(log)

	if err := run(log); err != nil {
		log.Error("scheduler exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var appCfg appConfig
	var pgCfg pg.Config
	var redisCfg redis.Config
	var engineCfg engine.Config
	var distqCfg distq.Config
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&engineCfg)
	config.MustLoad(&distqCfg)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close() //nolint:errcheck

	storage, err := engine.NewPostgresStorage(pool)
	if err != nil {
		return err
	}
	pusher, err := distq.NewPusher(rdb, distq.WithPusherLogger(log))
	if err != nil {
		return err
	}
	results, err := distq.NewResultStore(rdb, distq.WithResultTTL(distqCfg.ResultTTL))
	if err != nil {
		return err
	}
	collector, err := distq.NewCollector(rdb, results, distq.WithCollectorLogger(log))
	if err != nil {
		return err
	}

	eng, err := engine.New(storage, pusher, collector,
		engine.WithLogger(log),
		engine.WithWorkerHost(engineCfg.WorkerHost),
		engine.WithIntervals(engineCfg.TickInterval, engineCfg.TimeoutScanInterval, engineCfg.CleanupScanInterval),
	)
	if err != nil {
		return err
	}

	if defs, err := engine.LoadDefinitions(engineCfg.DefinitionsPath); err == nil {
		if err := eng.Apply(ctx, defs); err != nil {
			return err
		}
		log.Info("queue definitions applied", slog.String("path", engineCfg.DefinitionsPath))
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return collector.Run(ctx)
	})

	g.Go(func() error {
		if err := eng.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		eng.Stop()
		return nil
	})

	g.Go(func() error {
		return serveOps(ctx, appCfg, log,
			pg.Healthcheck(pool),
			redis.Healthcheck(rdb),
		)
	})

	log.Info("scheduler started", slog.String("ops_addr", appCfg.OpsAddr))
	return g.Wait()
}

// serveOps runs the operational HTTP endpoint: liveness plus dependency
// health.
func serveOps(ctx context.Context, cfg appConfig, log *slog.Logger, checks ...func(context.Context) error) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		for _, check := range checks {
			if err := check(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("ops server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
