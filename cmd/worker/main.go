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

	"github.com/dmitrymomot/pipeq/pkg/config"
	"github.com/dmitrymomot/pipeq/pkg/distq"
	"github.com/dmitrymomot/pipeq/pkg/logger"
	"github.com/dmitrymomot/pipeq/pkg/redis"
)

type appConfig struct {
	Queues          []string      `env:"WORKER_QUEUES" envDefault:"default"`
	OpsAddr         string        `env:"WORKER_OPS_ADDR" envDefault:":8081"`
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	log := logger.NewFromEnv("worker")
	logger.SetAsDefault(log)

	if err := run(log); err != nil {
		log.Error("worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var appCfg appConfig
	var redisCfg redis.Config
	var distqCfg distq.Config
	config.MustLoad(&appCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&distqCfg)

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close() //nolint:errcheck

	results, err := distq.NewResultStore(rdb, distq.WithResultTTL(distqCfg.ResultTTL))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, queue := range appCfg.Queues {
		work := workFor(queue)
		handler, err := distq.NewHandler(rdb, results, queue, work,
			distq.WithConcurrency(distqCfg.MaxConcurrency),
			distq.WithExecTimeout(distqCfg.ExecTimeout),
			distq.WithHandlerLogger(log),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return handler.Run(ctx)
		})
	}

	g.Go(func() error {
		return serveOps(ctx, appCfg, log, redis.Healthcheck(rdb))
	})

	log.Info("worker started",
		slog.Any("queues", appCfg.Queues),
		slog.Int("max_concurrent", distqCfg.MaxConcurrency),
		slog.String("ops_addr", appCfg.OpsAddr))
	return g.Wait()
}

// workFor resolves the work function for a queue. The built-in echo
// function returns the payload unchanged, which keeps a fresh deployment
// exercisable end to end before real work functions are registered here.
func workFor(queue string) distq.WorkFunc {
	if fn, ok := registry[queue]; ok {
		return fn
	}
	return echoWork
}

// registry maps queue names to their work functions. Deployments add their
// functions here.
var registry = map[string]distq.WorkFunc{}

func echoWork(_ context.Context, task distq.Delivery) (any, error) {
	return task.Payload, nil
}

// serveOps runs the operational HTTP endpoint.
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
