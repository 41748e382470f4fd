package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/visqueue/internal/api"
	"github.com/aridsondez/visqueue/internal/config"
	"github.com/aridsondez/visqueue/internal/logging"
	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/monitor"
	"github.com/aridsondez/visqueue/internal/queue/store"
	"github.com/aridsondez/visqueue/internal/queue/store/memory"
	pgstore "github.com/aridsondez/visqueue/internal/queue/store/postgres"
	redisstore "github.com/aridsondez/visqueue/internal/queue/store/redis"
	"github.com/aridsondez/visqueue/pkg/visqueue"
)

func main() {
	configPath := flag.String("config", os.Getenv("VISQUEUE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open %s backend: %v", cfg.Backend, err)
	}
	defer backend.Close()

	queues := visqueue.New(backend, visqueue.WithLogger(logger))
	mon := monitor.New(backend, cfg.MonitorInterval, logger)

	httpSrv := api.NewServer(cfg.Addr(), queues, api.Options{
		Logger:            logger,
		RequestTimeout:    cfg.RequestTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		ReceiveMax:        cfg.ReceiveMax,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithField("backend", cfg.Backend).Infof("HTTP server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		mon.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Backend, error) {
	clock := queue.SystemClock{}

	switch cfg.Backend {
	case config.BackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgx ping: %w", err)
		}
		s := pgstore.New(pool, clock, logger)
		if err := s.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	case config.BackendRedis:
		s, err := redisstore.New(redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, clock, logger)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	default:
		return memory.New(clock), nil
	}
}
