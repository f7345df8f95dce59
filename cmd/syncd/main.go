package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caresync/internal/api"
	"caresync/internal/config"
	"caresync/internal/conflict"
	"caresync/internal/database"
	"caresync/internal/domain"
	"caresync/internal/engine"
	"caresync/internal/events"
	"caresync/internal/logging"
	"caresync/internal/metrics"
	"caresync/internal/mirror"
	"caresync/internal/network"
	"caresync/internal/queue"
	"caresync/internal/registry"
	"caresync/internal/remote"
	"caresync/internal/repository"
	"caresync/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer backend.close()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	bus := events.NewEventBus(&logger)
	bus.Subscribe(events.EventItemFailed, func(ev *events.Event) error {
		var p events.ItemPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logger.Warn().Str("id", p.ID).Str("entity", p.Entity).Str("error", p.Error).Msg("Mutation moved to dead letters")
		return nil
	})

	reg, err := registry.FromConfig(cfg.Entities)
	if err != nil {
		return fmt.Errorf("build entity registry: %w", err)
	}

	client := remote.NewClient(cfg.Remote, reg, &logger)
	monitor := network.NewMonitor(cfg.Network.InitiallyOnline, bus, nil, &logger)

	q, err := queue.New(ctx, backend.store, queue.Options{
		MaxSize:    cfg.Sync.MaxQueueSize,
		MaxRetries: cfg.Sync.MaxRetries,
		Retry:      queue.PolicyFromConfig(cfg.Sync.Retry),
	}, &logger)
	if err != nil {
		return fmt.Errorf("load sync queue: %w", err)
	}

	m := mirror.New(backend.store, nil, &logger)
	resolver := conflict.NewResolver(reg, m, q, backend.store, bus, conflict.Options{
		RequeueLocal: cfg.Sync.RequeueLocal(),
	}, &logger)

	eng := engine.New(engine.Deps{
		Queue:       q,
		Mirror:      m,
		Remote:      client,
		Network:     monitor,
		Resolver:    resolver,
		Registry:    reg,
		DeadLetters: backend.deadLetters,
		Bus:         bus,
	}, engine.Options{
		MaxBatchSize: cfg.Sync.MaxBatchSize,
		MirrorTTL:    cfg.Sync.MirrorTTL,
	}, &logger)

	var registrar scheduler.BackgroundRegistrar
	if cfg.Sync.BackgroundWake {
		registrar = scheduler.NewSignalWaker()
	}
	sched := scheduler.New(eng, monitor, registrar, scheduler.Options{
		AutoSync: cfg.Sync.AutoSync,
		Interval: cfg.Sync.SyncInterval,
	}, &logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Network.PingEnabled {
		heartbeat := network.NewHeartbeat(monitor, client, cfg.Network.PingInterval, &logger)
		go heartbeat.Run(ctx)
	}

	httpServer := api.NewHTTPServer(cfg.API, api.Deps{
		Engine:      eng,
		Trigger:     sched,
		Network:     monitor,
		Mirror:      m,
		Resolver:    resolver,
		DeadLetters: backend.deadReader,
	}, &logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, monitor, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	logger.Info().
		Str("storage", cfg.Storage.Driver).
		Str("remote", cfg.Remote.BaseURL).
		Strs("entities", reg.Entities()).
		Int("queued", q.Len()).
		Msg("Sync agent started")

	return serve(ctx, grpcServer, httpServer, cfg, &logger, bus)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

// storage bundles the durable store with whatever must be released on exit.
type storage struct {
	store       domain.Store
	deadLetters domain.DeadLetterSink
	deadReader  api.DeadLetterReader
	close       func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case "redis":
		client := repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			_ = repository.Close(client)
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
		store := repository.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Storage.QuotaBytes)
		return &storage{
			store:       store,
			deadLetters: store,
			deadReader:  store,
			close:       func() { _ = repository.Close(client) },
		}, nil

	case "memory":
		logger.Warn().Msg("memory storage selected, queued mutations will not survive a restart")
		return &storage{store: repository.NewMemoryStore(cfg.Storage.QuotaBytes), close: func() {}}, nil

	default:
		db, err := database.NewDB(cfg.Storage.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Storage.Path).Msg("init database")
			return nil, err
		}
		db.SetQuota(cfg.Storage.QuotaBytes)

		if cfg.Backup.Enabled {
			backups := database.NewBackupService(db, cfg.Backup, logger)
			go backups.Start(ctx)
		}
		return &storage{store: db, close: func() { _ = db.Close() }}, nil
	}
}

func serve(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
	bus *events.EventBus,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)
	bus.Wait()

	logger.Info().Msg("Sync agent stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
