// Command api serves the escrow admin API, the change-signal websocket and
// the auto-release sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrowdesk/auth"
	rediscache "escrowdesk/cache/redis"
	"escrowdesk/config"
	"escrowdesk/db"
	"escrowdesk/escrow"
	"escrowdesk/evidence"
	"escrowdesk/funds"
	"escrowdesk/logging"
	"escrowdesk/notify"
	"escrowdesk/party"
	"escrowdesk/realtime"
)

type signalBus interface {
	escrow.Publisher
	realtime.Subscriber
}

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowdesk stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("escrowdesk stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		repo     escrow.Repository
		authRepo auth.Repository
		parties  party.Store
		checks   []func(context.Context) error
	)

	switch cfg.Storage {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.Database.DSN, int32(cfg.Database.PoolMaxConns))
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()

		if cfg.Database.RunMigrations {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", slog.Any("names", applied))
		}
		repo = escrow.NewRepository(pool)
		authRepo = auth.NewRepository(pool)
		parties = party.NewRepository(pool)
		checks = append(checks, pool.Ping)
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		repo = escrow.NewMemoryRepository()
		authRepo = auth.NewMemoryRepository()
		parties = party.NewMemoryRepository()
	}

	authService := auth.NewService(authRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
	if cfg.Auth.BootstrapEmail != "" {
		created, err := authService.Bootstrap(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword, "")
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			logger.Info("bootstrap super admin created", slog.String("email", cfg.Auth.BootstrapEmail))
		}
	}

	escrowService := escrow.NewService(repo, logger)

	var (
		locker escrow.Locker
		bus    signalBus
	)
	if cfg.Redis.Enabled {
		rc, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()

		locker = rediscache.NewLockManager(rc)
		bus = rediscache.NewSignalBus(rc)
		escrowService.WithLocker(locker, cfg.Redis.LockTTL.Duration)
		checks = append(checks, rc.Ping)
	} else {
		bus = realtime.NewLocalBus()
	}
	escrowService.WithPublisher(bus)

	if cfg.Funds.BaseURL != "" {
		escrowService.WithFundsMover(funds.NewClient(funds.Config{
			BaseURL: cfg.Funds.BaseURL,
			APIKey:  cfg.Funds.APIKey,
			Timeout: cfg.Funds.Timeout.Duration,
		}))
	} else {
		logger.Warn("funds service not configured; disbursements stay in the outbox")
	}

	if cfg.Notify.DiscordWebhookURL != "" {
		escrowService.WithAlerter(notify.NewNotifier(
			[]notify.Sender{notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL)},
			cfg.Notify.Events,
			logger,
		))
	}

	hub := realtime.NewHub(bus, cfg.Server.CORSOrigins, logger)
	server := &Server{
		escrowService:  escrowService,
		authService:    authService,
		parties:        party.NewService(parties),
		hub:            hub,
		holdPeriod:     cfg.Sweeper.HoldPeriod.Duration,
		maxUploadBytes: cfg.Server.MaxUploadBytes,
		corsOrigins:    cfg.Server.CORSOrigins,
		logger:         logger,
	}

	if cfg.S3.Enabled {
		store, err := evidence.New(ctx, evidence.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			PresignTTL:     cfg.S3.PresignTTL.Duration,
		})
		if err != nil {
			return fmt.Errorf("evidence store: %w", err)
		}
		server.evidence = store
		checks = append(checks, store.Health)
	}
	server.health = func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(hub.Run(gctx))
	})
	if cfg.Sweeper.Enabled {
		sweeper := escrow.NewSweeper(escrowService, locker, cfg.Sweeper.Interval.Duration, logger)
		g.Go(func() error {
			return ignoreCanceled(sweeper.Run(gctx))
		})
	}
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr), slog.String("storage", cfg.Storage))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
