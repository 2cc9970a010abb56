package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorfin/copy-executor/internal/audit"
	"github.com/mirrorfin/copy-executor/internal/config"
	"github.com/mirrorfin/copy-executor/internal/coordinator"
	"github.com/mirrorfin/copy-executor/internal/exchange"
	"github.com/mirrorfin/copy-executor/internal/monitor"
	"github.com/mirrorfin/copy-executor/internal/protection"
	"github.com/mirrorfin/copy-executor/internal/rest"
	"github.com/mirrorfin/copy-executor/internal/routine"
	"github.com/mirrorfin/copy-executor/internal/secrets"
	"github.com/mirrorfin/copy-executor/internal/store"
)

// App centralizes dependency wiring for the copy-trade executor.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	redis       *redis.Client
	followers   store.FollowerStore
	apiKeys     store.APIKeyStore
	auditPub    *audit.KafkaPublisher
	auditLog    *audit.Log
	gateway     *exchange.Client
	engine      *protection.Engine
	monitor     *monitor.Monitor
	coordinator *coordinator.Coordinator
	stream      *exchange.FillStream

	httpServer *http.Server
}

// NewApp builds an App with all required dependencies. Redis and Kafka are
// optional: without REDIS_ADDR the stores fall back to in-memory, without
// KAFKA_BROKERS audit entries stay local.
func NewApp(cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.followers = store.NewRedisFollowerStore(a.redis, cfg.FollowerHashKey)
		a.apiKeys = store.NewRedisAPIKeyStore(a.redis, cfg.APIKeyHashKey)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-memory stores")
		a.followers = store.NewMemoryFollowerStore()
		a.apiKeys = store.NewMemoryAPIKeyStore()
	}

	auditOpts := []audit.Option{}
	if len(cfg.KafkaBrokers) > 0 {
		a.auditPub = audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		auditOpts = append(auditOpts, audit.WithPublisher(a.auditPub))
	}
	a.auditLog = audit.NewLog(logger, auditOpts...)

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		var err error
		box, err = secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("build credential box: %w", err)
		}
	} else {
		logger.Warn().Msg("ENCRYPTION_KEY not set, credentials will not survive a restart")
		box = secrets.NewRandomBox()
	}

	a.gateway = exchange.NewClient(cfg.HyperAPIURL, logger)
	a.engine = protection.NewEngine(protection.Config{
		MaxSlippagePercent:  cfg.MaxSlippagePercent,
		MaxDelayMs:          cfg.MaxDelayMs,
		MinOrderSize:        cfg.MinOrderSize,
		MaxOrderSizePercent: cfg.MaxOrderSizePercent,
		CooldownMs:          cfg.CooldownMs,
	}, a.gateway, logger)

	a.monitor = monitor.New(a.gateway, cfg.LeaderAddress, logger, monitor.WithInterval(cfg.PollInterval))
	a.coordinator = coordinator.New(a.followers, a.apiKeys, a.engine, a.gateway, box, a.auditLog, logger)

	a.monitor.SetOnFill(a.coordinator.HandleLeadFill)
	a.monitor.SetOnError(func(err error) {
		logger.Warn().Err(err).Msg("monitor poll error")
	})

	if cfg.StreamEnabled {
		a.stream = exchange.NewFillStream(cfg.HyperWSURL, logger)
	}

	return a, nil
}

// Run starts background services and blocks until ctx cancellation or fatal
// error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.cleanup()

	if err := a.seedAdminKey(ctx); err != nil {
		return err
	}

	manager := routine.NewManager(ctx)
	if a.stream != nil {
		err := manager.RunTask(&routine.Task{
			ID:           "leader-fill-stream",
			Restart:      true,
			RestartDelay: 5 * time.Second,
			Handler: func(taskCtx context.Context) error {
				return a.stream.Run(taskCtx, a.cfg.LeaderAddress, a.monitor.PollNow)
			},
			OnError: func(id string, err error) {
				a.logger.Warn().Err(err).Str("task", id).Msg("fill stream error, will reconnect")
			},
		})
		if err != nil {
			return fmt.Errorf("run fill stream task: %w", err)
		}
	}

	if a.cfg.MonitorAutostart {
		a.monitor.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runHTTPServer(gctx)
	})

	err := g.Wait()
	a.monitor.Stop()
	if shutdownErr := manager.ShutdownAll(); shutdownErr != nil {
		a.logger.Warn().Err(shutdownErr).Msg("error shutting down background tasks")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// seedAdminKey installs the operator API key from the environment so the
// admin surface is reachable on a fresh deployment.
func (a *App) seedAdminKey(ctx context.Context) error {
	if a.cfg.AdminAPIKey == "" {
		return nil
	}
	err := a.apiKeys.Put(ctx, a.cfg.AdminAPIKey, store.APIKeyIdentity{
		UserID:      "operator",
		Permissions: []string{"read", "trade", "admin"},
	})
	if err != nil {
		return fmt.Errorf("seed admin api key: %w", err)
	}
	return nil
}

func (a *App) runHTTPServer(ctx context.Context) error {
	r, srv := rest.NewServer(rest.ServerConfig{
		Addr: a.cfg.HTTPAddr,
		RateLimit: rest.RateLimit{
			Window:      a.cfg.RateLimitWindow,
			MaxRequests: a.cfg.RateLimitMax,
		},
	})
	a.httpServer = srv

	controller := rest.NewCopyTradeController(ctx, a.coordinator, a.monitor, a.engine, a.auditLog)
	controller.RegisterRoutes(r.Group(""), rest.APIKeyAuth(a.apiKeys))

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	// App context shutdown:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		err := <-serverErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	// HTTP server error:
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (a *App) cleanup() {
	if a.auditPub != nil {
		if err := a.auditPub.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("error closing Kafka audit publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("error closing Redis client")
		}
	}
}
