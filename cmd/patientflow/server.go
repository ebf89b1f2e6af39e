package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/patientflow"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/middleware"
	"github.com/ehr/patientflow/internal/platform/notification"
	"github.com/ehr/patientflow/internal/platform/websocket"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds the wired server and everything that must be released on shutdown.
type app struct {
	echo       *echo.Echo
	service    *patientflow.Service
	dispatcher *notification.Dispatcher
	hub        *websocket.Hub
	closers    []func()
}

// Close drains notification delivery, disconnects boards, then releases
// external clients in reverse order of creation.
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.hub != nil {
		a.hub.CloseAll()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Queue store
	var repo patientflow.QueueRepository
	var pool *pgxpool.Pool
	switch cfg.StoreBackend {
	case config.StorePostgres:
		p, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pool = p
		a.closers = append(a.closers, pool.Close)
		repo = patientflow.NewQueueRepoPG(pool)
		logger.Info().Msg("connected to database")
	default:
		repo = patientflow.NewQueueRepoMemory()
		logger.Warn().Msg("using in-memory queue store; entries are lost on restart")
	}

	waits, err := cfg.WaitTable()
	if err != nil {
		return nil, err
	}

	// Notifications
	a.dispatcher = notification.NewDispatcher(notification.Config{
		BufferSize:      cfg.NotifyBufferSize,
		DeliveryTimeout: cfg.NotifyDeliveryTimeout,
	}, logger)
	a.hub = websocket.NewHub(logger)

	contacts, err := wireNotifications(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	a.service = patientflow.NewService(repo, waits, a.dispatcher)
	a.service.SetLogger(logger)
	a.service.SetContactBook(contacts)

	a.echo = newRouter(cfg, logger, a, pool)
	ok = true
	return a, nil
}

// phoneBook is both the SMS sink's lookup and the registration desk's store.
type phoneBook interface {
	notification.PhoneDirectory
	patientflow.ContactBook
}

func wireNotifications(ctx context.Context, cfg *config.Config, logger zerolog.Logger, a *app) (phoneBook, error) {
	d := a.dispatcher
	templates := notification.NewTemplateEngine()

	if err := d.Subscribe("websocket", a.hub); err != nil {
		return nil, err
	}
	eventLog := logger.With().Str("component", "events").Logger()
	if err := d.Subscribe("log", notification.SubscriberFunc(func(_ context.Context, ev notification.Event) error {
		eventLog.Debug().Str("type", string(ev.Type)).Str("destination", ev.Destination).
			Int("token_number", ev.TokenNumber).Msg(ev.Message)
		return nil
	})); err != nil {
		return nil, err
	}

	var phones phoneBook = notification.NewMemoryPhoneDirectory()
	if cfg.RedisURL != "" {
		client, err := notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		phones = notification.NewRedisPhoneDirectory(client, notification.DefaultPhoneKey)
		if err := d.Subscribe("redis", notification.NewRedisPublisher(client, cfg.RedisChannel)); err != nil {
			return nil, err
		}
		logger.Info().Str("channel", cfg.RedisChannel).Msg("publishing notifications to redis")
	}

	if cfg.TwilioEnabled() {
		sender, err := notification.NewTwilioSMSSender(notification.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		})
		if err != nil {
			return nil, err
		}
		sink := notification.NewSMSSink(sender, phones, templates, logger)
		if err := d.Subscribe("sms", sink, notification.EventPatientNotification); err != nil {
			return nil, err
		}
		logger.Info().Msg("patient SMS enabled")
	}

	if cfg.FirebaseCredentialsFile != "" {
		client, err := notification.NewFCMClient(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, err
		}
		if err := d.Subscribe("push", notification.NewPushSink(client)); err != nil {
			return nil, err
		}
		logger.Info().Msg("push notifications enabled")
	}

	if cfg.EmailEnabled() {
		sender, err := notification.NewGomailSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, err
		}
		sink := notification.NewEmailSink(sender, cfg.PharmacyEmail, templates)
		if err := d.Subscribe("email", sink, notification.EventPrescriptionReady); err != nil {
			return nil, err
		}
		logger.Info().Str("inbox", cfg.PharmacyEmail).Msg("pharmacy email enabled")
	}

	if cfg.WebhookURL != "" {
		sink, err := notification.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, nil)
		if err != nil {
			return nil, err
		}
		if err := d.Subscribe("webhook", sink); err != nil {
			return nil, err
		}
		logger.Info().Bool("signed", cfg.WebhookSecret != "").Msg("webhook notifications enabled")
	}

	return phones, nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, a *app, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Station-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("DevAuthMiddleware is active: every request is treated as admin")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), authMW)
	patientflow.NewHandler(a.service).RegisterRoutes(apiV1)

	adminGroup := apiV1.Group("", auth.RequireRole(auth.AdminRole))
	notification.NewStatsHandler(a.dispatcher).RegisterRoutes(adminGroup)

	// Token boards connect without staff credentials.
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.Close()
	logger.Info().Msg("server stopped")
	return nil
}
