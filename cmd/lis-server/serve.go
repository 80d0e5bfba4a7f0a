package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/config"
	"github.com/ehr/lis/internal/domain/laboratory"
	"github.com/ehr/lis/internal/platform/archive"
	"github.com/ehr/lis/internal/platform/auth"
	"github.com/ehr/lis/internal/platform/db"
	"github.com/ehr/lis/internal/platform/directory"
	"github.com/ehr/lis/internal/platform/hl7v2"
	"github.com/ehr/lis/internal/platform/metrics"
	"github.com/ehr/lis/internal/platform/middleware"
	"github.com/ehr/lis/internal/platform/notify"
)

func runServer() error {
	// Config
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "lis-server",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := metrics.New()

	// Reference catalog
	var catalogSource laboratory.CatalogSource = laboratory.NewCatalogStorePG(pool)
	if cfg.CatalogFile != "" {
		catalogSource = laboratory.FileCatalogSource{Path: cfg.CatalogFile}
	}
	catalog := laboratory.NewCatalogHolder(catalogSource, nil)
	if c, err := catalog.Reload(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load reference catalog")
	} else {
		logger.Info().Str("version", c.Version).Int("entries", len(c.Entries)).Msg("reference catalog loaded")
	}
	go refreshCatalog(ctx, catalog, cfg.CatalogRefreshInterval, logger)

	// Directory
	var dir laboratory.Directory
	if cfg.DirectoryURL != "" {
		httpDir, err := directory.NewHTTPDirectory(cfg.DirectoryURL, directory.NewRestyClient(5*time.Second, 2))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure directory client")
		}
		dir = httpDir
	}

	// Alert channels and dispatcher
	channels, closeChannels, err := buildChannels(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure alert channels")
	}
	defer closeChannels()

	dispatcherOpts := []laboratory.DispatcherOption{
		laboratory.WithDispatcherMetrics(reg),
		laboratory.WithDispatcherLogger(logger),
		laboratory.WithTemplates(notify.NewTemplateEngine()),
	}
	if dir != nil {
		dispatcherOpts = append(dispatcherOpts, laboratory.WithDispatcherDirectory(dir))
	}
	dispatcher := laboratory.NewDispatcher(laboratory.NewAlertRepoPG(pool), channels, laboratory.DispatcherConfig{
		Workers:        cfg.AlertWorkers,
		MaxAttempts:    cfg.AlertMaxAttempts,
		BaseBackoff:    cfg.AlertBaseBackoff,
		MaxBackoff:     cfg.AlertMaxBackoff,
		AttemptTimeout: cfg.AlertAttemptTimeout,
		SweepInterval:  cfg.AlertSweepInterval,
	}, dispatcherOpts...)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Report archive
	var archiver laboratory.ReportArchiver
	if cfg.ArchiveS3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure report archive")
		}
		archiver = s3Archiver
	} else {
		logger.Warn().Msg("ARCHIVE_S3_BUCKET not set, approved reports are archived in memory only")
		archiver = archive.NewMemoryArchiver()
	}

	// Workflow service
	svcOpts := []laboratory.Option{
		laboratory.WithAlertNotifier(dispatcher),
		laboratory.WithArchiver(archiver),
		laboratory.WithBarcodeGenerator(laboratory.NewBarcodeGenerator(cfg.BarcodePrefix)),
		laboratory.WithMetrics(reg),
		laboratory.WithLogger(logger),
	}
	if dir != nil {
		svcOpts = append(svcOpts, laboratory.WithDirectory(dir))
	}
	svc := laboratory.NewService(
		laboratory.NewRequestRepoPG(pool),
		laboratory.NewSampleRepoPG(pool),
		laboratory.NewResultRepoPG(pool),
		laboratory.NewStatusHistoryRepoPG(pool),
		db.NewTxManager(pool),
		catalog,
		svcOpts...,
	)
	ingestor := laboratory.NewAnalyzerIngestor(svc, reg, logger)

	// Analyzer MLLP listener
	if cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, ingestor.Handle, logger)
		if err := mllpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start MLLP listener")
		}
		defer mllpServer.Stop()
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger, reg))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(reg))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.AnalyzerLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRolesHeader},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	case config.AuthSharedKey:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, db.PoolStatsFunc(pool)))
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")
	laboratory.NewHandler(svc, dispatcher, ingestor).RegisterRoutes(apiV1, fhirGroup)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildChannels opens the alert channels named in ALERT_CHANNELS. The
// returned func releases broker connections.
func buildChannels(cfg *config.Config, logger zerolog.Logger) ([]notify.Channel, func(), error) {
	var (
		channels []notify.Channel
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range cfg.AlertChannels {
		switch name {
		case "log":
			channels = append(channels, notify.NewLogChannel(logger))
		case "webhook":
			ch, err := notify.NewWebhookChannel(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, cfg.AlertAttemptTimeout)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			channels = append(channels, ch)
		case "mqtt":
			ch, err := notify.NewMQTTChannel(notify.MQTTConfig{
				Broker:   cfg.MQTTBroker,
				ClientID: cfg.MQTTClientID,
				Topic:    cfg.MQTTTopic,
				QoS:      1,
			})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			channels = append(channels, ch)
			closers = append(closers, ch.Close)
		case "redis":
			client, err := notify.NewRedisClient(cfg.RedisURL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			ch, err := notify.NewRedisChannel(client, cfg.RedisAlertChannel)
			if err != nil {
				client.Close()
				closeAll()
				return nil, nil, err
			}
			channels = append(channels, ch)
			closers = append(closers, func() { client.Close() })
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown alert channel %q", name)
		}
	}
	return channels, closeAll, nil
}

// refreshCatalog picks up versions published by `lis-server catalog import`
// on any instance. A failed reload keeps the current snapshot.
func refreshCatalog(ctx context.Context, holder *laboratory.CatalogHolder, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before, _ := holder.Current(ctx)
			c, err := holder.Reload(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("reference catalog reload failed")
				continue
			}
			if before == nil || before.Version != c.Version {
				logger.Info().Str("version", c.Version).Msg("reference catalog updated")
			}
		}
	}
}

