package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/pacslink/internal/cache"
	"github.com/otcheredev/pacslink/internal/config"
	"github.com/otcheredev/pacslink/internal/database"
	"github.com/otcheredev/pacslink/internal/handlers"
	"github.com/otcheredev/pacslink/internal/index"
	"github.com/otcheredev/pacslink/internal/middleware"
	"github.com/otcheredev/pacslink/internal/repository"
	"github.com/otcheredev/pacslink/internal/scheduler"
	"github.com/otcheredev/pacslink/internal/services"
	"github.com/otcheredev/pacslink/internal/storage"
	"github.com/otcheredev/pacslink/pkg/dimse"
	"github.com/otcheredev/pacslink/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("ae_title", cfg.DICOM.AETitle).Str("storage_root", cfg.Storage.Root).Msg("Starting pacslink")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The audit trail is only persisted when a database is configured.
	var auditRepo *repository.AuditRepository
	healthChecks := map[string]handlers.Check{}
	if cfg.Database.Enabled {
		dbConfig := database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		}
		if err := database.Connect(dbConfig); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()

		auditRepo = repository.NewAuditRepository()
		healthChecks["database"] = database.Ping
	}

	cacheImpl, err := newCache(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise cache")
	}
	defer cacheImpl.Close()
	if rc, ok := cacheImpl.(*cache.RedisCache); ok {
		healthChecks["redis"] = rc.Ping
	}

	var auditService *services.AuditService
	if auditRepo != nil {
		auditService = services.NewAuditService(auditRepo, 256)
	} else {
		auditService = services.NewAuditService(nil, 0)
	}
	defer auditService.Close()

	// DICOM SCP
	registry := dimse.DefaultStorageRegistry()
	if len(cfg.DICOM.TransferSyntaxes) > 0 {
		registry = dimse.NewRegistry(cfg.DICOM.TransferSyntaxes...)
	}

	var scpTLS *tls.Config
	if cfg.DICOM.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.DICOM.TLSCertFile, cfg.DICOM.TLSKeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load DICOM TLS key pair")
		}
		scpTLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	scp := dimse.NewServer(dimse.ServerConfig{
		Addr:      cfg.DICOMAddr(),
		TLSConfig: scpTLS,
		Provider: dimse.ProviderConfig{
			Negotiator:       dimse.NewNegotiator(cfg.DICOM.AETitle, registry),
			Storer:           storage.NewWriter(cfg.Storage.Root),
			Auditor:          auditService,
			MaxPDULength:     uint32(cfg.DICOM.MaxPDULength),
			MaxMessageLength: cfg.DICOM.MaxMessageLength,
			ReadTimeout:      cfg.DICOM.ReadTimeout,
			WriteTimeout:     cfg.DICOM.WriteTimeout,
		},
	})

	// SCU client shared by the HTTP echo route and the periodic sender.
	scu := dimse.NewClient(dimse.ClientConfig{
		Timeout:       cfg.Sender.Timeout,
		MaxPDULength:  uint32(cfg.DICOM.MaxPDULength),
		MaxOperations: cfg.Sender.MaxOperations,
	})
	peer := dimse.Target{
		Host:       cfg.Sender.Host,
		Port:       cfg.Sender.Port,
		UseTLS:     cfg.Sender.UseTLS,
		CallingAET: cfg.Sender.CallingAET,
		CalledAET:  cfg.Sender.CalledAET,
	}

	echoTTL := cfg.Cache.TTL
	if !cfg.Cache.Enabled {
		echoTTL = 0
	}
	modalityService := services.NewModalityService(index.NewReader(cfg.Storage.Root), scu, cacheImpl, peer, echoTTL)

	healthHandler := handlers.NewHealthHandler(cfg.Storage.Root, healthChecks)
	modalityHandler := handlers.NewModalityHandler(modalityService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5, "application/json"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/modality", func(r chi.Router) {
		modalityHandler.Routes(r)
		if auditRepo != nil {
			r.Get("/audit", handlers.NewAuditHandler(auditRepo).List)
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scp.ListenAndServe(ctx); err != nil {
			log.Error().Err(err).Msg("DICOM SCP stopped")
			stop()
		}
	}()

	if cfg.Sender.Enabled {
		sender := scheduler.NewSender(scheduler.Config{
			Interval: cfg.Sender.Interval,
			FilePath: cfg.Sender.FilePath,
			Target:   peer,
			Timeout:  cfg.Sender.Timeout,
		}, scu, modalityService)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sender.Run(ctx)
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timed out waiting for associations to finish")
	}

	log.Info().Msg("Server stopped")
}

func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if !cfg.Cache.Enabled || cfg.Cache.Type != "redis" {
		log.Info().Bool("enabled", cfg.Cache.Enabled).Msg("Memory cache initialised")
		return cache.NewMemoryCache(time.Minute), nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc, err := cache.NewRedisCache(ctx, addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", addr).Msg("Redis cache initialised")
	return rc, nil
}
