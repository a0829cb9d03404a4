package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/config"
	"github.com/autolens/autolens-api/internal/domain/credit"
	"github.com/autolens/autolens-api/internal/domain/report"
	"github.com/autolens/autolens-api/internal/domain/upload"
	"github.com/autolens/autolens-api/internal/middleware"
	"github.com/autolens/autolens-api/internal/pkg/database"
	"github.com/autolens/autolens-api/internal/pkg/imaging"
	"github.com/autolens/autolens-api/internal/pkg/jwt"
	"github.com/autolens/autolens-api/internal/pkg/logger"
	"github.com/autolens/autolens-api/internal/pkg/queue"
	"github.com/autolens/autolens-api/internal/pkg/response"
	"github.com/autolens/autolens-api/internal/pkg/storage"
	"github.com/autolens/autolens-api/internal/pkg/vision"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Bool("skip_credit_check", cfg.SkipCreditCheck).
		Msg("Starting AutoLens API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	store, err := newStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage backend")
	}

	analysisQueue := queue.New(rdb, cfg.AnalysisQueue)

	// ---------- Services ----------
	ledgerRepo := credit.NewRepository(db)
	ledgerService := credit.NewService(ledgerRepo)

	reportRepo := report.NewRepository(db)
	visionClient := vision.NewClient(cfg.VisionBaseURL, cfg.VisionAPIKey,
		time.Duration(cfg.VisionTimeoutSeconds)*time.Second)
	resultCache := vision.NewResultCache(time.Hour, 512)
	processor := imaging.NewProcessor(imaging.DefaultConfig())

	reportService := report.NewService(
		reportRepo,
		ledgerService,
		analysisQueue,
		store,
		visionClient,
		resultCache,
		processor,
		report.ServiceConfig{
			Cost:             cfg.AnalysisCost,
			SkipCreditCheck:  cfg.SkipCreditCheck,
			ImageAttempts:    cfg.ImageAttempts,
			ImageRetryDelay:  cfg.ImageRetryDelay,
			ExpectedDuration: cfg.ExpectedDuration,
		},
	)

	// ---------- Handlers ----------
	creditHandler := credit.NewHandler(ledgerService)
	reportHandler := report.NewHandler(reportService)
	uploadHandler := upload.NewHandler(store)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/reports", reportHandler.Routes(authMiddleware))
		r.Mount("/credits", creditHandler.Routes(authMiddleware))
		r.Mount("/uploads", uploadHandler.Routes(authMiddleware))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case "local":
		return storage.NewLocalStorage(cfg.LocalStoragePath, cfg.R2PublicURL)
	case "s3":
		return storage.NewS3Storage(storage.S3Config{
			Endpoint:  fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID),
			AccessKey: cfg.R2AccessKeyID,
			SecretKey: cfg.R2AccessKeySecret,
			Bucket:    cfg.R2BucketName,
			PublicURL: cfg.R2PublicURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
