package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/config"
	"github.com/autolens/autolens-api/internal/domain/credit"
	"github.com/autolens/autolens-api/internal/domain/report"
	"github.com/autolens/autolens-api/internal/pkg/database"
	"github.com/autolens/autolens-api/internal/pkg/imaging"
	"github.com/autolens/autolens-api/internal/pkg/logger"
	"github.com/autolens/autolens-api/internal/pkg/queue"
	"github.com/autolens/autolens-api/internal/pkg/storage"
	"github.com/autolens/autolens-api/internal/pkg/vision"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("queue", cfg.AnalysisQueue).
		Int("concurrency", cfg.QueueConcurrency).
		Msg("Starting AutoLens analysis worker")

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

	store, err := newStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage backend")
	}

	analysisQueue := queue.New(rdb, cfg.AnalysisQueue)

	ledgerService := credit.NewService(credit.NewRepository(db))

	visionClient := vision.NewClient(cfg.VisionBaseURL, cfg.VisionAPIKey,
		time.Duration(cfg.VisionTimeoutSeconds)*time.Second)
	resultCache := vision.NewResultCache(time.Hour, 512)
	processor := imaging.NewProcessor(imaging.DefaultConfig())

	reportService := report.NewService(
		report.NewRepository(db),
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

	worker := queue.NewWorker(analysisQueue, reportService.HandleJob, queue.WorkerOptions{
		Concurrency: cfg.QueueConcurrency,
		RatePerSec:  cfg.QueueRatePerSec,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for res := range worker.Results() {
			evt := log.Info()
			if res.Err != nil {
				evt = log.Error().Err(res.Err)
			}
			evt.
				Str("job_id", res.Job.ID).
				Int("attempts", res.Job.Attempts).
				Msg("Job finished")
		}
	}()

	worker.Start(ctx)
	log.Info().Msg("Worker started, waiting for jobs")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("Shutting down worker")
	cancel()

	// Results closes once in-flight handlers land in a terminal set.
	<-drained
	log.Info().Msg("Worker exited")
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
