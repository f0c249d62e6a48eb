package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/digkill/StoryForge/internal/api"
	"github.com/digkill/StoryForge/internal/config"
	"github.com/digkill/StoryForge/internal/database"
	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/kie"
	"github.com/digkill/StoryForge/internal/llm"
	"github.com/digkill/StoryForge/internal/metrics"
	"github.com/digkill/StoryForge/internal/queue"
	"github.com/digkill/StoryForge/internal/repository"
	"github.com/digkill/StoryForge/internal/service"
	"github.com/digkill/StoryForge/internal/storage"
	"github.com/digkill/StoryForge/internal/worker"
	"github.com/digkill/StoryForge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	redisClient, err := events.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logr.Info("REDIS_ADDR not set, progress events disabled")
	}
	bus := events.NewBus(redisClient, logr)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
		PresignTTL:    cfg.S3PresignTTL,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	collector := metrics.NewCollector("storyforge")
	publisher := queue.NewPublisher(cfg.RabbitMQURL, cfg.JobQueueName, logr)
	defer publisher.Close()

	creditRepo := repository.NewCreditRepository(db)
	jobRepo := repository.NewJobRepository(db)
	bookRepo := repository.NewBookRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	packageRepo := repository.NewPackageRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)

	ledgerService := service.NewLedgerService(creditRepo, collector, logr)
	jobService := service.NewJobService(jobRepo, profileRepo, ledgerService, uploader, publisher, bus, collector, logr)
	queryService := service.NewQueryService(jobRepo, ledgerService, uploader, logr)
	bookService := service.NewBookService(bookRepo, uploader, logr)
	profileService := service.NewProfileService(profileRepo)
	packageService := service.NewPackageService(cfg, packageRepo)
	purchaseService := service.NewPurchaseService(purchaseRepo, packageRepo, ledgerService, collector, logr)

	if err := packageService.EnsureDefaultPackage(ctx); err != nil {
		log.Fatalf("ensure default package: %v", err)
	}

	dispatcher := worker.NewDispatcher(worker.Deps{
		Jobs:    jobRepo,
		Books:   bookRepo,
		Images:  kie.NewClient(cfg, logr),
		Text:    llm.NewClient(cfg, logr),
		Blobs:   uploader,
		Fetcher: storage.NewFetcher(cfg.RequestTimeout),
		Events:  bus,
		Metrics: collector,
	}, logr)

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.JobQueueName,
		Concurrency: cfg.WorkerConcurrency,
	}, dispatcher, logr)

	sweeper := worker.NewSweeper(jobRepo, publisher, bus, collector, worker.SweeperConfig{
		Schedule:          cfg.SweepSchedule,
		StaleQueuedAfter:  cfg.StaleQueuedAfter,
		StaleRunningAfter: cfg.StaleRunningAfter,
	}, logr)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("sweeper: %v", err)
	}
	defer sweeper.Stop()

	server := api.NewServer(api.Config{
		Addr:          cfg.HTTPListenAddr,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
	}, api.Deps{
		Jobs:      jobService,
		Queries:   queryService,
		Books:     bookService,
		Profiles:  profileService,
		Packages:  packageService,
		Purchases: purchaseService,
		Ledger:    ledgerService,
		Uploads:   uploader,
		Events:    bus,
		DB:        db,
		Metrics:   collector.Handler(),
	}, logr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			logr.Error("job consumer stopped", "err", err)
		}
	}()

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("http server stopped", "err", err)
		stop()
	}
	wg.Wait()
	logr.Info("shutdown complete")
}
