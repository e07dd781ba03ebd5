package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/internal/services"
	"github.com/threadloop/snowball/internal/utils"
	"github.com/threadloop/snowball/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	eventHub          *services.EventHub
	stopLogSubscriber func()
	taskQueue         services.TaskQueue
	worker            *services.Worker
	sweeper           *services.Sweeper
	dispatcher        *services.Dispatcher
	scheduler         *services.Scheduler
	membershipStore   *services.MembershipStore
	intake            *services.IntakeService
	controller        *services.PropagationController
	redisClient       *redis.Client
}

// bootstrap initializes all application dependencies: database, Redis,
// the delivery pipeline and schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Seed default data
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	db := models.GetDB()

	// Redis client shared by the dedup ledger and the rate counters.
	// nil when Redis is disabled; the constructors fall back to memory.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	eventHub := services.NewEventHub()
	stopLogSubscriber := services.StartLogSubscriber(eventHub)

	membershipStore := services.NewMembershipStore(db)
	ledger := services.NewLedger(rdb, db)
	rateCounter := services.NewRateCounter(rdb)
	karma := services.NewKarmaService(&cfg.Karma)
	transport := services.NewTransport(&cfg.SMTP)
	scorer := services.NewScorer(&cfg.Snowball, services.DBDomainLookup(db))

	// Task queue (Redis-backed async when available, sync otherwise) and
	// the dispatcher that executes distribution jobs.
	taskQueue := services.InitTaskQueue(cfg)
	scheduler := services.NewScheduler(db, taskQueue, eventHub, cfg.Delivery.BatchSize)
	dispatcher := services.NewDispatcher(db, membershipStore, ledger, transport, eventHub, cfg)

	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(dispatcher.ProcessDeliveryTask)
	}

	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.InitWorker(&cfg.Redis, cfg.Delivery.Concurrency)
		if worker != nil {
			worker.SetProcessor(dispatcher.ProcessDeliveryTask)
			worker.Start()
		}
	}

	controller := services.NewPropagationController(db, membershipStore, ledger, scorer, eventHub, scheduler)
	intake := services.NewIntakeService(db, controller, karma, rateCounter, cfg.RateLimit)

	// Maintenance schedules: review expiry, dedup purge, counter reconcile,
	// stale job replay.
	sweeper := services.NewSweeper(db, membershipStore, eventHub, taskQueue, cfg.Snowball.ReviewTTLHours)
	if err := sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start maintenance sweeper")
	}

	return &appServices{
		eventHub:          eventHub,
		stopLogSubscriber: stopLogSubscriber,
		taskQueue:         taskQueue,
		worker:            worker,
		sweeper:           sweeper,
		dispatcher:        dispatcher,
		scheduler:         scheduler,
		membershipStore:   membershipStore,
		intake:            intake,
		controller:        controller,
		redisClient:       rdb,
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.sweeper.Stop()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	s.stopLogSubscriber()
}
