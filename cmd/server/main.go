// Package main provides the balance sentinel entry point: the HTTP API and the
// change detection scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/api"
	"github.com/balance-sentinel/internal/backup"
	"github.com/balance-sentinel/internal/config"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/notify"
	"github.com/balance-sentinel/internal/ratelimit"
	"github.com/balance-sentinel/internal/service"
	"github.com/balance-sentinel/internal/storage"
	"github.com/balance-sentinel/internal/tracing"
	"github.com/balance-sentinel/internal/types"
	"github.com/balance-sentinel/internal/worker"
)

func main() {
	fmt.Println("Balance Sentinel")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	shutdownTracing, err := tracing.Init(startCtx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Storage. Every store is optional: balance reads fall through to the
	// next tier when one is missing.
	logger.Info("Connecting to databases...")
	pingers := make(map[string]api.Pinger)

	redis, err := storage.NewRedisCache(startCtx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, shared cache disabled")
		redis = nil
	} else {
		defer redis.Close()
		pingers["redis"] = redis
	}

	postgres, err := storage.NewPostgresDB(startCtx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Warn("Postgres unavailable, durable tier disabled")
		postgres = nil
	} else {
		defer postgres.Close()
		pingers["postgres"] = postgres
	}

	var clickhouse *storage.ClickHouseDB
	if cfg.Backup.EnableLastKnown {
		clickhouse, err = storage.NewClickHouseDB(startCtx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, last-known tier disabled")
			clickhouse = nil
		} else {
			defer clickhouse.Close()
			pingers["clickhouse"] = clickhouse
		}
	}

	// Backup tiers in lookup order
	tiers := []backup.Tier{backup.NewSessionTier(cfg.Backup.SessionTTL)}
	if cfg.Backup.EnableWAL {
		wal, err := backup.OpenWALTier(backup.WALConfig{
			Dir:         cfg.Backup.WALDir,
			SegmentSize: cfg.Backup.WALSegmentSize,
			MaxSegments: cfg.Backup.WALMaxSegments,
		})
		if err != nil {
			logger.WithError(err).Warn("Local WAL tier disabled")
		} else {
			defer wal.Close()
			tiers = append(tiers, wal)
		}
	}
	if cfg.Backup.EnableDurable && postgres != nil {
		tiers = append(tiers, backup.NewPostgresTier(postgres.Pool()))
	}
	if clickhouse != nil {
		tiers = append(tiers, backup.ChainSourcedOnly(backup.NewClickHouseTier(clickhouse.Conn())))
	}

	// nil interface, not a typed nil, when Redis is down
	var sharedCache backup.SharedCache
	if redis != nil {
		sharedCache = storage.NewBalanceCache(redis, cfg.Cache.TTL)
	}

	writer := backup.NewWriter(sharedCache, tiers, backup.WriterConfig{
		Timeout:  cfg.Backup.WriteTimeout,
		CacheTTL: cfg.Cache.TTL,
	}, logger)

	// Chain access: explorer first, RPC second, one breaker per network
	var providers []*adapter.Provider
	explorer := adapter.NewExplorerClient(cfg.Chains)
	rpc, err := adapter.DialRPCClient(startCtx, cfg.Chains)
	if err != nil {
		logger.WithError(err).Warn("RPC provider disabled")
		rpc = nil
	}
	// Optional request budget shared with every other instance via Redis
	var budget *ratelimit.Budget
	if cfg.Chains.Budget.Enabled && redis != nil {
		budget, err = ratelimit.NewBudget(ratelimit.BudgetConfig{
			Redis:          redis.Client(),
			TotalBudget:    cfg.Chains.Budget.Total,
			ReservedBudget: cfg.Chains.Budget.Reserved,
			WindowSize:     cfg.Chains.Budget.Window,
		})
		if err != nil {
			logger.WithError(err).Fatal("Invalid provider budget")
		}
	}
	addProvider := func(name string, client adapter.ChainClient, cost int) {
		if budget != nil {
			client = ratelimit.NewBudgetedClient(name, client, budget, cost, cfg.Chains.Budget.MaxWait, logger)
		}
		providers = append(providers, adapter.NewProvider(name, client))
	}

	for _, network := range types.Networks {
		if explorer.Supports(network) {
			addProvider("explorer", explorer, cfg.Chains.Budget.ExplorerCost)
			break
		}
	}
	if rpc != nil {
		defer rpc.Close()
		for _, network := range types.Networks {
			if rpc.Supports(network) {
				addProvider("rpc", rpc, cfg.Chains.Budget.RPCCost)
				break
			}
		}
	}
	if len(providers) == 0 {
		logger.Warn("No chain provider configured, balances will come from backups only")
	}
	failover := adapter.NewFailoverClient(providers...)
	chain := adapter.NewGuardedClient(failover, cfg.Chains.BreakerTrips, cfg.Chains.BreakerCooloff)

	nativeSymbols := make(map[types.Network]string, len(cfg.Chains.Networks))
	for network, netCfg := range cfg.Chains.Networks {
		nativeSymbols[network] = netCfg.NativeSymbol
	}

	resolver := service.NewResolver(chain, sharedCache, backup.NewChain(logger, tiers...), writer, service.ResolverConfig{
		ChainTimeout:  cfg.Chains.Timeout,
		MaxStaleness:  cfg.Cache.MaxStaleness,
		NativeSymbols: nativeSymbols,
	}, logger)

	// Change detection
	threshold, err := service.NewThresholdConfig(cfg.Detector.ThresholdPercent)
	if err != nil {
		logger.WithError(err).Fatal("Invalid change threshold")
	}
	var baselines service.BaselineStore = service.NewMemoryBaselineStore()
	if redis != nil {
		threshold = threshold.WithStore(startCtx, storage.NewRedisThresholdStore(redis))
		if cfg.Detector.BaselineInRedis {
			baselines = storage.NewRedisBaselineStore(redis, cfg.Cache.BaselineTTL)
		}
	}

	channels := []notify.Channel{notify.NewLogChannel(logger)}
	var notifications api.NotificationLister
	if cfg.Notify.Persist && postgres != nil {
		store := notify.NewPostgresStore(postgres.Pool())
		channels = append(channels, store)
		notifications = store
	}
	queue := notify.NewQueue(notify.QueueConfig{
		Size:    cfg.Notify.QueueSize,
		Workers: cfg.Notify.Workers,
	}, notify.NewThrottler(cfg.Notify.SoundInterval, cfg.Notify.BurstWindow), logger, channels...)
	queue.Start()

	detector := service.NewDetector(resolver, baselines, queue, threshold, logger)

	var accounts worker.AccountSource
	switch {
	case cfg.Detector.TrackedUsersFile != "":
		file, err := storage.LoadTrackedUsersFile(cfg.Detector.TrackedUsersFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load tracked users")
		}
		accounts = file
	case postgres != nil:
		accounts = storage.NewTrackedUserRepository(postgres)
	}

	var scheduler *worker.Scheduler
	if accounts != nil {
		scheduler, err = worker.NewScheduler(worker.SchedulerConfig{
			Schedule:     cfg.Detector.Schedule,
			Concurrency:  cfg.Detector.Concurrency,
			CycleTimeout: cfg.Detector.CycleTimeout,
		}, accounts, detector, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scheduler")
		}
		if cfg.Detector.Enabled {
			if err := scheduler.Start(); err != nil {
				logger.WithError(err).Fatal("Failed to start scheduler")
			}
		}
	} else {
		logger.Warn("No tracked user source, change detection disabled")
	}

	deps := api.Dependencies{
		Resolver:    resolver,
		Threshold:   threshold,
		ChainHealth: failover,
		Breakers:    chain,
		Pingers:     pingers,
	}
	if scheduler != nil {
		deps.Checker = scheduler
	}
	if notifications != nil {
		deps.Notifications = notifications
	}
	if budget != nil {
		deps.Budget = budget
	}

	server := api.NewServer(&api.ServerConfig{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        60 * time.Second,
		RequestsPerHour:    cfg.Server.RequestsPerHour,
		AdminToken:         cfg.Admin.Token,
		ForceCheckDeadline: cfg.Detector.ForceCheckDeadline,
	}, deps, logger)
	if cfg.Admin.Token == "" {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":  cfg.Server.Host,
		"port":  cfg.Server.Port,
		"tiers": len(tiers),
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if scheduler != nil && scheduler.Status().Running {
		if err := scheduler.Stop(ctx); err != nil {
			logger.WithError(err).Error("Scheduler stop failed")
		}
	}
	if err := queue.Stop(ctx); err != nil {
		logger.WithError(err).Error("Notification queue did not drain")
	}
	if err := writer.Close(ctx); err != nil {
		logger.WithError(err).Error("Backup writes did not finish")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Error("Tracing shutdown failed")
	}

	logger.Info("Server exited")
}
