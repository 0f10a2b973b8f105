package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/internal/chain"
	"github.com/unlockx/collateralswap/internal/config"
	"github.com/unlockx/collateralswap/internal/database"
	"github.com/unlockx/collateralswap/internal/matching"
	"github.com/unlockx/collateralswap/internal/messaging"
	"github.com/unlockx/collateralswap/internal/orders"
	"github.com/unlockx/collateralswap/internal/server"
	ordersync "github.com/unlockx/collateralswap/internal/sync"
	"github.com/unlockx/collateralswap/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis not available, proceeding without cache", zap.Error(err))
		} else {
			cache = rdb
		}
		cancel()
	}

	repo := orders.NewRepository(db, cache, zapLogger)
	if err := repo.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// The event reader and the token registry share one RPC client.
	var reader chain.EventReader
	var ethClient *ethclient.Client
	if cfg.Chain.RPCURL != "" && cfg.Chain.PIVAddress != "" {
		ethClient, err = ethclient.Dial(cfg.Chain.RPCURL)
		if err != nil {
			zapLogger.Fatal("Failed to dial RPC endpoint", zap.Error(err))
		}
		reader, err = chain.NewLogReaderWithClient(ethClient, cfg.Chain.PIVAddress, cfg.Chain.ReadTimeout, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create event reader", zap.Error(err))
		}
	} else {
		zapLogger.Warn("PIV contract not configured, order sync disabled")
	}

	var contractCaller chain.ContractCaller
	if ethClient != nil {
		contractCaller = ethClient
	}
	registry, err := chain.NewTokenRegistry(contractCaller, cfg.Chain.TokenDecimals, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create token registry", zap.Error(err))
	}

	var publisher *messaging.FillPublisher
	if cfg.Kafka.Enabled {
		publisher = messaging.NewFillPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer publisher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reconciler *ordersync.Reconciler
	if reader != nil {
		reconciler = ordersync.NewReconciler(reader, repo, cfg.Chain.StartBlock, zapLogger)
		if cfg.Sync.Enabled {
			go reconciler.Start(ctx, cfg.Sync.Interval)
			zapLogger.Info("order sync scheduler started", zap.Duration("interval", cfg.Sync.Interval))
		}
	}

	engine := matching.NewEngine(repo, registry, cfg.Matching.MaxOrders, cfg.Matching.UpdateRetries, zapLogger)
	svc := orders.NewService(repo, zapLogger)

	handler := server.NewHandler(svc, engine, reconciler, publisher, cfg.Chain.PIVAddress, zapLogger)
	srv := server.New(cfg.HTTP, handler, zapLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
		zapLogger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("server error", zap.Error(err))
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
