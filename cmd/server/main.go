package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/pharmacy-ledger/internal/adapter/events"
	"github.com/rl1809/pharmacy-ledger/internal/adapter/handler"
	"github.com/rl1809/pharmacy-ledger/internal/adapter/storage"
	"github.com/rl1809/pharmacy-ledger/internal/config"
	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/core/service"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize ledger storage
	repo, err := storage.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open ledger repository",
			zap.String("driver", cfg.DBDriver),
			zap.Error(err))
	}
	logger.Info("connected to ledger repository", zap.String("driver", cfg.DBDriver))

	// Initialize Redis
	var (
		rdb   *redis.Client
		cache port.CacheRepository
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		cache = storage.NewRedisAdapter(rdb)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// Initialize event publisher
	var publisher port.EventPublisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		logger.Info("publishing ledger events", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// Initialize services
	ledgerService := service.NewLedgerService(repo, logger, service.LedgerConfig{
		MaxRetries:      cfg.LedgerMaxRetries,
		RetryBackoff:    cfg.LedgerRetryBackoff,
		HistoryPageSize: cfg.HistoryPageSize,
		QueueSize:       cfg.QueueSize,
	})
	saleService := service.NewSaleService(ledgerService, cache, logger)
	reportService := service.NewReportService(ledgerService)

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLoop(id, ledgerService.Notifications(), publisher, cache, logger)
		}(i)
	}
	logger.Info("started notification workers", zap.Int("count", cfg.WorkerCount))

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	healthReporter := handler.NewHealthReporter(ledgerService, cfg.HealthInterval, logger)
	healthReporter.Register(grpcServer)

	healthCtx, stopHealth := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		healthReporter.Run(healthCtx)
	}()

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(ledgerService, saleService, reportService, cache, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	stopHealth()
	<-healthDone
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Close notification queue and wait for workers
	ledgerService.Close()
	wg.Wait()
	logger.Info("workers stopped")

	// Close connections
	if err := publisher.Close(); err != nil {
		logger.Warn("close publisher", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	if err := repo.Close(); err != nil {
		logger.Warn("close repository", zap.Error(err))
	}
	logger.Info("connections closed")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// workerLoop fans committed entries out to the event stream and the stock
// mirror. Failures are logged; the ledger itself is already durable.
func workerLoop(id int, queue <-chan domain.Notification, publisher port.EventPublisher, cache port.CacheRepository, logger *zap.Logger) {
	log := logger.With(zap.Int("worker", id))

	for n := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if err := publisher.Publish(ctx, domain.TopicEntryRecorded, n.Entry.ItemID, domain.NewEntryRecorded(n.Entry)); err != nil {
			log.Error("failed to publish entry",
				zap.String("entry_id", n.Entry.ID),
				zap.Error(err))
		}

		if n.LowStock != nil {
			if err := publisher.Publish(ctx, domain.TopicLowStock, n.LowStock.ItemID, n.LowStock); err != nil {
				log.Error("failed to publish low stock alert",
					zap.String("item_id", n.LowStock.ItemID),
					zap.Error(err))
			}
		}

		if cache != nil {
			if err := cache.SetStock(ctx, n.Entry.ItemID, n.Entry.NewQuantity, n.Entry.Sequence); err != nil {
				log.Error("failed to mirror stock",
					zap.String("item_id", n.Entry.ItemID),
					zap.Error(err))
			}
		}

		cancel()
	}
}
