package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pharmacy-ledger/internal/adapter/storage"
	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/core/service"
)

const (
	initialStock  = 20
	totalRequests = 50
	queueSize     = 100
)

func main() {
	ctx := context.Background()

	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = storage.DriverMemory
	}

	repo, err := storage.Open(ctx, driver, os.Getenv("DATABASE_DSN"))
	if err != nil {
		log.Fatalf("failed to open repository: %v", err)
	}
	defer repo.Close()

	cfg := service.DefaultLedgerConfig()
	cfg.QueueSize = queueSize
	cfg.MaxRetries = 20
	ledgerService := service.NewLedgerService(repo, zap.NewNop(), cfg)
	defer ledgerService.Close()
	saleService := service.NewSaleService(ledgerService, nil, nil)

	// Drain the notification queue in background
	go func() {
		for range ledgerService.Notifications() {
		}
	}()

	itemID := "stress-" + uuid.NewString()[:8]
	if _, err := ledgerService.RegisterItem(ctx, domain.NewItem{
		ID:              itemID,
		Name:            "Paracetamol 500mg",
		UnitPrice:       decimal.RequireFromString("2.50"),
		ReorderLevel:    5,
		InitialQuantity: initialStock,
		ActorID:         "stress-test",
	}); err != nil {
		log.Fatalf("failed to register item: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var insufficientCount atomic.Int32
	var otherCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := saleService.ProcessSale(ctx, service.SaleRequest{
				RequestID: fmt.Sprintf("req-%d", n),
				ActorID:   fmt.Sprintf("cashier-%d", n%4),
				Lines:     []domain.SaleLine{{ItemID: itemID, Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("sale %d failed: %v", n, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	insufficient := insufficientCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Driver:           %s\n", driver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficient)
	fmt.Printf("Other Failures:   %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == initialStock && insufficient == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d sales succeeded, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d rejected, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, insufficient)
	}

	qty, err := ledgerService.CurrentQuantity(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read quantity: %v", err)
	}
	fmt.Printf("Final Quantity:   %d\n", qty)

	var entries, sum int64
	for e, err := range ledgerService.History(ctx, itemID, time.Time{}, time.Time{}) {
		if err != nil {
			log.Fatalf("failed to read history: %v", err)
		}
		entries++
		sum += e.QuantityChange
	}

	if qty == 0 && sum == qty && entries == int64(success)+1 {
		fmt.Printf("PASS: Stock depleted to 0 with %d ledger entries\n", entries)
	} else {
		fmt.Printf("FAIL: quantity %d, entry sum %d, entries %d\n", qty, sum, entries)
	}
}
