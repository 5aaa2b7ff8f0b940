package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

type SaleRequest struct {
	RequestID string
	SaleID    string
	ActorID   string
	Lines     []domain.SaleLine
}

type RestockRequest struct {
	ReferenceID string
	Kind        domain.EntryKind
	ActorID     string
	Lines       []domain.RestockLine
}

// SaleService turns sales and restocks into ledger batches.
type SaleService struct {
	ledger *LedgerService
	cache  port.CacheRepository
	logger *zap.Logger
}

// NewSaleService builds the processor. cache may be nil, in which case
// duplicate requests are not detected.
func NewSaleService(ledger *LedgerService, cache port.CacheRepository, logger *zap.Logger) *SaleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaleService{ledger: ledger, cache: cache, logger: logger}
}

// ProcessSale deducts stock for every line in one batch. Any ledger failure
// means the sale was not completed and nothing was deducted.
func (s *SaleService) ProcessSale(ctx context.Context, req SaleRequest) (domain.Sale, error) {
	if len(req.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale has no lines", domain.ErrInvalidArgument)
	}
	for i, line := range req.Lines {
		if line.ItemID == "" || line.Quantity <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: line %d needs an item id and a positive quantity", domain.ErrInvalidArgument, i)
		}
	}
	if req.SaleID == "" {
		req.SaleID = uuid.New().String()
	}

	idempotencyKey := ""
	if s.cache != nil && req.RequestID != "" {
		idempotencyKey = "sale:" + req.RequestID
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return domain.Sale{}, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return domain.Sale{}, ErrDuplicateRequest
		}
	}

	changes := make([]domain.StockChange, len(req.Lines))
	for i, line := range req.Lines {
		changes[i] = domain.StockChange{
			ItemID:         line.ItemID,
			Kind:           domain.EntryKindSale,
			QuantityChange: -line.Quantity,
			ReferenceID:    req.SaleID,
			ActorID:        req.ActorID,
		}
	}

	entries, err := s.ledger.ApplyBatch(ctx, changes)
	if err != nil {
		s.release(ctx, idempotencyKey)
		s.logger.Warn("sale not completed",
			zap.String("sale_id", req.SaleID),
			zap.Error(err))
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:        req.SaleID,
		RequestID: req.RequestID,
		ActorID:   req.ActorID,
		Lines:     make([]domain.SaleLineReceipt, 0, len(req.Lines)),
		Subtotal:  decimal.Zero,
		Entries:   entries,
		CreatedAt: time.Now().UTC(),
	}

	prices := make(map[string]domain.StockItem, len(req.Lines))
	for _, line := range req.Lines {
		item, ok := prices[line.ItemID]
		if !ok {
			item, err = s.ledger.GetItem(ctx, line.ItemID)
			if err != nil {
				// stock is already committed, price the line at zero rather than fail
				s.logger.Error("unable to price sale line",
					zap.String("sale_id", req.SaleID),
					zap.String("item_id", line.ItemID),
					zap.Error(err))
				item = domain.StockItem{ID: line.ItemID}
			}
			prices[line.ItemID] = item
		}
		total := item.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
		sale.Lines = append(sale.Lines, domain.SaleLineReceipt{
			ItemID:    line.ItemID,
			Name:      item.Name,
			Quantity:  line.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     total,
		})
		sale.Subtotal = sale.Subtotal.Add(total)
	}

	s.logger.Info("sale completed",
		zap.String("sale_id", sale.ID),
		zap.Int("lines", len(sale.Lines)),
		zap.String("subtotal", sale.Subtotal.StringFixed(2)))

	return sale, nil
}

func (s *SaleService) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.cache.ReleaseIdempotency(ctx, key); err != nil {
		s.logger.Error("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// Restock records received purchase orders or customer returns.
func (s *SaleService) Restock(ctx context.Context, req RestockRequest) (domain.Restock, error) {
	if req.Kind != domain.EntryKindPurchase && req.Kind != domain.EntryKindReturn {
		return domain.Restock{}, fmt.Errorf("%w: restock kind must be purchase or return", domain.ErrInvalidArgument)
	}
	if len(req.Lines) == 0 {
		return domain.Restock{}, fmt.Errorf("%w: restock has no lines", domain.ErrInvalidArgument)
	}

	changes := make([]domain.StockChange, len(req.Lines))
	for i, line := range req.Lines {
		if line.Quantity <= 0 {
			return domain.Restock{}, fmt.Errorf("%w: line %d quantity must be positive", domain.ErrInvalidArgument, i)
		}
		changes[i] = domain.StockChange{
			ItemID:         line.ItemID,
			Kind:           req.Kind,
			QuantityChange: line.Quantity,
			ReferenceID:    req.ReferenceID,
			ActorID:        req.ActorID,
		}
	}

	entries, err := s.ledger.ApplyBatch(ctx, changes)
	if err != nil {
		return domain.Restock{}, err
	}

	return domain.Restock{
		ReferenceID: req.ReferenceID,
		Kind:        req.Kind,
		ActorID:     req.ActorID,
		Entries:     entries,
	}, nil
}
