package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/core/service"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	ledger  *service.LedgerService
	sales   *service.SaleService
	reports *service.ReportService
	cache   port.CacheRepository
	logger  *zap.Logger
}

// NewHTTPHandler builds the API handler. cache may be nil, in which case
// item responses carry no cached quantity.
func NewHTTPHandler(ledger *service.LedgerService, sales *service.SaleService, reports *service.ReportService, cache port.CacheRepository, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{ledger: ledger, sales: sales, reports: reports, cache: cache, logger: logger}
}

// Router wires up the HTTP API.
func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
	}))
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Post("/", h.RegisterItem)
			r.Get("/", h.ListItems)
			r.Get("/low-stock", h.LowStockItems)
			r.Get("/{id}", h.GetItem)
			r.Get("/{id}/history", h.History)
			r.Post("/{id}/changes", h.ApplyChange)
		})
		r.Post("/ledger/batch", h.ApplyBatch)
		r.Post("/sales", h.ProcessSale)
		r.Post("/restocks", h.Restock)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/valuation", h.Valuation)
			r.Get("/movements/{id}", h.Movements)
			r.Get("/sales/daily", h.DailySales)
			r.Get("/sales/monthly", h.MonthlySales)
			r.Get("/expiring", h.ExpiringSoon)
		})
	})

	return r
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

type itemResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	QuantityOnHand int64           `json:"quantity_on_hand"`
	ReorderLevel   int64           `json:"reorder_level"`
	LowStock       bool            `json:"low_stock"`
	Version        int64           `json:"version"`
	BatchNumber    string          `json:"batch_number,omitempty"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	LastEntryAt    *time.Time      `json:"last_entry_at,omitempty"`
	CachedQuantity *int64          `json:"cached_quantity,omitempty"`
}

func newItemResponse(item domain.StockItem) itemResponse {
	resp := itemResponse{
		ID:             item.ID,
		Name:           item.Name,
		UnitPrice:      item.UnitPrice,
		QuantityOnHand: item.QuantityOnHand,
		ReorderLevel:   item.ReorderLevel,
		LowStock:       item.IsLowStock(),
		Version:        item.Version,
		BatchNumber:    item.BatchNumber,
	}
	if !item.ExpiryDate.IsZero() {
		at := item.ExpiryDate
		resp.ExpiryDate = &at
	}
	if !item.LastEntryAt.IsZero() {
		at := item.LastEntryAt
		resp.LastEntryAt = &at
	}
	return resp
}

type entryResponse struct {
	ID               string    `json:"id"`
	ItemID           string    `json:"item_id"`
	Kind             string    `json:"kind"`
	QuantityChange   int64     `json:"quantity_change"`
	PreviousQuantity int64     `json:"previous_quantity"`
	NewQuantity      int64     `json:"new_quantity"`
	ReferenceID      string    `json:"reference_id,omitempty"`
	ActorID          string    `json:"actor_id"`
	Notes            string    `json:"notes,omitempty"`
	Sequence         int64     `json:"sequence"`
	CreatedAt        time.Time `json:"created_at"`
}

func newEntryResponses(entries []domain.LedgerEntry) []entryResponse {
	out := make([]entryResponse, len(entries))
	for i, e := range entries {
		out[i] = entryResponse{
			ID:               e.ID,
			ItemID:           e.ItemID,
			Kind:             string(e.Kind),
			QuantityChange:   e.QuantityChange,
			PreviousQuantity: e.PreviousQuantity,
			NewQuantity:      e.NewQuantity,
			ReferenceID:      e.ReferenceID,
			ActorID:          e.ActorID,
			Notes:            e.Notes,
			Sequence:         e.Sequence,
			CreatedAt:        e.CreatedAt,
		}
	}
	return out
}

type registerItemRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	ReorderLevel    int64           `json:"reorder_level"`
	InitialQuantity int64           `json:"initial_quantity"`
	ActorID         string          `json:"actor_id"`
	BatchNumber     string          `json:"batch_number"`
	ExpiryDate      string          `json:"expiry_date"` // YYYY-MM-DD or RFC3339
}

type changeRequest struct {
	ItemID         string `json:"item_id"`
	Kind           string `json:"kind"`
	QuantityChange int64  `json:"quantity_change"`
	ReferenceID    string `json:"reference_id"`
	ActorID        string `json:"actor_id"`
	Notes          string `json:"notes"`
}

func (c changeRequest) toDomain() domain.StockChange {
	return domain.StockChange{
		ItemID:         c.ItemID,
		Kind:           domain.EntryKind(c.Kind),
		QuantityChange: c.QuantityChange,
		ReferenceID:    c.ReferenceID,
		ActorID:        c.ActorID,
		Notes:          c.Notes,
	}
}

type batchRequest struct {
	Changes []changeRequest `json:"changes"`
}

type lineRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

type saleRequest struct {
	RequestID string        `json:"request_id"`
	SaleID    string        `json:"sale_id"`
	ActorID   string        `json:"actor_id"`
	Lines     []lineRequest `json:"lines"`
}

type saleLineResponse struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
}

type saleResponse struct {
	ID        string             `json:"id"`
	RequestID string             `json:"request_id,omitempty"`
	ActorID   string             `json:"actor_id"`
	Lines     []saleLineResponse `json:"lines"`
	Subtotal  decimal.Decimal    `json:"subtotal"`
	Entries   []entryResponse    `json:"entries"`
	CreatedAt time.Time          `json:"created_at"`
}

type restockRequest struct {
	ReferenceID string        `json:"reference_id"`
	Kind        string        `json:"kind"`
	ActorID     string        `json:"actor_id"`
	Lines       []lineRequest `json:"lines"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ItemID    string `json:"item_id,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req registerItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var expiry time.Time
	if req.ExpiryDate != "" {
		var err error
		if expiry, err = parseDate(req.ExpiryDate); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expiry_date must be YYYY-MM-DD or an RFC3339 timestamp"})
			return
		}
	}

	item, err := h.ledger.RegisterItem(r.Context(), domain.NewItem{
		ID:              req.ID,
		Name:            req.Name,
		UnitPrice:       req.UnitPrice,
		ReorderLevel:    req.ReorderLevel,
		InitialQuantity: req.InitialQuantity,
		ActorID:         req.ActorID,
		BatchNumber:     req.BatchNumber,
		ExpiryDate:      expiry,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newItemResponse(item))
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListItems(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]itemResponse, len(items))
	for i, item := range items {
		resp[i] = newItemResponse(item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) LowStockItems(w http.ResponseWriter, r *http.Request) {
	ids, err := h.ledger.LowStockItems(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"item_ids": ids})
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := newItemResponse(item)
	if h.cache != nil {
		// the mirror may lag the ledger, a miss or failure just omits the field
		qty, ok, err := h.cache.GetStock(r.Context(), item.ID)
		if err != nil {
			h.logger.Warn("read cached stock",
				zap.String("item_id", item.ID),
				zap.Error(err))
		} else if ok {
			resp.CachedQuantity = &qty
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}

	var entries []domain.LedgerEntry
	for e, err := range h.ledger.History(r.Context(), chi.URLParam(r, "id"), from, to) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, newEntryResponses(entries))
}

func (h *HTTPHandler) ApplyChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ItemID = chi.URLParam(r, "id")

	entry, err := h.ledger.ApplyChange(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryResponses([]domain.LedgerEntry{entry})[0])
}

func (h *HTTPHandler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	changes := make([]domain.StockChange, len(req.Changes))
	for i, c := range req.Changes {
		changes[i] = c.toDomain()
	}

	entries, err := h.ledger.ApplyBatch(r.Context(), changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryResponses(entries))
}

func (h *HTTPHandler) ProcessSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lines := make([]domain.SaleLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = domain.SaleLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}

	sale, err := h.sales.ProcessSale(r.Context(), service.SaleRequest{
		RequestID: req.RequestID,
		SaleID:    req.SaleID,
		ActorID:   req.ActorID,
		Lines:     lines,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := saleResponse{
		ID:        sale.ID,
		RequestID: sale.RequestID,
		ActorID:   sale.ActorID,
		Lines:     make([]saleLineResponse, len(sale.Lines)),
		Subtotal:  sale.Subtotal,
		Entries:   newEntryResponses(sale.Entries),
		CreatedAt: sale.CreatedAt,
	}
	for i, l := range sale.Lines {
		resp.Lines[i] = saleLineResponse(l)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lines := make([]domain.RestockLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = domain.RestockLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}

	restock, err := h.sales.Restock(r.Context(), service.RestockRequest{
		ReferenceID: req.ReferenceID,
		Kind:        domain.EntryKind(req.Kind),
		ActorID:     req.ActorID,
		Lines:       lines,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryResponses(restock.Entries))
}

func (h *HTTPHandler) Valuation(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.Valuation(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) Movements(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}

	report, err := h.reports.Movements(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) DailySales(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		var err error
		if day, err = time.Parse(time.DateOnly, v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD"})
			return
		}
	}

	report, err := h.reports.DailySales(r.Context(), day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) MonthlySales(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())

	var err error
	if v := r.URL.Query().Get("year"); v != "" {
		if year, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "year must be an integer"})
			return
		}
	}
	if v := r.URL.Query().Get("month"); v != "" {
		if month, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "month must be an integer"})
			return
		}
	}

	report, err := h.reports.MonthlySales(r.Context(), year, time.Month(month))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) ExpiringSoon(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		var err error
		if days, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be an integer"})
			return
		}
	}

	lines, err := h.reports.ExpiringSoon(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *domain.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient stock",
			ItemID:    insufficient.ItemID,
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
	case errors.Is(err, domain.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrItemExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrDuplicateRequest):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate request"})
	case errors.Is(err, domain.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "concurrent update conflict, retry the request"})
	default:
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func parseRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from must be an RFC3339 timestamp"})
			return time.Time{}, time.Time{}, false
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to must be an RFC3339 timestamp"})
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to, true
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
