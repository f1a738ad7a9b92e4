package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/circuitbreaker"
	"github.com/kjstillabower/seckill-service/internal/lifecycle"
	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/seckill"
	"github.com/kjstillabower/seckill-service/internal/shop"
	"github.com/kjstillabower/seckill-service/internal/validation"
)

// UserIDHeader carries the caller's user id. Authentication happens upstream.
const UserIDHeader = "X-User-ID"

// ShopService is the shop read/write path.
type ShopService interface {
	QueryByID(ctx context.Context, id int64) (models.Shop, error)
	Update(ctx context.Context, s models.Shop) error
}

// VoucherService creates seckill vouchers.
type VoucherService interface {
	AddSeckillVoucher(ctx context.Context, v models.SeckillVoucher) (models.SeckillVoucher, error)
}

// SeckillSubmitter admits a purchase and returns the order id.
type SeckillSubmitter interface {
	SubmitSeckill(ctx context.Context, voucherID, userID int64) (int64, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthConfig holds the dependency checks run by GET /health.
type HealthConfig struct {
	Checks       map[string]HealthCheck
	CheckTimeout time.Duration
	Version      string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	shops            ShopService
	vouchers         VoucherService
	seckill          SeckillSubmitter
	healthConfig     *HealthConfig
	maxShopNameLen   int
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(
	shops ShopService,
	vouchers VoucherService,
	submitter SeckillSubmitter,
	healthConfig *HealthConfig,
	maxShopNameLen int,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		shops:          shops,
		vouchers:       vouchers,
		seckill:        submitter,
		healthConfig:   healthConfig,
		maxShopNameLen: maxShopNameLen,
		logger:         observability.OrNop(logger),
	}
}

// GetShop handles GET /shop/{id}.
func (h *Handler) GetShop(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	s, err := h.shops.QueryByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateShop handles PUT /shop. The body is the full shop record.
func (h *Handler) UpdateShop(w http.ResponseWriter, r *http.Request) {
	var body models.Shop
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a shop")
		return
	}
	s, err := validation.ValidateShop(body, h.maxShopNameLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SHOP", err.Error())
		return
	}
	if err := h.shops.Update(r.Context(), s); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddSeckillVoucher handles POST /voucher/seckill.
func (h *Handler) AddSeckillVoucher(w http.ResponseWriter, r *http.Request) {
	var body models.SeckillVoucher
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a seckill voucher")
		return
	}
	created, err := h.vouchers.AddSeckillVoucher(r.Context(), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// SeckillVoucher handles POST /voucher-order/seckill/{id}. The response only
// confirms admission; the order row is written asynchronously.
func (h *Handler) SeckillVoucher(w http.ResponseWriter, r *http.Request) {
	voucherID, err := validation.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	userID, err := validation.ParseID(r.Header.Get(UserIDHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "MISSING_USER", UserIDHeader+" header must carry a user id")
		return
	}
	orderID, err := h.seckill.SubmitSeckill(r.Context(), voucherID, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"orderId": orderID})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "seckill-service",
		"version":   version,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus reports shutting-down first, then degraded if any
// dependency check fails.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil || len(h.healthConfig.Checks) == 0 {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	timeout := h.healthConfig.CheckTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	names := make([]string, 0, len(h.healthConfig.Checks))
	for name := range h.healthConfig.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed string
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := h.healthConfig.Checks[name](cctx)
		cancel()
		if err != nil {
			checks[name] = "unhealthy"
			if failed == "" {
				failed = name
			}
			observability.LoggerFromContext(ctx, h.logger).Debug("health check failed",
				zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = "healthy"
	}
	if failed != "" {
		return healthResult{"degraded", http.StatusServiceUnavailable, failed + "_unreachable", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": CorrelationID(r.Context()),
		},
	})
}

// writeDomainError maps service errors to status codes. Anything unrecognised
// is treated as a dependency failure.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shop.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, shop.ErrMissingID),
		errors.Is(err, validation.ErrIDInvalid),
		errors.Is(err, validation.ErrVoucherStock),
		errors.Is(err, validation.ErrVoucherWindow):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, seckill.ErrStockExhausted):
		writeError(w, r, http.StatusConflict, "STOCK_EXHAUSTED", "voucher is sold out")
	case errors.Is(err, seckill.ErrDuplicatePurchase):
		writeError(w, r, http.StatusConflict, "DUPLICATE_PURCHASE", "voucher already purchased")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		code := "UPSTREAM_UNAVAILABLE"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			code = "CIRCUIT_OPEN"
		}
		writeError(w, r, http.StatusServiceUnavailable, code, "service temporarily unavailable")
		observability.LoggerFromContext(r.Context(), nil).Warn("request failed", zap.Error(err))
	}
}
