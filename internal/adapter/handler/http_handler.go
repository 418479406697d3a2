package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/port"
)

type Settler interface {
	Settle(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error)
	AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (*domain.AdjustStockResult, error)
}

// ReadModel serves the non-locking reads behind the query routes.
type ReadModel interface {
	GetProduct(ctx context.Context, tenantID, productID string) (*domain.Product, error)
	ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error)
}

const (
	defaultSalesLimit = 50
	maxSalesLimit     = 200
)

type HTTPHandler struct {
	settler  Settler
	reads    ReadModel
	verifier port.CredentialVerifier
	logger   *zap.Logger
}

type SaleItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateSaleRequest struct {
	Items []SaleItemRequest `json:"items"`
}

type SaleItemResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"productId"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unitPrice"`
	RemainingStock int    `json:"remainingStock"`
}

type SaleResponse struct {
	SaleID      string             `json:"saleId"`
	TotalAmount string             `json:"totalAmount"`
	CreatedAt   time.Time          `json:"createdAt"`
	Items       []SaleItemResponse `json:"items"`
}

type SaleHistoryItem struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	LineTotal   string `json:"lineTotal"`
}

type SaleHistoryEntry struct {
	SaleID      string            `json:"saleId"`
	UserID      string            `json:"userId"`
	TotalAmount string            `json:"totalAmount"`
	CreatedAt   time.Time         `json:"createdAt"`
	Items       []SaleHistoryItem `json:"items"`
}

type AdjustStockHTTPRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type VerifyTokenRequest struct {
	Token string `json:"token"`
}

func NewHTTPHandler(settler Settler, reads ReadModel, verifier port.CredentialVerifier, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{settler: settler, reads: reads, verifier: verifier, logger: logger}
}

type RouterConfig struct {
	Admission      Admitter
	Realtime       http.Handler // mounted at /ws when set
	MetricsEnabled bool
	AllowedOrigins []string
	TrustedProxies []netip.Prefix // peers allowed to set X-Forwarded-For
}

// Router mounts every route behind the general admission budget; the auth
// routes additionally spend from the auth budget.
func (h *HTTPHandler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(TrustedRealIP(cfg.TrustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	if cfg.Admission != nil {
		r.Use(Admission(cfg.Admission, domain.RouteClassGeneral))
	}

	r.Get("/health", h.HealthCheck)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if cfg.Admission != nil {
				r.Use(Admission(cfg.Admission, domain.RouteClassAuth))
			}
			r.Post("/verify", h.VerifyToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(h.verifier, h.logger))
			r.Use(RequireTenant)

			r.With(RequireRole(domain.RoleVendeur)).Post("/sales/create", h.CreateSale)
			r.With(RequireRole(domain.RoleVendeur)).Get("/sales/list", h.ListSales)
			r.With(RequireRole(domain.RoleMagasinier)).Post("/products/{id}/adjust-stock", h.AdjustStock)
			r.Get("/products/{id}/stock", h.GetStock)
		})
	})

	return r
}

func (h *HTTPHandler) CreateSale(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req CreateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Validation Error", errorContent{Kind: domain.KindInvalidRequest, Detail: "invalid request body"})
		return
	}

	lines := make([]domain.BasketLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, domain.BasketLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	res, err := h.settler.Settle(r.Context(), domain.SettleRequest{
		TenantID: claims.TenantID,
		ActorID:  claims.UserID,
		ClientIP: clientIP(r),
		Items:    lines,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "Sale created successfully", toSaleResponse(res))
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req AdjustStockHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Validation Error", errorContent{Kind: domain.KindInvalidRequest, Detail: "invalid request body"})
		return
	}

	res, err := h.settler.AdjustStock(r.Context(), domain.AdjustStockRequest{
		TenantID:  claims.TenantID,
		ActorID:   claims.UserID,
		ClientIP:  clientIP(r),
		ProductID: chi.URLParam(r, "id"),
		Delta:     req.Delta,
		Reason:    domain.MovementReason(req.Reason),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Stock adjusted successfully", map[string]any{
		"productId":  res.ProductID,
		"delta":      res.Delta,
		"newStock":   res.RemainingStock,
		"movementId": res.MovementID,
	})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	p, err := h.reads.GetProduct(r.Context(), claims.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("failed to read product", zap.Error(err))
		writeDomainError(w, err)
		return
	}
	if p == nil {
		writeDomainError(w, domain.ErrProductNotFound)
		return
	}

	writeSuccess(w, http.StatusOK, "Product stock", map[string]any{
		"productId": p.ID,
		"stock":     p.Stock,
		"status":    p.Status,
	})
}

// ListSales returns the caller's tenant history, newest first. ?limit caps the
// page size.
func (h *HTTPHandler) ListSales(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	limit := defaultSalesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeFailure(w, http.StatusBadRequest, "Validation Error", errorContent{Kind: domain.KindInvalidRequest, Detail: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSalesLimit)
	}

	sales, err := h.reads.ListSales(r.Context(), claims.TenantID, limit)
	if err != nil {
		h.logger.Error("failed to list sales", zap.String("tenant_id", claims.TenantID), zap.Error(err))
		writeDomainError(w, err)
		return
	}

	out := make([]SaleHistoryEntry, 0, len(sales))
	for _, s := range sales {
		entry := SaleHistoryEntry{
			SaleID:      s.ID,
			UserID:      s.UserID,
			TotalAmount: s.TotalAmount.StringFixed(2),
			CreatedAt:   s.CreatedAt,
			Items:       make([]SaleHistoryItem, 0, len(s.Items)),
		}
		for _, it := range s.Items {
			entry.Items = append(entry.Items, SaleHistoryItem{
				ID:          it.ID,
				ProductID:   it.ProductID,
				ProductName: it.ProductName,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice.StringFixed(2),
				LineTotal:   it.LineTotal().StringFixed(2),
			})
		}
		out = append(out, entry)
	}
	writeSuccess(w, http.StatusOK, "Sales retrieved successfully", out)
}

func (h *HTTPHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req VerifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		req.Token = tokenFromRequest(r, false)
	}
	if req.Token == "" {
		writeFailure(w, http.StatusUnauthorized, "Unauthorized: No token provided", nil)
		return
	}

	claims, err := h.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Invalid Token", nil)
		return
	}

	writeSuccess(w, http.StatusOK, "Token is valid", map[string]any{
		"userId":   claims.UserID,
		"role":     claims.Role,
		"tenantId": claims.TenantID,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
}

func toSaleResponse(res *domain.SettlementResult) SaleResponse {
	out := SaleResponse{
		SaleID:      res.SaleID,
		TotalAmount: res.TotalAmount.StringFixed(2),
		CreatedAt:   res.CreatedAt,
		Items:       make([]SaleItemResponse, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		out.Items = append(out.Items, SaleItemResponse{
			ID:             it.ItemID,
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice.StringFixed(2),
			RemainingStock: it.RemainingStock,
		})
	}
	return out
}
