package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/adapter/auth"
	"github.com/rl1809/retail-pos/internal/core/domain"
)

const testSecret = "test-secret"

type fakeSettler struct {
	mu        sync.Mutex
	settleReq domain.SettleRequest
	adjustReq domain.AdjustStockRequest
	result    *domain.SettlementResult
	adjusted  *domain.AdjustStockResult
	err       error
}

func (f *fakeSettler) Settle(_ context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleReq = req
	return f.result, f.err
}

func (f *fakeSettler) AdjustStock(_ context.Context, req domain.AdjustStockRequest) (*domain.AdjustStockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjustReq = req
	return f.adjusted, f.err
}

type fakeReads struct {
	mu       sync.Mutex
	products map[string]domain.Product // keyed by tenant/id
	sales    map[string][]domain.Sale
	err      error

	tenant string
	limit  int
}

func (f *fakeReads) GetProduct(_ context.Context, tenantID, id string) (*domain.Product, error) {
	p, ok := f.products[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeReads) ListSales(_ context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant, f.limit = tenantID, limit
	return f.sales[tenantID], f.err
}

type fakeAdmitter struct {
	mu       sync.Mutex
	decision domain.Decision
	classes  []domain.RouteClass
}

func (f *fakeAdmitter) Admit(_ context.Context, _ string, class domain.RouteClass) domain.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes = append(f.classes, class)
	return f.decision
}

func issue(t *testing.T, c domain.Claims) string {
	t.Helper()
	token, err := auth.NewJWTVerifier(testSecret).Issue(c, time.Hour)
	require.NoError(t, err)
	return token
}

var (
	vendeur    = domain.Claims{UserID: "u1", Role: domain.RoleVendeur, TenantID: "t1"}
	magasinier = domain.Claims{UserID: "u2", Role: domain.RoleMagasinier, TenantID: "t1"}
	superadmin = domain.Claims{UserID: "root", Role: domain.RoleSuperadmin}
)

func newRouter(settler *fakeSettler, admitter *fakeAdmitter) http.Handler {
	return newRouterWithReads(settler, admitter, &fakeReads{products: map[string]domain.Product{
		"t1/p1": {ID: "p1", TenantID: "t1", Stock: 7, Status: domain.ProductStatusActive},
	}})
}

func newRouterWithReads(settler *fakeSettler, admitter *fakeAdmitter, reads *fakeReads) http.Handler {
	h := NewHTTPHandler(settler, reads, auth.NewJWTVerifier(testSecret), zap.NewNop())
	cfg := RouterConfig{AllowedOrigins: []string{"http://localhost:3000"}}
	if admitter != nil {
		cfg.Admission = admitter
	}
	return h.Router(cfg)
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func TestCreateSale_Success(t *testing.T) {
	settler := &fakeSettler{result: &domain.SettlementResult{
		SaleID:      "sale-1",
		TenantID:    "t1",
		TotalAmount: decimal.RequireFromString("25"),
		Items: []domain.SettledItem{
			{ItemID: "i1", ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10"), RemainingStock: 3},
			{ItemID: "i2", ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("5"), RemainingStock: 2},
		},
	}}
	router := newRouter(settler, nil)

	rec, env := doJSON(t, router, http.MethodPost, "/api/sales/create", issue(t, vendeur), CreateSaleRequest{
		Items: []SaleItemRequest{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "success", env.Status)

	content := env.Content.(map[string]any)
	assert.Equal(t, "sale-1", content["saleId"])
	assert.Equal(t, "25.00", content["totalAmount"])
	items := content["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "10.00", items[0].(map[string]any)["unitPrice"])
	assert.EqualValues(t, 3, items[0].(map[string]any)["remainingStock"])

	assert.Equal(t, "t1", settler.settleReq.TenantID)
	assert.Equal(t, "u1", settler.settleReq.ActorID)
	assert.Equal(t, []domain.BasketLine{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}}, settler.settleReq.Items)
}

func TestCreateSale_ErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		kind    domain.ErrorKind
		message string
	}{
		{"invalid", domain.ErrInvalidBasket, http.StatusBadRequest, domain.KindInvalidRequest, "invalid request: invalid basket"},
		{"not found", domain.ErrProductNotFound, http.StatusNotFound, domain.KindProductNotFound, "one or more products not found"},
		{"stock", &domain.StockError{ProductID: "p1", ProductName: "Coca 33cl", Requested: 3, Available: 2}, http.StatusConflict, domain.KindInsufficientStock, "insufficient stock for Coca 33cl"},
		{"infra", errors.New("dial tcp 10.0.0.5:3306: connection refused"), http.StatusInternalServerError, domain.KindInternal, internalMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(&fakeSettler{err: tc.err}, nil)
			rec, env := doJSON(t, router, http.MethodPost, "/api/sales/create", issue(t, vendeur), CreateSaleRequest{
				Items: []SaleItemRequest{{ProductID: "p1", Quantity: 3}},
			})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "error", env.Status)
			assert.Equal(t, tc.message, env.Message)
			assert.Equal(t, string(tc.kind), env.Content.(map[string]any)["kind"])
			assert.NotContains(t, rec.Body.String(), "10.0.0.5")
		})
	}
}

func TestCreateSale_AuthAndRoles(t *testing.T) {
	router := newRouter(&fakeSettler{}, nil)
	body := CreateSaleRequest{Items: []SaleItemRequest{{ProductID: "p1", Quantity: 1}}}

	rec, _ := doJSON(t, router, http.MethodPost, "/api/sales/create", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/sales/create", "garbage", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/sales/create", issue(t, superadmin), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/sales/create", issue(t, domain.Claims{UserID: "x", Role: "GUEST", TenantID: "t1"}), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSale_CookieToken(t *testing.T) {
	settler := &fakeSettler{result: &domain.SettlementResult{SaleID: "s", TotalAmount: decimal.Zero}}
	router := newRouter(settler, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sales/create", bytes.NewBufferString(`{"items":[{"productId":"p1","quantity":1}]}`))
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: issue(t, vendeur)})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateSale_MalformedBody(t *testing.T) {
	router := newRouter(&fakeSettler{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sales/create", bytes.NewBufferString(`{"items":`))
	req.Header.Set("Authorization", "Bearer "+issue(t, vendeur))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustStock(t *testing.T) {
	settler := &fakeSettler{adjusted: &domain.AdjustStockResult{ProductID: "p1", Delta: 4, RemainingStock: 11, MovementID: "m1"}}
	router := newRouter(settler, nil)

	rec, env := doJSON(t, router, http.MethodPost, "/api/products/p1/adjust-stock", issue(t, magasinier), AdjustStockHTTPRequest{Delta: 4, Reason: "RETURN"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 11, env.Content.(map[string]any)["newStock"])
	assert.Equal(t, "p1", settler.adjustReq.ProductID)
	assert.Equal(t, domain.MovementReasonReturn, settler.adjustReq.Reason)
	assert.Equal(t, "t1", settler.adjustReq.TenantID)
}

func TestGetStock(t *testing.T) {
	router := newRouter(&fakeSettler{}, nil)

	rec, env := doJSON(t, router, http.MethodGet, "/api/products/p1/stock", issue(t, vendeur), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, env.Content.(map[string]any)["stock"])

	other := domain.Claims{UserID: "u9", Role: domain.RoleDirecteur, TenantID: "t2"}
	rec, _ = doJSON(t, router, http.MethodGet, "/api/products/p1/stock", issue(t, other), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmissionMiddleware(t *testing.T) {
	admitter := &fakeAdmitter{decision: domain.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	router := newRouter(&fakeSettler{}, admitter)

	rec, env := doJSON(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too Many Requests", env.Message)
	assert.EqualValues(t, 429, env.Code)
}

func TestAdmissionMiddleware_AuthClass(t *testing.T) {
	admitter := &fakeAdmitter{decision: domain.Decision{Allowed: true, Remaining: 3}}
	router := newRouter(&fakeSettler{}, admitter)

	rec, env := doJSON(t, router, http.MethodPost, "/api/auth/verify", "", VerifyTokenRequest{Token: issue(t, vendeur)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", env.Content.(map[string]any)["tenantId"])
	assert.Equal(t, []domain.RouteClass{domain.RouteClassGeneral, domain.RouteClassAuth}, admitter.classes)

	admitter.decision = domain.Decision{Allowed: false, RetryAfter: 5 * time.Minute}
	rec, env = doJSON(t, router, http.MethodPost, "/api/auth/verify", "", VerifyTokenRequest{Token: "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too Many Requests", env.Message)
}

func TestAdmissionMiddleware_AuthBudgetMessage(t *testing.T) {
	denyAuth := AdmitterFunc(func(_ context.Context, _ string, class domain.RouteClass) domain.Decision {
		if class == domain.RouteClassAuth {
			return domain.Decision{Allowed: false, RetryAfter: time.Minute}
		}
		return domain.Decision{Allowed: true}
	})
	h := NewHTTPHandler(&fakeSettler{}, &fakeReads{}, auth.NewJWTVerifier(testSecret), zap.NewNop())
	router := h.Router(RouterConfig{Admission: denyAuth})

	rec, env := doJSON(t, router, http.MethodPost, "/api/auth/verify", "", VerifyTokenRequest{Token: "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many login attempts, please try again later.", env.Message)
}

func TestDegradedAdmissionIsAllowed(t *testing.T) {
	admitter := &fakeAdmitter{decision: domain.Decision{Allowed: true, Degraded: true}}
	router := newRouter(&fakeSettler{}, admitter)

	rec, _ := doJSON(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Degraded"))
}

func TestCORS(t *testing.T) {
	router := newRouter(&fakeSettler{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/sales/create", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// keyedAdmitter allows points requests per caller key.
type keyedAdmitter struct {
	mu     sync.Mutex
	points int
	seen   map[string]int
}

func (k *keyedAdmitter) Admit(_ context.Context, key string, _ domain.RouteClass) domain.Decision {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen == nil {
		k.seen = make(map[string]int)
	}
	k.seen[key]++
	if k.seen[key] > k.points {
		return domain.Decision{RetryAfter: time.Minute}
	}
	return domain.Decision{Allowed: true}
}

func TestAdmission_ForwardedHeadersIgnoredFromUntrustedPeer(t *testing.T) {
	admitter := &keyedAdmitter{points: 2}
	h := NewHTTPHandler(&fakeSettler{}, &fakeReads{}, auth.NewJWTVerifier(testSecret), zap.NewNop())
	router := h.Router(RouterConfig{Admission: admitter})

	var allowed int
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
	assert.Equal(t, map[string]int{"203.0.113.7": 20}, admitter.seen)
}

func TestAdmission_TrustedProxyForwardsClient(t *testing.T) {
	admitter := &keyedAdmitter{points: 100}
	h := NewHTTPHandler(&fakeSettler{}, &fakeReads{}, auth.NewJWTVerifier(testSecret), zap.NewNop())
	router := h.Router(RouterConfig{
		Admission:      admitter,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})

	send := func(remote, xff string) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	// spoofed leftmost entry, real client appended by the proxy chain
	send("10.0.0.2:5000", "1.1.1.1, 198.51.100.9, 10.0.0.5")
	// untrusted peer cannot forward
	send("203.0.113.7:5000", "198.51.100.9")

	assert.Equal(t, map[string]int{"198.51.100.9": 1, "203.0.113.7": 1}, admitter.seen)
}

func TestListSales(t *testing.T) {
	created := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	reads := &fakeReads{sales: map[string][]domain.Sale{
		"t1": {{
			ID: "s1", TenantID: "t1", UserID: "u1",
			TotalAmount: decimal.RequireFromString("25"),
			CreatedAt:   created,
			Items: []domain.SaleItem{
				{ID: "i1", ProductID: "p1", ProductName: "Coffee", Quantity: 2, UnitPrice: decimal.RequireFromString("10")},
				{ID: "i2", ProductID: "p2", ProductName: "Tea", Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
			},
		}},
		"t2": {{ID: "foreign", TenantID: "t2"}},
	}}
	router := newRouterWithReads(&fakeSettler{}, nil, reads)

	rec, env := doJSON(t, router, http.MethodGet, "/api/sales/list", issue(t, vendeur), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sales retrieved successfully", env.Message)
	assert.Equal(t, "t1", reads.tenant)
	assert.Equal(t, defaultSalesLimit, reads.limit)

	list := env.Content.([]any)
	require.Len(t, list, 1)
	sale := list[0].(map[string]any)
	assert.Equal(t, "s1", sale["saleId"])
	assert.Equal(t, "25.00", sale["totalAmount"])
	items := sale["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "Coffee", first["productName"])
	assert.Equal(t, "10.00", first["unitPrice"])
	assert.Equal(t, "20.00", first["lineTotal"])
}

func TestListSales_LimitAndAccess(t *testing.T) {
	reads := &fakeReads{}
	router := newRouterWithReads(&fakeSettler{}, nil, reads)
	token := issue(t, vendeur)

	rec, env := doJSON(t, router, http.MethodGet, "/api/sales/list?limit=5000", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxSalesLimit, reads.limit)
	assert.Equal(t, []any{}, env.Content)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/sales/list?limit=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/sales/list", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/sales/list", issue(t, superadmin), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	reads.err = errors.New("connection reset")
	rec, env = doJSON(t, router, http.MethodGet, "/api/sales/list", token, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, internalMessage, env.Message)
}
