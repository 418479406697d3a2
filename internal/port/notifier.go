package port

import (
	"context"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type StockNotifier interface {
	// NotifyStockUpdate propagates a committed stock level; delivery is best-effort
	NotifyStockUpdate(ctx context.Context, tenantID string, update domain.StockUpdate) error
}

type CredentialVerifier interface {
	// Verify checks a signed session token and returns its claims
	Verify(ctx context.Context, token string) (domain.Claims, error)
}
