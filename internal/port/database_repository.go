package port

import (
	"context"

	"github.com/rl1809/retail-pos/internal/core/domain"
)

type SettlementRepository interface {
	// WithinTx runs fn in one transaction; commits when fn returns nil, rolls back otherwise
	WithinTx(ctx context.Context, fn func(tx SettlementTx) error) error
}

type SettlementTx interface {
	// LockProducts loads the tenant's products with the given IDs and holds row locks until the transaction ends
	LockProducts(ctx context.Context, tenantID string, productIDs []string) ([]domain.Product, error)

	// DecrementStock removes quantity only if enough stock remains, returns the new stock.
	// Returns domain.ErrConcurrentUpdate when the guard does not match.
	DecrementStock(ctx context.Context, tenantID, productID string, quantity int) (int, error)

	// IncrementStock adds quantity (may be negative) keeping stock non-negative, returns the new stock
	IncrementStock(ctx context.Context, tenantID, productID string, quantity int) (int, error)

	// InsertSale persists the sale header and all of its items
	InsertSale(ctx context.Context, sale domain.Sale) error

	// InsertStockMovement appends a ledger entry
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error

	// InsertAuditLog appends an audit entry
	InsertAuditLog(ctx context.Context, entry domain.AuditLogEntry) error
}
