package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Sale struct {
	ID          string
	TenantID    string
	UserID      string
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	Items       []SaleItem
}

type SaleItem struct {
	ID          string
	SaleID      string
	ProductID   string
	ProductName string // filled on reads only
	Quantity    int
	UnitPrice   decimal.Decimal // snapshot of Product.Price at sale time
}

// LineTotal returns UnitPrice * Quantity.
func (i SaleItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type BasketLine struct {
	ProductID string
	Quantity  int
}

type SettleRequest struct {
	TenantID string
	ActorID  string
	ClientIP string
	Items    []BasketLine
}

type SettledItem struct {
	ItemID         string
	ProductID      string
	Quantity       int
	UnitPrice      decimal.Decimal
	RemainingStock int
}

type SettlementResult struct {
	SaleID      string
	TenantID    string
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	Items       []SettledItem
}

type AdjustStockRequest struct {
	TenantID  string
	ActorID   string
	ClientIP  string
	ProductID string
	Delta     int
	Reason    MovementReason
}

type AdjustStockResult struct {
	ProductID      string
	Delta          int
	RemainingStock int
	MovementID     string
}
