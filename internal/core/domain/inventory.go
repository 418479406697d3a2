package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductStatus string

const (
	ProductStatusActive     ProductStatus = "ACTIVE"
	ProductStatusDraft      ProductStatus = "DRAFT"
	ProductStatusOutOfStock ProductStatus = "OUT_OF_STOCK"
)

type Product struct {
	ID       string
	TenantID string
	Name     string
	SKU      string
	Price    decimal.Decimal
	Stock    int
	Version  int // bumped on every stock mutation
	Status   ProductStatus
}

// StatusForStock derives the catalog status after a stock change. Drafts stay
// drafts; they are published by admin tooling, not by stock movements.
func StatusForStock(current ProductStatus, stock int) ProductStatus {
	if current == ProductStatusDraft {
		return current
	}
	if stock > 0 {
		return ProductStatusActive
	}
	return ProductStatusOutOfStock
}

type MovementReason string

const (
	MovementReasonSale         MovementReason = "SALE"
	MovementReasonInitialStock MovementReason = "INITIAL_STOCK"
	MovementReasonAdjustment   MovementReason = "ADJUSTMENT"
	MovementReasonReturn       MovementReason = "RETURN"
)

// StockMovement is an append-only ledger entry. Quantity is a signed delta.
type StockMovement struct {
	ID          string
	TenantID    string
	ProductID   string
	Quantity    int
	Reason      MovementReason
	ReferenceID string
	CreatedAt   time.Time
}
