package domain

const EventStockUpdate = "stock:update"

type StockUpdate struct {
	ProductID string `json:"productId"`
	NewStock  int    `json:"newStock"`
}

// Claims are the verified contents of a session credential.
type Claims struct {
	UserID   string
	Role     Role
	TenantID string // empty for platform-scope users
}
