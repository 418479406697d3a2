package domain

import "time"

type AuditAction string

const (
	AuditActionCreateSale  AuditAction = "CREATE_SALE"
	AuditActionAdjustStock AuditAction = "ADJUST_STOCK"
)

type AuditLogEntry struct {
	ID        string
	TenantID  string
	UserID    string
	Action    AuditAction
	Resource  string
	Details   map[string]any
	IP        string
	CreatedAt time.Time
}
