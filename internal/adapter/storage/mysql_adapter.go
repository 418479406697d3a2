package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: sqlx.NewDb(db, "mysql")}
}

type productRow struct {
	ID       string          `db:"id"`
	TenantID string          `db:"tenant_id"`
	Name     string          `db:"name"`
	SKU      string          `db:"sku"`
	Price    decimal.Decimal `db:"price"`
	Stock    int             `db:"stock"`
	Version  int             `db:"version"`
	Status   string          `db:"status"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:       r.ID,
		TenantID: r.TenantID,
		Name:     r.Name,
		SKU:      r.SKU,
		Price:    r.Price,
		Stock:    r.Stock,
		Version:  r.Version,
		Status:   domain.ProductStatus(r.Status),
	}
}

type saleRow struct {
	ID          string          `db:"id"`
	TenantID    string          `db:"tenant_id"`
	UserID      string          `db:"user_id"`
	TotalAmount decimal.Decimal `db:"total_amount"`
	CreatedAt   time.Time       `db:"created_at"`
}

type saleItemRow struct {
	ID          string          `db:"id"`
	SaleID      string          `db:"sale_id"`
	ProductID   string          `db:"product_id"`
	ProductName string          `db:"product_name"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(tx port.SettlementTx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// GetProduct reads a product without locking. Returns nil when the product
// does not exist for the tenant.
func (m *MySQLAdapter) GetProduct(ctx context.Context, tenantID, productID string) (*domain.Product, error) {
	var row productRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, name, sku, price, stock, version, status
		FROM products WHERE id = ? AND tenant_id = ?`, productID, tenantID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	p := row.toDomain()
	return &p, nil
}

// ListSales returns the tenant's most recent sales, newest first, each with
// its items at the unit price recorded when it was settled.
func (m *MySQLAdapter) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	var rows []saleRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, user_id, total_amount, created_at
		FROM sales
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}

	sales := make([]domain.Sale, 0, len(rows))
	if len(rows) == 0 {
		return sales, nil
	}

	ids := make([]string, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		ids = append(ids, r.ID)
		index[r.ID] = i
		sales = append(sales, domain.Sale{
			ID:          r.ID,
			TenantID:    r.TenantID,
			UserID:      r.UserID,
			TotalAmount: r.TotalAmount,
			CreatedAt:   r.CreatedAt,
		})
	}

	query, args, err := sqlx.In(`
		SELECT si.id, si.sale_id, si.product_id, COALESCE(p.name, '') AS product_name, si.quantity, si.unit_price
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id AND p.tenant_id = ?
		WHERE si.sale_id IN (?)
		ORDER BY si.sale_id, si.id`, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("build sale items query: %w", err)
	}

	var items []saleItemRow
	if err := m.db.SelectContext(ctx, &items, m.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}
	for _, it := range items {
		i, ok := index[it.SaleID]
		if !ok {
			continue
		}
		sales[i].Items = append(sales[i].Items, domain.SaleItem{
			ID:          it.ID,
			SaleID:      it.SaleID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	return sales, nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) LockProducts(ctx context.Context, tenantID string, productIDs []string) ([]domain.Product, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	// ORDER BY id makes concurrent settlements acquire row locks in the same order.
	query, args, err := sqlx.In(`
		SELECT id, tenant_id, name, sku, price, stock, version, status
		FROM products
		WHERE tenant_id = ? AND id IN (?)
		ORDER BY id
		FOR UPDATE`, tenantID, productIDs)
	if err != nil {
		return nil, fmt.Errorf("build lock query: %w", err)
	}

	var rows []productRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lock products: %w", classify(err))
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toDomain())
	}
	return products, nil
}

// Assignments run left to right in MySQL, so the status CASE sees the new stock.
const stockStatusExpr = `status = CASE
			WHEN status = 'DRAFT' THEN status
			WHEN stock > 0 THEN 'ACTIVE'
			ELSE 'OUT_OF_STOCK' END`

func (t *mysqlTx) DecrementStock(ctx context.Context, tenantID, productID string, quantity int) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - ?, version = version + 1, `+stockStatusExpr+`, updated_at = NOW()
		WHERE id = ? AND tenant_id = ? AND stock >= ?`,
		quantity, productID, tenantID, quantity,
	)
	if err != nil {
		return 0, fmt.Errorf("decrement stock: %w", classify(err))
	}

	return t.afterGuardedUpdate(ctx, result, tenantID, productID)
}

func (t *mysqlTx) IncrementStock(ctx context.Context, tenantID, productID string, quantity int) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + ?, version = version + 1, `+stockStatusExpr+`, updated_at = NOW()
		WHERE id = ? AND tenant_id = ? AND stock + ? >= 0`,
		quantity, productID, tenantID, quantity,
	)
	if err != nil {
		return 0, fmt.Errorf("increment stock: %w", classify(err))
	}

	return t.afterGuardedUpdate(ctx, result, tenantID, productID)
}

func (t *mysqlTx) afterGuardedUpdate(ctx context.Context, result sql.Result, tenantID, productID string) (int, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return 0, domain.ErrConcurrentUpdate
	}

	var stock int
	if err := t.tx.GetContext(ctx, &stock, `
		SELECT stock FROM products WHERE id = ? AND tenant_id = ?`, productID, tenantID); err != nil {
		return 0, fmt.Errorf("read stock: %w", classify(err))
	}
	return stock, nil
}

func (t *mysqlTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, tenant_id, user_id, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sale.ID, sale.TenantID, sale.UserID, sale.TotalAmount, sale.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sale: %w", classify(err))
	}

	if len(sale.Items) == 0 {
		return nil
	}

	rows := make([]saleItemRow, 0, len(sale.Items))
	for _, it := range sale.Items {
		rows = append(rows, saleItemRow{
			ID:        it.ID,
			SaleID:    sale.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price)
		VALUES (:id, :sale_id, :product_id, :quantity, :unit_price)`, rows)
	if err != nil {
		return fmt.Errorf("insert sale items: %w", classify(err))
	}
	return nil
}

func (t *mysqlTx) InsertStockMovement(ctx context.Context, mv domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, tenant_id, product_id, quantity, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.TenantID, mv.ProductID, mv.Quantity, string(mv.Reason), nullString(mv.ReferenceID), mv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", classify(err))
	}
	return nil
}

func (t *mysqlTx) InsertAuditLog(ctx context.Context, entry domain.AuditLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, user_id, action, resource, details, ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nullString(entry.TenantID), entry.UserID, string(entry.Action), entry.Resource,
		details, nullString(entry.IP), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", classify(err))
	}
	return nil
}

// classify marks deadlocks and lock wait timeouts as retryable conflicts.
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrentUpdate, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
