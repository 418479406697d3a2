package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/metrics"
	"github.com/rl1809/retail-pos/internal/port"
)

type SettlementConfig struct {
	// Timeout bounds one call, retries included.
	Timeout time.Duration
	// MaxAttempts caps atomic units tried after concurrent-update conflicts.
	MaxAttempts int
}

type SettlementService struct {
	repo      port.SettlementRepository
	notifiers []port.StockNotifier
	cfg       SettlementConfig
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewSettlementService(repo port.SettlementRepository, cfg SettlementConfig, logger *zap.Logger, notifiers ...port.StockNotifier) *SettlementService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &SettlementService{
		repo:      repo,
		notifiers: notifiers,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Settle turns a basket into a persisted sale in one transaction: it locks the
// referenced products, checks stock, snapshots prices, writes the sale, its
// stock movements and an audit entry, then decrements stock. Nothing persists
// on failure. Stock updates are pushed to notifiers only after commit.
func (s *SettlementService) Settle(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	if err := validateBasket(req); err != nil {
		s.record("settle", err, 0)
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var result *domain.SettlementResult
	err := s.withRetry(ctx, func() error {
		r, err := s.settleOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	s.record("settle", err, time.Since(start))

	if err != nil {
		s.logFailure("settlement failed", err,
			zap.String("tenant_id", req.TenantID),
			zap.String("actor_id", req.ActorID),
			zap.Int("lines", len(req.Items)))
		return nil, err
	}

	s.logger.Info("sale settled",
		zap.String("sale_id", result.SaleID),
		zap.String("tenant_id", req.TenantID),
		zap.String("total", result.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(result.Items)))

	s.notify(context.WithoutCancel(ctx), req.TenantID, finalStock(result.Items))
	return result, nil
}

func (s *SettlementService) settleOnce(ctx context.Context, req domain.SettleRequest) (*domain.SettlementResult, error) {
	ids := distinctProductIDs(req.Items)
	saleID := s.newID()
	now := s.now()

	var result *domain.SettlementResult
	err := s.repo.WithinTx(ctx, func(tx port.SettlementTx) error {
		products, err := tx.LockProducts(ctx, req.TenantID, ids)
		if err != nil {
			return err
		}
		if len(products) < len(ids) {
			return domain.ErrProductNotFound
		}

		byID := make(map[string]domain.Product, len(products))
		available := make(map[string]int, len(products))
		for _, p := range products {
			byID[p.ID] = p
			available[p.ID] = p.Stock
		}

		for _, line := range req.Items {
			p, ok := byID[line.ProductID]
			if !ok {
				return domain.ErrProductNotFound
			}
			if available[p.ID] < line.Quantity {
				return &domain.StockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Requested:   line.Quantity,
					Available:   available[p.ID],
				}
			}
			available[p.ID] -= line.Quantity
		}

		sale := domain.Sale{
			ID:          saleID,
			TenantID:    req.TenantID,
			UserID:      req.ActorID,
			TotalAmount: decimal.Zero,
			CreatedAt:   now,
			Items:       make([]domain.SaleItem, 0, len(req.Items)),
		}
		for _, line := range req.Items {
			item := domain.SaleItem{
				ID:        s.newID(),
				SaleID:    saleID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: byID[line.ProductID].Price,
			}
			sale.TotalAmount = sale.TotalAmount.Add(item.LineTotal())
			sale.Items = append(sale.Items, item)
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		settled := make([]domain.SettledItem, 0, len(sale.Items))
		for _, item := range sale.Items {
			remaining, err := tx.DecrementStock(ctx, req.TenantID, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			err = tx.InsertStockMovement(ctx, domain.StockMovement{
				ID:          s.newID(),
				TenantID:    req.TenantID,
				ProductID:   item.ProductID,
				Quantity:    -item.Quantity,
				Reason:      domain.MovementReasonSale,
				ReferenceID: saleID,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
			settled = append(settled, domain.SettledItem{
				ItemID:         item.ID,
				ProductID:      item.ProductID,
				Quantity:       item.Quantity,
				UnitPrice:      item.UnitPrice,
				RemainingStock: remaining,
			})
		}

		err = tx.InsertAuditLog(ctx, domain.AuditLogEntry{
			ID:       s.newID(),
			TenantID: req.TenantID,
			UserID:   req.ActorID,
			Action:   domain.AuditActionCreateSale,
			Resource: "Sale",
			Details: map[string]any{
				"saleTotal": sale.TotalAmount.StringFixed(2),
				"itemCount": len(req.Items),
				"entityId":  saleID,
				"tenantId":  req.TenantID,
			},
			IP:        req.ClientIP,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		result = &domain.SettlementResult{
			SaleID:      saleID,
			TenantID:    req.TenantID,
			TotalAmount: sale.TotalAmount,
			CreatedAt:   now,
			Items:       settled,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdjustStock applies a manual inventory change with the same locking and
// guarded-update contract as Settle. Stock never goes negative.
func (s *SettlementService) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (*domain.AdjustStockResult, error) {
	if req.Reason == "" {
		req.Reason = domain.MovementReasonAdjustment
	}
	if err := validateAdjustment(req); err != nil {
		s.record("adjust", err, 0)
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var result *domain.AdjustStockResult
	err := s.withRetry(ctx, func() error {
		r, err := s.adjustOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	s.record("adjust", err, time.Since(start))

	if err != nil {
		s.logFailure("stock adjustment failed", err,
			zap.String("tenant_id", req.TenantID),
			zap.String("product_id", req.ProductID),
			zap.Int("delta", req.Delta))
		return nil, err
	}

	s.notify(context.WithoutCancel(ctx), req.TenantID, []domain.StockUpdate{{
		ProductID: result.ProductID,
		NewStock:  result.RemainingStock,
	}})
	return result, nil
}

func (s *SettlementService) adjustOnce(ctx context.Context, req domain.AdjustStockRequest) (*domain.AdjustStockResult, error) {
	now := s.now()
	movementID := s.newID()

	var result *domain.AdjustStockResult
	err := s.repo.WithinTx(ctx, func(tx port.SettlementTx) error {
		products, err := tx.LockProducts(ctx, req.TenantID, []string{req.ProductID})
		if err != nil {
			return err
		}
		if len(products) == 0 {
			return domain.ErrProductNotFound
		}
		p := products[0]
		if p.Stock+req.Delta < 0 {
			return &domain.StockError{
				ProductID:   p.ID,
				ProductName: p.Name,
				Requested:   -req.Delta,
				Available:   p.Stock,
			}
		}

		remaining, err := tx.IncrementStock(ctx, req.TenantID, req.ProductID, req.Delta)
		if err != nil {
			return err
		}

		err = tx.InsertStockMovement(ctx, domain.StockMovement{
			ID:        movementID,
			TenantID:  req.TenantID,
			ProductID: req.ProductID,
			Quantity:  req.Delta,
			Reason:    req.Reason,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		err = tx.InsertAuditLog(ctx, domain.AuditLogEntry{
			ID:       s.newID(),
			TenantID: req.TenantID,
			UserID:   req.ActorID,
			Action:   domain.AuditActionAdjustStock,
			Resource: "Product",
			Details: map[string]any{
				"productId":     req.ProductID,
				"delta":         req.Delta,
				"reason":        string(req.Reason),
				"previousStock": p.Stock,
				"newStock":      remaining,
			},
			IP:        req.ClientIP,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		result = &domain.AdjustStockResult{
			ProductID:      req.ProductID,
			Delta:          req.Delta,
			RemainingStock: remaining,
			MovementID:     movementID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SettlementService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentUpdate) || ctx.Err() != nil {
			return err
		}
		if attempt < s.cfg.MaxAttempts {
			metrics.SettlementRetries.Inc()
			s.logger.Debug("retrying after concurrent update", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return err
}

func (s *SettlementService) notify(ctx context.Context, tenantID string, updates []domain.StockUpdate) {
	for _, n := range s.notifiers {
		for _, u := range updates {
			if err := n.NotifyStockUpdate(ctx, tenantID, u); err != nil {
				s.logger.Warn("stock notification failed",
					zap.String("tenant_id", tenantID),
					zap.String("product_id", u.ProductID),
					zap.Error(err))
			}
		}
	}
}

func (s *SettlementService) record(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	metrics.Settlements.WithLabelValues(op, result).Inc()
	if elapsed > 0 {
		metrics.SettlementDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

// Caller errors are expected traffic; only infrastructure failures log at error level.
func (s *SettlementService) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if domain.KindOf(err) == domain.KindInternal {
		s.logger.Error(msg, fields...)
		return
	}
	s.logger.Info(msg, fields...)
}

func validateBasket(req domain.SettleRequest) error {
	if req.TenantID == "" || req.ActorID == "" {
		return fmt.Errorf("%w: tenant and actor are required", domain.ErrInvalidBasket)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", domain.ErrInvalidBasket)
	}
	for i, line := range req.Items {
		if line.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product id", domain.ErrInvalidBasket, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be a positive integer", domain.ErrInvalidBasket, i)
		}
	}
	return nil
}

func validateAdjustment(req domain.AdjustStockRequest) error {
	if req.TenantID == "" || req.ActorID == "" || req.ProductID == "" {
		return fmt.Errorf("%w: tenant, actor and product are required", domain.ErrInvalidRequest)
	}
	if req.Delta == 0 {
		return fmt.Errorf("%w: delta must not be zero", domain.ErrInvalidRequest)
	}
	switch req.Reason {
	case domain.MovementReasonAdjustment, domain.MovementReasonReturn:
	default:
		return fmt.Errorf("%w: unsupported reason %q", domain.ErrInvalidRequest, req.Reason)
	}
	return nil
}

func distinctProductIDs(lines []domain.BasketLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	return ids
}

// finalStock keeps the last reported stock per product, in first-seen order.
func finalStock(items []domain.SettledItem) []domain.StockUpdate {
	index := make(map[string]int, len(items))
	updates := make([]domain.StockUpdate, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.ProductID]; ok {
			updates[i].NewStock = it.RemainingStock
			continue
		}
		index[it.ProductID] = len(updates)
		updates = append(updates, domain.StockUpdate{ProductID: it.ProductID, NewStock: it.RemainingStock})
	}
	return updates
}
