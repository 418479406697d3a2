package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/metrics"
)

const routingKeyPrefix = "stock.updated."

var (
	ErrRelayClosed    = errors.New("relay closed")
	ErrRelayQueueFull = errors.New("relay queue full")
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// StockEvent is the message other services receive for every committed stock change.
type StockEvent struct {
	TenantID   string    `json:"tenantId"`
	ProductID  string    `json:"productId"`
	NewStock   int       `json:"newStock"`
	OccurredAt time.Time `json:"occurredAt"`
}

type RelayConfig struct {
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
}

// AMQPRelay forwards stock updates to the broker off the request path. The
// queue is bounded; when it is full the update is dropped, not waited on.
type AMQPRelay struct {
	pub     Publisher
	cfg     RelayConfig
	logger  *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	queue   chan StockEvent
	started bool
}

func NewAMQPRelay(pub Publisher, cfg RelayConfig, logger *zap.Logger) *AMQPRelay {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &AMQPRelay{
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan StockEvent, cfg.QueueSize),
	}
}

func (r *AMQPRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.workerLoop(id)
		}(i)
	}
	r.logger.Info("stock relay started", zap.Int("workers", r.cfg.Workers))
}

func (r *AMQPRelay) NotifyStockUpdate(_ context.Context, tenantID string, update domain.StockUpdate) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRelayClosed
	}

	ev := StockEvent{
		TenantID:   tenantID,
		ProductID:  update.ProductID,
		NewStock:   update.NewStock,
		OccurredAt: r.now().UTC(),
	}
	select {
	case r.queue <- ev:
		return nil
	default:
		metrics.RelayPublishes.WithLabelValues("dropped").Inc()
		return ErrRelayQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (r *AMQPRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("stock relay stopped")
}

func (r *AMQPRelay) workerLoop(id int) {
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)

		body, err := json.Marshal(ev)
		if err == nil {
			err = r.pub.Publish(ctx, routingKeyPrefix+ev.TenantID, body)
		}
		if err != nil {
			metrics.RelayPublishes.WithLabelValues("failed").Inc()
			r.logger.Error("failed to relay stock event",
				zap.Int("worker", id),
				zap.String("tenant_id", ev.TenantID),
				zap.String("product_id", ev.ProductID),
				zap.Error(err))
		} else {
			metrics.RelayPublishes.WithLabelValues("ok").Inc()
		}

		cancel()
	}
}
