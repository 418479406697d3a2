package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/metrics"
	"github.com/rl1809/retail-pos/internal/port"
)

type AdmissionConfig struct {
	Budgets map[domain.RouteClass]domain.Budget
	// PrimaryTimeout bounds one round trip to the primary store.
	PrimaryTimeout time.Duration
}

// AdmissionService applies per-caller fixed-window budgets. It fails open:
// when the primary store is unreachable it counts in the fallback store, and
// when neither can decide the request is let through.
type AdmissionService struct {
	primary  port.CounterStore
	fallback port.CounterStore
	health   port.Availability
	budgets  map[domain.RouteClass]domain.Budget
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAdmissionService wires the stores. health may be nil, in which case the
// primary is always attempted.
func NewAdmissionService(primary, fallback port.CounterStore, health port.Availability, cfg AdmissionConfig, logger *zap.Logger) *AdmissionService {
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = 150 * time.Millisecond
	}
	budgets := make(map[domain.RouteClass]domain.Budget, len(cfg.Budgets))
	for class, b := range cfg.Budgets {
		budgets[class] = b
	}
	return &AdmissionService{
		primary:  primary,
		fallback: fallback,
		health:   health,
		budgets:  budgets,
		timeout:  cfg.PrimaryTimeout,
		logger:   logger,
	}
}

func (s *AdmissionService) Admit(ctx context.Context, callerKey string, class domain.RouteClass) domain.Decision {
	budget, ok := s.budgets[class]
	if !ok {
		s.logger.Warn("admission: unknown route class, allowing", zap.String("class", string(class)))
		metrics.AdmissionDecisions.WithLabelValues(string(class), metrics.OutcomeUnknownClass).Inc()
		return domain.Decision{Allowed: true}
	}

	key := string(class) + ":" + callerKey

	if s.primaryUsable() {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		c, err := s.primary.Consume(pctx, key, budget.Window)
		cancel()
		if err == nil {
			d := decide(c, budget)
			outcome := metrics.OutcomeAllowed
			if !d.Allowed {
				outcome = metrics.OutcomeDenied
			}
			metrics.AdmissionDecisions.WithLabelValues(string(class), outcome).Inc()
			return d
		}
		s.logger.Warn("admission: primary store failed, using fallback",
			zap.String("class", string(class)),
			zap.Error(err))
	}

	return s.admitFallback(ctx, key, class, budget)
}

func (s *AdmissionService) admitFallback(ctx context.Context, key string, class domain.RouteClass, budget domain.Budget) domain.Decision {
	if s.fallback == nil {
		metrics.AdmissionDecisions.WithLabelValues(string(class), metrics.OutcomeFallbackExhausted).Inc()
		return domain.Decision{Allowed: true, Degraded: true}
	}

	c, err := s.fallback.Consume(ctx, key, budget.Window)
	if err != nil {
		s.logger.Error("admission: fallback store failed, allowing", zap.Error(err))
		metrics.AdmissionDecisions.WithLabelValues(string(class), metrics.OutcomeFallbackExhausted).Inc()
		return domain.Decision{Allowed: true, Degraded: true}
	}

	d := decide(c, budget)
	d.Degraded = true
	if d.Allowed {
		metrics.AdmissionDecisions.WithLabelValues(string(class), metrics.OutcomeFallbackAllowed).Inc()
		return d
	}

	s.logger.Warn("admission: fallback budget exhausted, allowing",
		zap.String("class", string(class)),
		zap.String("key", key),
		zap.Int("count", c.Count))
	metrics.AdmissionDecisions.WithLabelValues(string(class), metrics.OutcomeFallbackExhausted).Inc()
	return domain.Decision{Allowed: true, Degraded: true}
}

func (s *AdmissionService) primaryUsable() bool {
	if s.primary == nil {
		return false
	}
	return s.health == nil || s.health.Available()
}

func decide(c domain.Consumption, b domain.Budget) domain.Decision {
	remaining := b.Points - c.Count
	if remaining < 0 {
		remaining = 0
	}
	if c.Count <= b.Points {
		return domain.Decision{Allowed: true, Remaining: remaining}
	}
	retry := c.ResetIn
	if retry <= 0 {
		retry = b.Window
	}
	return domain.Decision{Allowed: false, RetryAfter: retry}
}
