package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/metrics"
)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateStopped means automatic reconnection gave up. The process keeps
	// serving on the fallback store.
	StateStopped ConnState = "stopped"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type MonitorConfig struct {
	HealthInterval time.Duration
	PingTimeout    time.Duration
	BackoffStep    time.Duration
	BackoffMax     time.Duration
	MaxRetries     int
}

// RedisMonitor tracks reachability of the shared counter store and drives a
// bounded reconnection policy. It never returns errors to callers; state
// changes go to listeners instead.
type RedisMonitor struct {
	target pinger
	cfg    MonitorConfig
	logger *zap.Logger

	mu        sync.RWMutex
	state     ConnState
	listeners []func(ConnState)
}

func NewRedisMonitor(target pinger, cfg MonitorConfig, logger *zap.Logger) *RedisMonitor {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = time.Second
	}
	return &RedisMonitor{
		target: target,
		cfg:    cfg,
		logger: logger,
		state:  StateConnecting,
	}
}

// OnStateChange registers fn for every later transition. Register before Run.
func (m *RedisMonitor) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *RedisMonitor) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Available is optimistic while the first check is still pending.
func (m *RedisMonitor) Available() bool {
	s := m.State()
	return s == StateConnected || s == StateConnecting
}

// Backoff returns the delay before reconnection attempt n (1-based).
func (m *RedisMonitor) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * m.cfg.BackoffStep
	if d > m.cfg.BackoffMax {
		return m.cfg.BackoffMax
	}
	return d
}

// Run blocks until ctx is done or reconnection gives up.
func (m *RedisMonitor) Run(ctx context.Context) {
	if m.ping(ctx) {
		m.setState(StateConnected)
	} else if !m.reconnect(ctx) {
		return
	}

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.ping(ctx) {
			continue
		}
		if !m.reconnect(ctx) {
			return
		}
	}
}

// reconnect returns false when the monitor should stop.
func (m *RedisMonitor) reconnect(ctx context.Context) bool {
	m.setState(StateReconnecting)

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		delay := m.Backoff(attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		metrics.CounterStoreReconnects.Inc()
		if m.ping(ctx) {
			m.logger.Info("counter store reconnected", zap.Int("attempt", attempt))
			m.setState(StateConnected)
			return true
		}
		m.logger.Debug("counter store reconnect failed", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	}

	m.logger.Error("counter store max reconnection attempts reached, staying on fallback",
		zap.Int("max_retries", m.cfg.MaxRetries))
	m.setState(StateStopped)
	return false
}

func (m *RedisMonitor) ping(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()

	if err := m.target.Ping(pctx); err != nil {
		m.logger.Warn("counter store unreachable", zap.Error(err))
		return false
	}
	return true
}

func (m *RedisMonitor) setState(s ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	listeners := append([]func(ConnState){}, m.listeners...)
	m.mu.Unlock()

	if s == StateConnected {
		metrics.CounterStoreUp.Set(1)
	} else {
		metrics.CounterStoreUp.Set(0)
	}
	m.logger.Info("counter store state changed", zap.String("from", string(prev)), zap.String("to", string(s)))

	for _, fn := range listeners {
		fn(s)
	}
}
