package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/adapter/storage"
	"github.com/rl1809/retail-pos/internal/core/domain"
)

type stubStore struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
	next  domain.Consumption
}

func (s *stubStore) Consume(ctx context.Context, key string, window time.Duration) (domain.Consumption, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.Consumption{}, ctx.Err()
		}
	}
	if s.err != nil {
		return domain.Consumption{}, s.err
	}
	return s.next, nil
}

func (s *stubStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubHealth bool

func (h stubHealth) Available() bool { return bool(h) }

var testBudgets = map[domain.RouteClass]domain.Budget{
	domain.RouteClassGeneral: {Points: 3, Window: time.Minute},
	domain.RouteClassAuth:    {Points: 1, Window: 5 * time.Minute},
}

func newAdmission(primary, fallback *stubStore, health stubHealth) *AdmissionService {
	return NewAdmissionService(primary, fallback, health, AdmissionConfig{
		Budgets:        testBudgets,
		PrimaryTimeout: 50 * time.Millisecond,
	}, zap.NewNop())
}

func TestAdmit_PrimaryDecides(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc := NewAdmissionService(storage.NewRedisAdapter(client), storage.NewMemoryAdapter(), nil, AdmissionConfig{
		Budgets: testBudgets,
	}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := svc.Admit(ctx, "10.0.0.1", domain.RouteClassGeneral)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.False(t, d.Degraded)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := svc.Admit(ctx, "10.0.0.1", domain.RouteClassGeneral)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	// another caller and another class keep their own budgets
	assert.True(t, svc.Admit(ctx, "10.0.0.2", domain.RouteClassGeneral).Allowed)
	assert.True(t, svc.Admit(ctx, "10.0.0.1", domain.RouteClassAuth).Allowed)
	assert.False(t, svc.Admit(ctx, "10.0.0.1", domain.RouteClassAuth).Allowed)

	mr.FastForward(time.Minute + time.Second)
	assert.True(t, svc.Admit(ctx, "10.0.0.1", domain.RouteClassGeneral).Allowed)
}

func TestAdmit_PrimaryDownUsesFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	svc := NewAdmissionService(storage.NewRedisAdapter(client), storage.NewMemoryAdapter(), nil, AdmissionConfig{
		Budgets:        testBudgets,
		PrimaryTimeout: 100 * time.Millisecond,
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		d := svc.Admit(context.Background(), "10.0.0.1", domain.RouteClassGeneral)
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
	}
}

func TestAdmit_PrimaryErrorFallbackUnderBudget(t *testing.T) {
	primary := &stubStore{err: errors.New("connection refused")}
	fallback := &stubStore{next: domain.Consumption{Count: 1, ResetIn: time.Minute}}
	svc := newAdmission(primary, fallback, true)

	d := svc.Admit(context.Background(), "c", domain.RouteClassGeneral)
	assert.Equal(t, domain.Decision{Allowed: true, Remaining: 2, Degraded: true}, d)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestAdmit_FallbackExhaustedStillAllows(t *testing.T) {
	primary := &stubStore{err: errors.New("connection refused")}
	fallback := &stubStore{next: domain.Consumption{Count: 10, ResetIn: time.Minute}}
	svc := newAdmission(primary, fallback, true)

	d := svc.Admit(context.Background(), "c", domain.RouteClassGeneral)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestAdmit_BothStoresFailing(t *testing.T) {
	primary := &stubStore{err: errors.New("down")}
	fallback := &stubStore{err: errors.New("also down")}
	svc := newAdmission(primary, fallback, true)

	d := svc.Admit(context.Background(), "c", domain.RouteClassAuth)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestAdmit_SlowPrimaryTimesOut(t *testing.T) {
	primary := &stubStore{delay: time.Second, next: domain.Consumption{Count: 1}}
	fallback := &stubStore{next: domain.Consumption{Count: 1, ResetIn: time.Minute}}
	svc := newAdmission(primary, fallback, true)

	start := time.Now()
	d := svc.Admit(context.Background(), "c", domain.RouteClassGeneral)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestAdmit_KnownDownSkipsPrimary(t *testing.T) {
	primary := &stubStore{next: domain.Consumption{Count: 1}}
	fallback := &stubStore{next: domain.Consumption{Count: 1, ResetIn: time.Minute}}
	svc := newAdmission(primary, fallback, false)

	d := svc.Admit(context.Background(), "c", domain.RouteClassGeneral)
	assert.True(t, d.Degraded)
	assert.Zero(t, primary.callCount())
}

func TestAdmit_UnknownClassAllows(t *testing.T) {
	primary := &stubStore{next: domain.Consumption{Count: 100}}
	svc := newAdmission(primary, &stubStore{}, true)

	d := svc.Admit(context.Background(), "c", domain.RouteClass("reports"))
	assert.True(t, d.Allowed)
	assert.Zero(t, primary.callCount())
}

func TestAdmit_DeniedWithoutResetUsesWindow(t *testing.T) {
	primary := &stubStore{next: domain.Consumption{Count: 4}}
	svc := newAdmission(primary, &stubStore{}, true)

	d := svc.Admit(context.Background(), "c", domain.RouteClassGeneral)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}
