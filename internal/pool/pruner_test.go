package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ValidateIdle(t *testing.T) {
	p, factory := newTestPool(t, Blocking, newTestConfig(t, 3, 5))

	held, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	conn(held).valid.Store(false)

	idle, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	conn(idle).valid.Store(false)
	require.NoError(t, p.CheckIn(idle))

	failed, err := p.ValidateIdle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.True(t, conn(idle).closed.Load())

	// Active connections are never validated by the sweep.
	assert.False(t, conn(held).closed.Load())
	assert.Equal(t, 1, p.ActiveCount())

	// One idle survivor plus one replacement keeps the pool at its minimum.
	assert.Equal(t, 2, p.AvailableCount())
	assert.Equal(t, 4, factory.createdCount())
	assert.Equal(t, int64(1), p.Stats().ValidationFailures)

	require.NoError(t, p.CheckIn(held))
}

func TestPool_ValidateIdleReplenishFailure(t *testing.T) {
	p, factory := newTestPool(t, Shared, newTestConfig(t, 2, 2))

	pc, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	conn(pc).valid.Store(false)
	require.NoError(t, p.CheckIn(pc))

	factory.failNext(1)
	failed, err := p.ValidateIdle(t.Context())
	assert.Equal(t, 1, failed)
	assert.True(t, IsCreationError(err))
	assert.Equal(t, 1, p.AvailableCount())

	// The shared pool may replace the lost member on the next check-out.
	a, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	b, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, factory.createdCount())
	require.NoError(t, p.CheckIn(a))
	require.NoError(t, p.CheckIn(b))
}

func TestPool_SweepsAfterClose(t *testing.T) {
	cfg := newTestConfig(t, 1, 1)
	require.NoError(t, cfg.SetExpirationTime(time.Millisecond))
	require.NoError(t, cfg.SetPrunePeriod(time.Hour))
	p, _ := newTestPool(t, Blocking, cfg)
	require.NoError(t, p.Close())

	assert.Equal(t, 0, p.Prune(t.Context()))
	failed, err := p.ValidateIdle(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestPruner_PeriodicValidation(t *testing.T) {
	cfg := newTestConfig(t, 2, 4)
	require.NoError(t, cfg.SetValidatePeriodically(true))
	require.NoError(t, cfg.SetValidatePeriod(10*time.Millisecond))
	p, factory := newTestPool(t, Blocking, cfg)

	pc, err := p.CheckOut(t.Context())
	require.NoError(t, err)
	stale := conn(pc)
	stale.valid.Store(false)
	require.NoError(t, p.CheckIn(pc))

	require.Eventually(t, stale.closed.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.AvailableCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, factory.destroyedCount())
}

func TestPruner_PeriodicExpiration(t *testing.T) {
	cfg := newTestConfig(t, 1, 4)
	require.NoError(t, cfg.SetExpirationTime(10*time.Millisecond))
	require.NoError(t, cfg.SetPrunePeriod(10*time.Millisecond))
	p, _ := newTestPool(t, SoftLimit, cfg)

	held := make([]*PooledConnection, 0, 3)
	for range 3 {
		pc, err := p.CheckOut(t.Context())
		require.NoError(t, err)
		held = append(held, pc)
	}
	for _, pc := range held {
		require.NoError(t, p.CheckIn(pc))
	}

	require.Eventually(t, func() bool { return p.AvailableCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().Destroyed)
}

func TestPruner_StoppedByClose(t *testing.T) {
	cfg := newTestConfig(t, 2, 2)
	require.NoError(t, cfg.SetValidatePeriodically(true))
	require.NoError(t, cfg.SetValidatePeriod(time.Millisecond))
	p, factory := newTestPool(t, Blocking, cfg)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	created := factory.createdCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, created, factory.createdCount())
	assert.Equal(t, created, factory.destroyedCount())
}

func TestPruner_OutlivesConstructionContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	cfg := newTestConfig(t, 1, 4)
	require.NoError(t, cfg.SetExpirationTime(10*time.Millisecond))
	require.NoError(t, cfg.SetPrunePeriod(10*time.Millisecond))

	p, err := New(ctx, SoftLimit, cfg, &testFactory{})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(t.Context()))
	t.Cleanup(func() { _ = p.Close() })

	cancel()

	held := make([]*PooledConnection, 0, 3)
	for range 3 {
		pc, err := p.CheckOut(t.Context())
		require.NoError(t, err)
		held = append(held, pc)
	}
	for _, pc := range held {
		require.NoError(t, p.CheckIn(pc))
	}

	require.Eventually(t, func() bool { return p.AvailableCount() == 1 }, time.Second, 5*time.Millisecond)
}
