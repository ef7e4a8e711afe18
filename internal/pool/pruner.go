package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/panjf2000/ants/v2"
)

const maxValidationWorkers = 8

// pruner runs the expiration and validation sweeps of a pool in the
// background.
type pruner struct {
	pool           *Pool
	prunePeriod    time.Duration
	validatePeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPruner(p *Pool, settings Settings) *pruner {
	ctx, cancel := context.WithCancel(p.ctx)

	pr := &pruner{
		pool:   p,
		ctx:    ctx,
		cancel: cancel,
	}
	if settings.pruningEnabled() {
		pr.prunePeriod = settings.PrunePeriod
	}
	if settings.validationEnabled() {
		pr.validatePeriod = settings.ValidatePeriod
	}

	return pr
}

func (pr *pruner) start() {
	pr.wg.Go(pr.run)

	tflog.SubsystemDebug(pr.ctx, subsystem, "Started pool pruner", map[string]any{
		"prune_period":    pr.prunePeriod.String(),
		"validate_period": pr.validatePeriod.String(),
	})
}

func (pr *pruner) run() {
	var pruneC, validateC <-chan time.Time

	if pr.prunePeriod > 0 {
		ticker := time.NewTicker(pr.prunePeriod)
		defer ticker.Stop()
		pruneC = ticker.C
	}

	if pr.validatePeriod > 0 {
		ticker := time.NewTicker(pr.validatePeriod)
		defer ticker.Stop()
		validateC = ticker.C
	}

	for {
		select {
		case <-pruneC:
			pr.pool.Prune(pr.ctx)
		case <-validateC:
			_, _ = pr.pool.ValidateIdle(pr.ctx)
		case <-pr.ctx.Done():
			return
		}
	}
}

// stop cancels any running sweep and waits for the pruner goroutine to exit.
func (pr *pruner) stop() {
	pr.cancel()
	pr.wg.Wait()

	tflog.SubsystemDebug(pr.pool.ctx, subsystem, "Stopped pool pruner", nil)
}

// Prune destroys idle connections that have been unused for longer than the
// expiration time, least recently used first, without shrinking the pool
// below its minimum size. It returns the number of connections destroyed.
func (p *Pool) Prune(ctx context.Context) int {
	start := time.Now()

	p.mu.Lock()
	if p.closed || !p.initialized || p.settings.ExpirationTime <= 0 {
		p.mu.Unlock()
		return 0
	}

	cutoff := start.Add(-p.settings.ExpirationTime)
	excess := p.totalLocked() - p.settings.MinPoolSize

	kept := make([]*PooledConnection, 0, len(p.available))
	var expired []*PooledConnection
	for _, pc := range p.available {
		if excess > 0 && pc.lastActivityAt.Before(cutoff) {
			pc.state = StateClosed
			expired = append(expired, pc)
			excess--
			continue
		}
		kept = append(kept, pc)
	}
	p.available = kept
	p.mu.Unlock()

	for _, pc := range expired {
		p.destroyConnection(pc, "expired")
	}

	logPoolEvent(ctx, "prune_completed", map[string]any{
		"strategy":    p.strategy.String(),
		"pruned":      len(expired),
		"available":   len(kept),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return len(expired)
}

// ValidateIdle validates every idle connection, destroys those that fail and
// replenishes the pool to its minimum size. Checked-out connections are not
// touched. It returns the number of connections destroyed and any error
// raised while replenishing.
func (p *Pool) ValidateIdle(ctx context.Context) (int, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed || !p.initialized {
		p.mu.Unlock()
		return 0, nil
	}

	batch := p.available
	p.available = nil
	for _, pc := range batch {
		pc.state = StateReserved
	}
	p.pending += len(batch)
	workers := p.workers
	p.mu.Unlock()

	results := p.validateBatch(ctx, workers, batch)

	p.mu.Lock()
	p.pending -= len(batch)

	var failed []*PooledConnection
	for i, pc := range batch {
		if p.closed || !results[i] {
			pc.state = StateClosed
			failed = append(failed, pc)
			p.notifySlotLocked()
			continue
		}
		p.offerLocked(pc)
	}

	closed := p.closed
	p.mu.Unlock()

	for _, pc := range failed {
		p.destroyConnection(pc, "validation_failed")
	}

	if closed {
		return len(failed), nil
	}

	err := p.replenish(ctx, "validate")

	fields := map[string]any{
		"strategy":    p.strategy.String(),
		"validated":   len(batch),
		"failed":      len(failed),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logPoolEvent(ctx, "validation_completed", fields)

	return len(failed), err
}

// validateBatch validates connections concurrently on workers, falling back
// to the calling goroutine when no worker pool is available.
func (p *Pool) validateBatch(ctx context.Context, workers *ants.Pool, batch []*PooledConnection) []bool {
	results := make([]bool, len(batch))

	var wg sync.WaitGroup
	for i, pc := range batch {
		task := func() {
			defer wg.Done()
			results[i] = p.validate(ctx, pc, "validate")
		}

		wg.Add(1)
		if workers == nil || workers.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	return results
}
