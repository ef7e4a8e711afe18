package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/panjf2000/ants/v2"
)

// Pool lends connections created by a Factory.
type Pool struct {
	ctx       context.Context
	strategy  Strategy
	config    *Config
	factory   Factory
	validator Validator

	mu           sync.Mutex
	settings     Settings // fixed at Initialize
	available    []*PooledConnection
	active       map[*PooledConnection]struct{}
	pending      int // reserved or being created, counted toward the ceiling
	waiters      []chan *PooledConnection
	initializing bool
	initialized  bool
	closed       bool
	startTime    time.Time
	pruner       *pruner
	workers      *ants.Pool

	created            atomic.Int64
	destroyed          atomic.Int64
	validationFailures atomic.Int64
	timeouts           atomic.Int64
	checkOuts          atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithValidator sets the validator used on check-out, check-in and during
// periodic validation.
func WithValidator(v Validator) Option {
	return func(p *Pool) {
		p.validator = v
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Strategy           Strategy
	Available          int
	Active             int
	Pending            int
	Waiters            int
	Created            int64
	Destroyed          int64
	ValidationFailures int64
	Timeouts           int64
	CheckOuts          int64
	Uptime             time.Duration
}

// New creates an uninitialized pool. ctx carries the logger used for the
// lifetime of the pool; its cancellation is ignored. A nil cfg is replaced with DefaultConfig. When no
// validator option is given and factory also implements Validator, the
// factory validates its own connections.
func New(ctx context.Context, strategy Strategy, cfg *Config, factory Factory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, newPoolError("new", ErrorCategoryConfiguration, "connection factory is required", nil)
	}

	if !strategy.valid() {
		return nil, newPoolError("new", ErrorCategoryConfiguration, fmt.Sprintf("unknown strategy %d", int(strategy)), nil)
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		ctx:      context.WithoutCancel(NewLoggingContext(ctx)),
		strategy: strategy,
		config:   cfg,
		factory:  factory,
		active:   make(map[*PooledConnection]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.validator == nil {
		if v, ok := factory.(Validator); ok {
			p.validator = v
		}
	}

	tflog.SubsystemDebug(p.ctx, subsystem, "Connection pool created", map[string]any{
		"strategy": strategy.String(),
		"config":   cfg.String(),
	})

	return p, nil
}

// NewSoftLimitPool creates a pool that never blocks and grows past its
// maximum on demand.
func NewSoftLimitPool(ctx context.Context, cfg *Config, factory Factory, opts ...Option) (*Pool, error) {
	return New(ctx, SoftLimit, cfg, factory, opts...)
}

// NewBlockingPool creates a pool that waits for a connection once it holds
// its maximum.
func NewBlockingPool(ctx context.Context, cfg *Config, factory Factory, opts ...Option) (*Pool, error) {
	return New(ctx, Blocking, cfg, factory, opts...)
}

// NewSharedPool creates a pool of exactly MinPoolSize connections.
func NewSharedPool(ctx context.Context, cfg *Config, factory Factory, opts ...Option) (*Pool, error) {
	return New(ctx, Shared, cfg, factory, opts...)
}

// Initialize freezes the configuration, fills the pool to its minimum size
// and starts background pruning. If any connection cannot be created, every
// connection created so far is destroyed and the pool stays uninitialized.
func (p *Pool) Initialize(ctx context.Context) error {
	start := time.Now()

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return closedError("initialize")
	case p.initialized || p.initializing:
		p.mu.Unlock()
		return newPoolError("initialize", ErrorCategoryConfiguration, "", ErrAlreadyInitialized)
	}

	settings := p.config.Snapshot()
	if err := validateSettings(settings); err != nil {
		p.mu.Unlock()
		return newPoolError("initialize", ErrorCategoryConfiguration, "invalid pool configuration", err)
	}
	if err := p.strategy.validate(settings); err != nil {
		p.mu.Unlock()
		return newPoolError("initialize", ErrorCategoryConfiguration, "invalid pool configuration", err)
	}

	froze := p.config.freeze()
	p.settings = settings
	p.initializing = true
	p.mu.Unlock()

	created := make([]*PooledConnection, 0, settings.MinPoolSize)
	for range settings.MinPoolSize {
		pc, err := p.createConnection(ctx, "initialize")
		if err != nil {
			for _, c := range created {
				p.destroyConnection(c, "initialize_failed")
			}

			p.mu.Lock()
			p.initializing = false
			if froze {
				p.config.unfreeze()
			}
			p.mu.Unlock()

			logPoolEvent(p.ctx, "initialize_failed", map[string]any{
				"strategy":    p.strategy.String(),
				"created":     len(created),
				"required":    settings.MinPoolSize,
				"error":       err.Error(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			return err
		}
		created = append(created, pc)
	}

	p.mu.Lock()
	p.initializing = false
	if p.closed {
		p.mu.Unlock()
		for _, c := range created {
			p.destroyConnection(c, "pool_closed")
		}
		return closedError("initialize")
	}

	now := time.Now()
	for _, pc := range created {
		pc.state = StateAvailable
		pc.lastActivityAt = now
	}
	p.available = append(p.available, created...)
	p.initialized = true
	p.startTime = now

	if settings.validationEnabled() {
		workers, err := ants.NewPool(min(settings.MaxPoolSize, maxValidationWorkers))
		if err != nil {
			tflog.SubsystemWarn(p.ctx, subsystem, "Validation worker pool unavailable, validating sequentially", map[string]any{
				"error": err.Error(),
			})
		} else {
			p.workers = workers
		}
	}

	background := settings.pruningEnabled() || settings.validationEnabled()
	if background {
		p.pruner = newPruner(p, settings)
		p.pruner.start()
	}
	p.mu.Unlock()

	logPoolEvent(p.ctx, "pool_initialized", map[string]any{
		"strategy":    p.strategy.String(),
		"connections": len(created),
		"pruner":      background,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return nil
}

// acquisition is the outcome of one attempt to obtain a connection.
// Exactly one of conn, create or waiter is set.
type acquisition struct {
	conn      *PooledConnection
	create    bool
	waiter    chan *PooledConnection
	blockWait time.Duration
}

// CheckOut lends a connection to the caller. Depending on the strategy it
// may create a new connection or wait for one to be checked in.
func (p *Pool) CheckOut(ctx context.Context) (*PooledConnection, error) {
	start := time.Now()
	p.checkOuts.Add(1)

	var (
		timer    *time.Timer
		deadline <-chan time.Time
		requeue  bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acq, err := p.acquire(requeue)
		if err != nil {
			return nil, err
		}

		pc := acq.conn
		switch {
		case acq.create:
			pc, err = p.createActive(ctx)
			if err != nil {
				return nil, err
			}
			tflog.SubsystemTrace(p.ctx, subsystem, "Checked out new connection", p.connectionFields(pc, start))
			return pc, nil

		case acq.waiter != nil:
			if timer == nil && acq.blockWait > 0 {
				timer = time.NewTimer(acq.blockWait)
				deadline = timer.C
			}

			pc, err = p.await(ctx, acq.waiter, deadline, acq.blockWait)
			if err != nil {
				return nil, err
			}
			if pc == nil {
				requeue = true
				continue
			}
		}

		ok, err := p.activate(ctx, pc)
		if err != nil {
			return nil, err
		}
		if ok {
			tflog.SubsystemTrace(p.ctx, subsystem, "Checked out connection", p.connectionFields(pc, start))
			return pc, nil
		}
	}
}

// acquire reserves an idle connection, a slot to create one in, or a place
// in the wait queue. A requeued waiter goes to the front of the queue.
func (p *Pool) acquire(requeue bool) (acquisition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return acquisition{}, closedError("check_out")
	}
	if !p.initialized {
		return acquisition{}, notInitializedError("check_out")
	}

	if n := len(p.available); n > 0 {
		pc := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		pc.state = StateReserved
		p.pending++
		return acquisition{conn: pc}, nil
	}

	if limit, bounded := p.strategy.ceiling(p.settings); !bounded || p.totalLocked() < limit {
		p.pending++
		return acquisition{create: true}, nil
	}

	if !p.strategy.blocks() {
		return acquisition{}, newPoolError("check_out", ErrorCategoryExhausted, "", ErrPoolExhausted)
	}

	w := make(chan *PooledConnection, 1)
	if requeue {
		p.waiters = slices.Insert(p.waiters, 0, w)
	} else {
		p.waiters = append(p.waiters, w)
	}

	return acquisition{waiter: w, blockWait: p.settings.BlockWaitTime}, nil
}

// await blocks until the waiter is handed a connection, notified that a slot
// was freed (nil), the deadline passes or ctx is done.
func (p *Pool) await(ctx context.Context, w chan *PooledConnection, deadline <-chan time.Time, wait time.Duration) (*PooledConnection, error) {
	select {
	case pc := <-w:
		return pc, nil

	case <-deadline:
		p.timeouts.Add(1)
		logPoolEvent(p.ctx, "checkout_timeout", map[string]any{
			"strategy":        p.strategy.String(),
			"block_wait_time": wait.String(),
		})
		return nil, p.abandon(w, newPoolError("check_out", ErrorCategoryTimeout,
			fmt.Sprintf("no connection available within %s", wait), ErrBlockingTimeout))

	case <-ctx.Done():
		return nil, p.abandon(w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. If the waiter was already notified,
// the notification is passed on so it is not lost.
func (p *Pool) abandon(w chan *PooledConnection, cause error) error {
	p.mu.Lock()

	if i := slices.Index(p.waiters, w); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.mu.Unlock()
		return cause
	}

	// Notifiers send while holding the lock, so the value is already buffered.
	pc := <-w
	if pc == nil {
		p.notifySlotLocked()
		p.mu.Unlock()
		return cause
	}

	p.pending--
	if p.closed {
		pc.state = StateClosed
		p.mu.Unlock()
		p.destroyConnection(pc, "pool_closed")
		return cause
	}

	p.offerLocked(pc)
	p.mu.Unlock()
	return cause
}

// activate moves a reserved connection into the active set, validating it
// first when configured. It returns false if the connection was invalid and
// the caller should try again.
func (p *Pool) activate(ctx context.Context, pc *PooledConnection) (bool, error) {
	valid := true
	if p.settings.ValidateOnCheckOut {
		valid = p.validate(ctx, pc, "check_out")
	}

	p.mu.Lock()
	p.pending--

	if p.closed {
		pc.state = StateClosed
		p.mu.Unlock()
		p.destroyConnection(pc, "pool_closed")
		return false, closedError("check_out")
	}

	if !valid {
		pc.state = StateClosed
		p.notifySlotLocked()
		p.mu.Unlock()
		p.destroyConnection(pc, "validation_failed")
		if err := p.replenish(ctx, "check_out"); err != nil {
			return false, err
		}
		return false, nil
	}

	pc.state = StateActive
	p.active[pc] = struct{}{}
	p.mu.Unlock()
	return true, nil
}

// createActive creates a connection in a slot already reserved by acquire
// and lends it to the caller.
func (p *Pool) createActive(ctx context.Context) (*PooledConnection, error) {
	pc, err := p.createConnection(ctx, "check_out")

	p.mu.Lock()
	p.pending--

	if err != nil {
		p.notifySlotLocked()
		p.mu.Unlock()
		return nil, err
	}

	if p.closed {
		pc.state = StateClosed
		p.mu.Unlock()
		p.destroyConnection(pc, "pool_closed")
		return nil, closedError("check_out")
	}

	pc.state = StateActive
	p.active[pc] = struct{}{}
	p.mu.Unlock()
	return pc, nil
}

// CheckIn returns a connection obtained from CheckOut. Returning a connection
// that is not checked out from this pool fails with an InvalidConnection
// error. After Close, connections destroyed by Close are accepted silently.
func (p *Pool) CheckIn(pc *PooledConnection) error {
	if err := p.owns(pc); err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.active[pc]; !ok {
		err := p.notCheckedOutLocked(pc)
		p.mu.Unlock()
		return err
	}
	delete(p.active, pc)

	if !p.settings.ValidateOnCheckIn {
		pc.lastActivityAt = time.Now()
		p.offerLocked(pc)
		p.mu.Unlock()
		tflog.SubsystemTrace(p.ctx, subsystem, "Checked in connection", p.connectionFields(pc, time.Time{}))
		return nil
	}

	pc.state = StateReserved
	p.pending++
	p.mu.Unlock()

	valid := p.validate(p.ctx, pc, "check_in")

	p.mu.Lock()
	p.pending--

	if p.closed {
		pc.state = StateClosed
		p.mu.Unlock()
		p.destroyConnection(pc, "pool_closed")
		return nil
	}

	if valid {
		pc.lastActivityAt = time.Now()
		p.offerLocked(pc)
		p.mu.Unlock()
		tflog.SubsystemTrace(p.ctx, subsystem, "Checked in connection", p.connectionFields(pc, time.Time{}))
		return nil
	}

	pc.state = StateClosed
	p.notifySlotLocked()
	p.mu.Unlock()

	p.destroyConnection(pc, "validation_failed")
	return p.replenish(p.ctx, "check_in")
}

// Discard takes back a checked out connection that the caller found broken.
// The connection is destroyed instead of being made available, and the pool
// is replenished to its minimum size.
func (p *Pool) Discard(pc *PooledConnection) error {
	if err := p.owns(pc); err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.active[pc]; !ok {
		err := p.notCheckedOutLocked(pc)
		p.mu.Unlock()
		return err
	}
	delete(p.active, pc)
	pc.state = StateClosed
	p.notifySlotLocked()
	p.mu.Unlock()

	p.destroyConnection(pc, "discarded")
	return p.replenish(p.ctx, "discard")
}

func (p *Pool) owns(pc *PooledConnection) error {
	if pc == nil {
		return invalidConnectionError("connection is nil")
	}
	if pc.pool != p {
		return invalidConnectionError(fmt.Sprintf("connection %s does not belong to this pool", pc.id))
	}
	return nil
}

// notCheckedOutLocked explains why pc cannot be returned. Connections that
// Close already destroyed are accepted.
func (p *Pool) notCheckedOutLocked(pc *PooledConnection) error {
	if p.closed && pc.state == StateClosed {
		return nil
	}
	return invalidConnectionError(fmt.Sprintf("connection %s is not checked out (state %s)", pc.id, pc.state))
}

// offerLocked hands pc to the longest waiting caller, or makes it available.
// available stays ordered by lastActivityAt, least recent first.
func (p *Pool) offerLocked(pc *PooledConnection) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.state = StateReserved
		p.pending++
		w <- pc
		return
	}

	pc.state = StateAvailable
	i := slices.IndexFunc(p.available, func(other *PooledConnection) bool {
		return other.lastActivityAt.After(pc.lastActivityAt)
	})
	if i < 0 {
		p.available = append(p.available, pc)
		return
	}
	p.available = slices.Insert(p.available, i, pc)
}

// notifySlotLocked wakes the longest waiting caller so it can re-check
// whether a connection can be created.
func (p *Pool) notifySlotLocked() {
	if len(p.waiters) == 0 {
		return
	}

	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- nil
}

func (p *Pool) totalLocked() int {
	return len(p.available) + len(p.active) + p.pending
}

// replenish creates connections until the pool holds at least its minimum.
func (p *Pool) replenish(ctx context.Context, operation string) error {
	p.mu.Lock()
	deficit := p.settings.MinPoolSize - p.totalLocked()
	if p.closed || !p.initialized || deficit <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.pending += deficit
	p.mu.Unlock()

	for i := range deficit {
		pc, err := p.createConnection(ctx, operation)

		p.mu.Lock()
		if err != nil {
			remaining := deficit - i
			p.pending -= remaining
			for range remaining {
				p.notifySlotLocked()
			}
			p.mu.Unlock()

			logPoolEvent(p.ctx, "replenish_failed", map[string]any{
				"strategy":  p.strategy.String(),
				"operation": operation,
				"missing":   remaining,
				"error":     err.Error(),
			})
			return err
		}

		p.pending--
		if p.closed {
			pc.state = StateClosed
			p.mu.Unlock()
			p.destroyConnection(pc, "pool_closed")
			return nil
		}

		pc.lastActivityAt = time.Now()
		p.offerLocked(pc)
		p.mu.Unlock()
	}

	return nil
}

func (p *Pool) createConnection(ctx context.Context, operation string) (*PooledConnection, error) {
	start := time.Now()

	conn, err := p.factory.Create(ctx)
	if err == nil && conn == nil {
		err = fmt.Errorf("factory returned a nil connection")
	}
	if err != nil {
		logPoolEvent(p.ctx, "creation_failed", map[string]any{
			"strategy":    p.strategy.String(),
			"operation":   operation,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, creationError(operation, err)
	}

	now := time.Now()
	pc := &PooledConnection{
		conn:           conn,
		pool:           p,
		id:             uuid.NewString(),
		createdAt:      now,
		lastActivityAt: now,
		state:          StateReserved,
	}
	p.created.Add(1)

	logPoolEvent(p.ctx, "connection_created", p.connectionFields(pc, start))
	return pc, nil
}

// destroyConnection releases a connection that is no longer tracked by the
// pool. Destroy errors are logged and otherwise ignored.
func (p *Pool) destroyConnection(pc *PooledConnection, reason string) {
	fields := p.connectionFields(pc, time.Time{})
	fields["reason"] = reason

	if err := p.factory.Destroy(pc.conn); err != nil {
		fields["error"] = err.Error()
		logPoolEvent(p.ctx, "destroy_failed", fields)
	} else {
		logPoolEvent(p.ctx, "connection_destroyed", fields)
	}
	p.destroyed.Add(1)
}

func (p *Pool) validate(ctx context.Context, pc *PooledConnection, operation string) bool {
	if p.validator == nil {
		return true
	}

	if p.validator.Validate(ctx, pc.conn) {
		return true
	}

	p.validationFailures.Add(1)
	fields := p.connectionFields(pc, time.Time{})
	fields["operation"] = operation
	logPoolEvent(p.ctx, "validation_failed", fields)
	return false
}

// Close shuts the pool down. Waiting callers fail with ErrPoolClosed, the
// pruner is stopped and every connection, idle or checked out, is destroyed.
// Close is idempotent.
func (p *Pool) Close() error {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	drained := make([]*PooledConnection, 0, len(p.available)+len(p.active))
	drained = append(drained, p.available...)
	for pc := range p.active {
		drained = append(drained, pc)
	}
	for _, pc := range drained {
		pc.state = StateClosed
	}
	p.available = nil
	clear(p.active)

	for _, w := range p.waiters {
		w <- nil
	}
	p.waiters = nil

	pr, workers := p.pruner, p.workers
	p.pruner, p.workers = nil, nil
	p.mu.Unlock()

	if pr != nil {
		pr.stop()
	}
	if workers != nil {
		workers.Release()
	}

	for _, pc := range drained {
		p.destroyConnection(pc, "pool_closed")
	}

	logPoolEvent(p.ctx, "pool_closed", map[string]any{
		"strategy":    p.strategy.String(),
		"destroyed":   len(drained),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return nil
}

// AvailableCount returns the number of idle connections.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// ActiveCount returns the number of checked-out connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// PoolConfig returns the pool configuration. It is read-only once the pool
// is initialized.
func (p *Pool) PoolConfig() *Config {
	return p.config
}

// Strategy returns the acquisition strategy chosen at construction.
func (p *Pool) Strategy() Strategy {
	return p.strategy
}

// IsInitialized reports whether Initialize has completed.
func (p *Pool) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a point-in-time view of the pool and its lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	stats := Stats{
		Strategy:  p.strategy,
		Available: len(p.available),
		Active:    len(p.active),
		Pending:   p.pending,
		Waiters:   len(p.waiters),
	}
	if p.initialized {
		stats.Uptime = time.Since(p.startTime)
	}
	p.mu.Unlock()

	stats.Created = p.created.Load()
	stats.Destroyed = p.destroyed.Load()
	stats.ValidationFailures = p.validationFailures.Load()
	stats.Timeouts = p.timeouts.Load()
	stats.CheckOuts = p.checkOuts.Load()

	return stats
}
