package pool

import (
	"context"
	"fmt"
	"time"
)

// Connection is an opaque resource managed by a pool.
type Connection any

// Factory creates and destroys connections.
// Implementations must be safe for concurrent use.
type Factory interface {
	Create(ctx context.Context) (Connection, error)
	Destroy(conn Connection) error
}

// Validator reports whether a connection is still usable.
// Implementations must be safe for concurrent use.
type Validator interface {
	Validate(ctx context.Context, conn Connection) bool
}

// ValidatorFunc adapts an ordinary function to the Validator interface.
type ValidatorFunc func(ctx context.Context, conn Connection) bool

func (f ValidatorFunc) Validate(ctx context.Context, conn Connection) bool {
	return f(ctx, conn)
}

// FactoryFuncs adapts a pair of functions to the Factory interface.
// A nil DestroyFunc makes Destroy a no-op.
type FactoryFuncs struct {
	CreateFunc  func(ctx context.Context) (Connection, error)
	DestroyFunc func(conn Connection) error
}

// Create calls CreateFunc.
func (f FactoryFuncs) Create(ctx context.Context) (Connection, error) {
	return f.CreateFunc(ctx)
}

// Destroy calls DestroyFunc.
func (f FactoryFuncs) Destroy(conn Connection) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(conn)
}

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateAvailable State = iota
	StateActive
	StateReserved
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateActive:
		return "active"
	case StateReserved:
		return "reserved"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PooledConnection wraps a connection owned by a pool.
type PooledConnection struct {
	conn      Connection
	pool      *Pool
	id        string
	createdAt time.Time

	// guarded by pool.mu
	lastActivityAt time.Time
	state          State
}

// Connection returns the underlying connection.
func (pc *PooledConnection) Connection() Connection {
	return pc.conn
}

func (pc *PooledConnection) ID() string {
	return pc.id
}

func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.createdAt
}

// LastActivityAt returns when the connection was created or last returned
// to the pool.
func (pc *PooledConnection) LastActivityAt() time.Time {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.lastActivityAt
}

// State returns the connection's current membership state.
func (pc *PooledConnection) State() State {
	pc.pool.mu.Lock()
	defer pc.pool.mu.Unlock()
	return pc.state
}
