package ldap

import (
	"context"
	"fmt"
	"sync"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

// PooledConnectionFactory lends connections from a pool backed by a
// ConnectionFactory.
type PooledConnectionFactory struct {
	factory *ConnectionFactory
	pool    *pool.Pool
}

// NewPooledConnectionFactory builds an uninitialized pool over factory. A
// nil cfg uses pool.DefaultConfig.
func NewPooledConnectionFactory(ctx context.Context, factory *ConnectionFactory, strategy pool.Strategy, cfg *pool.Config) (*PooledConnectionFactory, error) {
	if factory == nil {
		return nil, fmt.Errorf("connection factory is required")
	}

	p, err := pool.New(ctx, strategy, cfg, factory)
	if err != nil {
		return nil, err
	}

	return &PooledConnectionFactory{
		factory: factory,
		pool:    p,
	}, nil
}

// Initialize fills the pool to its minimum size.
func (f *PooledConnectionFactory) Initialize(ctx context.Context) error {
	return f.pool.Initialize(ctx)
}

// GetConnection checks a connection out of the pool. The caller must Close
// the returned handle to give the connection back.
func (f *PooledConnectionFactory) GetConnection(ctx context.Context) (*PooledConnection, error) {
	pc, err := f.pool.CheckOut(ctx)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.Connection().(*Connection)
	if !ok {
		_ = f.pool.CheckIn(pc)
		return nil, fmt.Errorf("unexpected pooled connection type %T", pc.Connection())
	}

	return &PooledConnection{
		conn:   conn,
		pooled: pc,
		pool:   f.pool,
	}, nil
}

// Pool returns the underlying pool.
func (f *PooledConnectionFactory) Pool() *pool.Pool {
	return f.pool
}

func (f *PooledConnectionFactory) Factory() *ConnectionFactory {
	return f.factory
}

// Close closes the pool and every connection it created.
func (f *PooledConnectionFactory) Close() error {
	return f.pool.Close()
}

// PooledConnection is a borrowed connection. Close returns it to the pool
// instead of closing it.
type PooledConnection struct {
	conn   *Connection
	pooled *pool.PooledConnection
	pool   *pool.Pool

	once     sync.Once
	closeErr error
}

// Connection returns the borrowed connection.
func (c *PooledConnection) Connection() *Connection {
	return c.conn
}

func (c *PooledConnection) ServerInfo() *ServerInfo {
	return c.conn.ServerInfo()
}

// ID returns the pool's identifier for the connection.
func (c *PooledConnection) ID() string {
	return c.pooled.ID()
}

// Close checks the connection back in. Only the first call has any effect.
func (c *PooledConnection) Close() error {
	c.once.Do(func() {
		c.closeErr = c.pool.CheckIn(c.pooled)
	})
	return c.closeErr
}
