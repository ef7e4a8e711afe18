package ldap

import (
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Connection is an open, authenticated LDAP connection created by a
// ConnectionFactory. It is not safe for concurrent use; a pool lends it to
// one caller at a time.
type Connection struct {
	client     ldap.Client
	serverInfo *ServerInfo
	authMethod AuthMethod
	openedAt   time.Time

	closeOnce sync.Once
	closeErr  error
}

func newConnection(client ldap.Client, server *ServerInfo, method AuthMethod) *Connection {
	return &Connection{
		client:     client,
		serverInfo: server,
		authMethod: method,
		openedAt:   time.Now(),
	}
}

// Client returns the underlying go-ldap client.
func (c *Connection) Client() ldap.Client {
	return c.client
}

func (c *Connection) ServerInfo() *ServerInfo {
	return c.serverInfo
}

func (c *Connection) AuthMethod() AuthMethod {
	return c.authMethod
}

func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}

// IsClosing reports whether the underlying connection is shutting down.
func (c *Connection) IsClosing() bool {
	return c.client == nil || c.client.IsClosing()
}

// Close closes the underlying connection. Subsequent calls return the
// result of the first.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.client != nil {
			c.closeErr = c.client.Close()
		}
	})
	return c.closeErr
}
