/*
Package ldap provides pooled LDAP connections on top of the pool package.

# Architecture Overview

The package is organized into several core components:

  - Connection: a single bound LDAP connection and the server it talks to
  - ConnectionFactory: opens, binds, validates and destroys connections
  - SearchValidator and CompareValidator: connection health checks
  - PooledConnectionFactory: a pool of connections from a ConnectionFactory
  - Client: directory operations with retry on pooled connections

# Connection Management

ConnectionFactory resolves its servers once, either from LDAP URLs or from
SRV records of a domain, and tries them in the configured order:

  - Failover tries servers in priority order
  - RoundRobin rotates the first server on every connection
  - Random starts from a random server
  - Failed attempts are retried with exponential backoff
  - StartTLS is negotiated on ldap:// URLs unless TLS is skipped
  - Simple, SASL EXTERNAL and Kerberos (GSSAPI) binds are supported

Authentication failures are never retried.

# Pooling

PooledConnectionFactory hands a ConnectionFactory to a pool.Pool using one
of the pool strategies (SoftLimit, Blocking or Shared). The factory doubles
as the pool's validator. Connections are returned to the pool with
PooledConnection.Close.

Client borrows a fresh connection for each attempt of an operation. A
connection that fails with a transport error is discarded rather than
returned, so the pool replaces it.

# Error Handling

The package provides structured error handling through LDAPError:

  - Categorized errors (connection, authentication, pool, etc.)
  - Retryable error classification
  - Server message and matched DN preservation

Errors raised by the pool keep their pool.PoolError in the chain and can be
matched with errors.Is against the pool sentinels.

# Logging

Logging uses the tflog "ldap" subsystem. Its level can be controlled with
the VT_LOG_LDAP environment variable. Credentials are removed from logged
fields.

# Example Usage

	cfg := ldap.DefaultConfig()
	cfg.LDAPURLs = []string{"ldap://directory.vt.edu"}
	cfg.Username = "uid=service,ou=services,dc=vt,dc=edu"
	cfg.Password = password

	poolConfig := pool.DefaultConfig()
	_ = poolConfig.SetMaxPoolSize(20)

	client, err := ldap.NewClient(ctx, cfg, pool.Blocking, poolConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Search(ctx, &ldap.SearchRequest{
		BaseDN: "ou=people,dc=vt,dc=edu",
		Scope:  ldap.ScopeWholeSubtree,
		Filter: "(uid=alice)",
	})
*/
package ldap
