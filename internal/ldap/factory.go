package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

// DialFunc opens a transport-level connection to server. Implementations
// must not authenticate or upgrade the connection.
type DialFunc func(ctx context.Context, server *ServerInfo) (ldap.Client, error)

// ConnectionFactory creates authenticated LDAP connections. It implements
// pool.Factory and, when a validator is configured, pool.Validator.
type ConnectionFactory struct {
	ctx       context.Context // Logging context with LDAP subsystem
	config    *ConnectionConfig
	tlsConfig *tls.Config
	dial      DialFunc
	validator pool.Validator
	resolver  Resolver
	servers   []*ServerInfo

	next     atomic.Uint64
	created  atomic.Int64
	failures atomic.Int64
}

// FactoryOption configures a ConnectionFactory.
type FactoryOption func(*ConnectionFactory)

// WithDialFunc replaces the network dialer.
func WithDialFunc(dial DialFunc) FactoryOption {
	return func(f *ConnectionFactory) {
		f.dial = dial
	}
}

// WithConnectionValidator sets the validator used by Validate.
func WithConnectionValidator(v pool.Validator) FactoryOption {
	return func(f *ConnectionFactory) {
		f.validator = v
	}
}

// WithResolver sets the DNS resolver used for SRV discovery.
func WithResolver(r Resolver) FactoryOption {
	return func(f *ConnectionFactory) {
		f.resolver = r
	}
}

// FactoryStats reports connection attempts made by a factory.
type FactoryStats struct {
	Servers  int
	Created  int64
	Failures int64
}

// NewConnectionFactory validates cfg, prepares TLS material and resolves the
// server list. A nil cfg is replaced with DefaultConfig. ctx bounds server
// discovery; afterwards only its logger is kept.
func NewConnectionFactory(ctx context.Context, cfg *ConnectionConfig, opts ...FactoryOption) (*ConnectionFactory, error) {
	start := time.Now()

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	f := &ConnectionFactory{
		ctx:       context.WithoutCancel(NewLoggingContext(ctx)),
		config:    cfg,
		tlsConfig: tlsConfig,
		resolver:  net.DefaultResolver,
	}
	f.dial = f.dialServer

	for _, opt := range opts {
		opt(f)
	}

	if err := f.discoverServers(ctx); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	tflog.SubsystemDebug(f.ctx, subsystem, "Connection factory created", map[string]any{
		"server_count": len(f.servers),
		"strategy":     cfg.Strategy.String(),
		"auth_method":  cfg.GetAuthMethod().String(),
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	return f, nil
}

func (f *ConnectionFactory) discoverServers(ctx context.Context) error {
	var servers []*ServerInfo

	switch {
	case len(f.config.LDAPURLs) > 0:
		for _, rawURL := range f.config.LDAPURLs {
			server, err := ParseLDAPURL(rawURL)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", rawURL, err)
			}
			servers = append(servers, server)
		}
	case f.config.Domain != "":
		ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()

		discovered, err := NewSRVDiscoveryWithResolver(f.ctx, f.resolver).DiscoverServers(ctx, f.config.Domain)
		if err != nil {
			return err
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	f.servers = servers
	return nil
}

// buildTLSConfig returns the TLS configuration shared by LDAPS and StartTLS.
func buildTLSConfig(cfg *ConnectionConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	}

	if cfg.TLSCACertFile != "" {
		pem, err := os.ReadFile(cfg.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACertFile)
		}
		tlsConfig.RootCAs = roots
	}

	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	return tlsConfig, nil
}

// tlsConfigFor returns the TLS configuration for server with ServerName set.
func (f *ConnectionFactory) tlsConfigFor(server *ServerInfo) *tls.Config {
	tlsConfig := f.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}
	return tlsConfig
}

// Create opens a connection to the first server that accepts it, in
// strategy order. Every server is tried on each attempt; failed attempts are
// retried with exponential backoff. Authentication failures are not retried.
func (f *ConnectionFactory) Create(ctx context.Context) (pool.Connection, error) {
	start := time.Now()
	backoff := f.config.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		for _, server := range f.orderedServers() {
			conn, err := f.open(ctx, server)
			if err == nil {
				f.created.Add(1)
				LogConnectionEvent(f.ctx, "connection_established", map[string]any{
					"server":      ServerInfoToURL(server),
					"attempt":     attempt + 1,
					"auth_method": conn.AuthMethod().String(),
					"duration_ms": time.Since(start).Milliseconds(),
				})
				return conn, nil
			}

			f.failures.Add(1)
			lastErr = err

			if IsAuthenticationError(err) {
				LogConnectionEvent(f.ctx, "authentication_failed", map[string]any{
					"server": ServerInfoToURL(server),
					"error":  err.Error(),
				})
				return nil, err
			}

			LogConnectionEvent(f.ctx, "connection_failed", map[string]any{
				"server":  ServerInfoToURL(server),
				"attempt": attempt + 1,
				"error":   err.Error(),
			})

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if attempt < f.config.MaxRetries {
			LogConnectionEvent(f.ctx, "connection_retry", map[string]any{
				"attempt":    attempt + 1,
				"backoff_ms": backoff.Milliseconds(),
			})

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = f.nextBackoff(backoff)
		}
	}

	return nil, NewConnectionError(
		fmt.Sprintf("failed to connect to any of %d servers after %d attempts", len(f.servers), f.config.MaxRetries+1),
		true, lastErr)
}

func (f *ConnectionFactory) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * f.config.BackoffFactor)
	if f.config.MaxBackoff > 0 {
		next = min(next, f.config.MaxBackoff)
	}
	return next
}

// orderedServers returns the servers in the order the strategy tries them.
func (f *ConnectionFactory) orderedServers() []*ServerInfo {
	n := len(f.servers)

	var first int
	switch f.config.Strategy {
	case StrategyRoundRobin:
		first = int((f.next.Add(1) - 1) % uint64(n))
	case StrategyRandom:
		first = rand.IntN(n)
	default:
		return f.servers
	}

	ordered := make([]*ServerInfo, 0, n)
	ordered = append(ordered, f.servers[first:]...)
	return append(ordered, f.servers[:first]...)
}

// open dials server, upgrades it with StartTLS when required and binds.
func (f *ConnectionFactory) open(ctx context.Context, server *ServerInfo) (*Connection, error) {
	url := ServerInfoToURL(server)
	LogConnectionEvent(f.ctx, "connection_attempt", map[string]any{"server": url})

	client, err := f.dial(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && f.config.UseTLS && !f.config.SkipTLS {
		if err := client.StartTLS(f.tlsConfigFor(server)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", url, err)
		}
	}

	client.SetTimeout(f.config.Timeout)

	method := f.config.GetAuthMethod()
	if err := f.authenticate(client, server, method); err != nil {
		_ = client.Close()
		return nil, bindError(err)
	}

	return newConnection(client, server, method), nil
}

// bindError classifies a failed bind. Anything other than a broken
// connection is treated as an authentication failure.
func bindError(err error) *LDAPError {
	ldapErr := NewLDAPError("bind", err)
	if !IsConnectionError(ldapErr) {
		ldapErr.Category = ErrorCategoryAuthentication
		ldapErr.Retryable = false
	}
	return ldapErr
}

func (f *ConnectionFactory) authenticate(client ldap.Client, server *ServerInfo, method AuthMethod) error {
	if !f.config.HasAuthentication() {
		return nil
	}

	switch method {
	case AuthMethodKerberos:
		return performKerberosAuth(client, f.config, server)
	case AuthMethodExternal:
		return client.ExternalBind()
	case AuthMethodSimpleBind:
		return client.Bind(f.config.Username, f.config.Password)
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}
}

func (f *ConnectionFactory) dialServer(ctx context.Context, server *ServerInfo) (ldap.Client, error) {
	dialer := &net.Dialer{Timeout: f.config.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(f.tlsConfigFor(server)))
	}

	conn, err := ldap.DialURL(ServerInfoToURL(server), opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Destroy closes a connection created by Create.
func (f *ConnectionFactory) Destroy(conn pool.Connection) error {
	c, ok := conn.(*Connection)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}

	LogConnectionEvent(f.ctx, "connection_closed", map[string]any{
		"server":    ServerInfoToURL(c.ServerInfo()),
		"opened_ms": time.Since(c.OpenedAt()).Milliseconds(),
	})
	return c.Close()
}

// Validate checks conn with the configured validator. Without a validator
// only closed connections are rejected.
func (f *ConnectionFactory) Validate(ctx context.Context, conn pool.Connection) bool {
	c, ok := conn.(*Connection)
	if !ok || c.IsClosing() {
		return false
	}

	if f.validator == nil {
		return true
	}

	if !f.validator.Validate(ctx, c) {
		LogConnectionEvent(f.ctx, "validation_failed", map[string]any{
			"server": ServerInfoToURL(c.ServerInfo()),
		})
		return false
	}
	return true
}

// Servers returns the servers this factory connects to.
func (f *ConnectionFactory) Servers() []*ServerInfo {
	return f.servers
}

func (f *ConnectionFactory) Config() *ConnectionConfig {
	return f.config
}

func (f *ConnectionFactory) Stats() FactoryStats {
	return FactoryStats{
		Servers:  len(f.servers),
		Created:  f.created.Load(),
		Failures: f.failures.Load(),
	}
}
