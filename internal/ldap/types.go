package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	Domain   string             // Domain for SRV discovery
	LDAPURLs []string           // Direct LDAP URLs (overrides domain)
	BaseDN   string             // Base DN for searches
	Timeout  time.Duration      // Dial and operation timeout
	Strategy ConnectionStrategy // Order in which servers are tried

	// Authentication settings
	Username       string // Username for authentication (DN, UPN, or SAM format)
	Password       string // Password for simple bind authentication
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosCCache string // Path to Kerberos credential cache
	KerberosSPN    string // Service principal override

	// TLS settings
	TLSConfig         *tls.Config // Custom TLS configuration
	UseTLS            bool        // Upgrade plain connections with StartTLS
	SkipTLS           bool        // Skip TLS entirely (not recommended)
	TLSCACertFile     string      // Path to CA certificate file
	TLSClientCertFile string      // Path to client certificate file
	TLSClientKeyFile  string      // Path to client private key file

	// Retry settings
	MaxRetries     int           // Maximum retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Backoff multiplication factor
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		Strategy:       StrategyDefault,
		UseTLS:         true,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Certificate validation enabled by default
			InsecureSkipVerify: false,
		},
	}
}

// Validate checks the connection configuration.
func (c *ConnectionConfig) Validate() error {
	if c.Domain == "" && len(c.LDAPURLs) == 0 {
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if c.MaxRetries > 0 && c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be at least 1.0")
	}

	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("backoff durations cannot be negative")
	}

	if !c.Strategy.valid() {
		return fmt.Errorf("unknown connection strategy %d", int(c.Strategy))
	}

	return nil
}

// ConnectionStrategy decides the order in which configured servers are
// tried when opening a connection.
type ConnectionStrategy int

const (
	// StrategyDefault tries servers in configured order, failing over to the
	// next one on error.
	StrategyDefault ConnectionStrategy = iota
	// StrategyRoundRobin starts each attempt at the server after the one
	// used previously.
	StrategyRoundRobin
	// StrategyRandom starts each attempt at a randomly chosen server.
	StrategyRandom
)

func (s ConnectionStrategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyRandom:
		return "random"
	default:
		return "unknown"
	}
}

func (s ConnectionStrategy) valid() bool {
	return s >= StrategyDefault && s <= StrategyRandom
}

// ParseConnectionStrategy converts a strategy name to a ConnectionStrategy.
func ParseConnectionStrategy(name string) (ConnectionStrategy, error) {
	switch name {
	case "", "default":
		return StrategyDefault, nil
	case "round_robin":
		return StrategyRoundRobin, nil
	case "random":
		return StrategyRandom, nil
	default:
		return StrategyDefault, fmt.Errorf("unknown connection strategy %q", name)
	}
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	Filter       string
	Attributes   []string
	SizeLimit    int
	TimeLimit    time.Duration
	DerefAliases DerefAliases
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
	HasMore bool
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModifyRequest encapsulates LDAP modify parameters.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  []string
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // Username/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
	AuthMethodExternal                     // External/certificate authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.Username != "") {
		return AuthMethodKerberos
	}

	if c.Username != "" && c.Password != "" {
		return AuthMethodSimpleBind
	}

	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}

	return AuthMethodSimpleBind
}

// HasAuthentication checks if any authentication method is configured.
func (c *ConnectionConfig) HasAuthentication() bool {
	hasPassword := c.Username != "" && c.Password != ""
	hasKerberos := c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.Username != "")
	hasExternal := c.TLSClientCertFile != "" && c.TLSClientKeyFile != ""

	return hasPassword || hasKerberos || hasExternal
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
