package ldap

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, StrategyDefault, cfg.Strategy)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	require.NotNil(t, cfg.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.TLSConfig.MinVersion)
	assert.False(t, cfg.TLSConfig.InsecureSkipVerify)

	// Needs a server before it validates.
	assert.Error(t, cfg.Validate())
	cfg.LDAPURLs = []string{"ldap://dc1.example.com"}
	assert.NoError(t, cfg.Validate())
}

func TestConnectionConfig_Validate(t *testing.T) {
	valid := func(mutate func(*ConnectionConfig)) *ConnectionConfig {
		cfg := DefaultConfig()
		cfg.Domain = "example.com"
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		config  *ConnectionConfig
		wantErr string
	}{
		{name: "valid", config: valid(func(*ConnectionConfig) {})},
		{name: "no servers", config: valid(func(c *ConnectionConfig) { c.Domain = "" }), wantErr: "either domain or LDAP URLs"},
		{name: "zero timeout", config: valid(func(c *ConnectionConfig) { c.Timeout = 0 }), wantErr: "timeout must be positive"},
		{name: "negative retries", config: valid(func(c *ConnectionConfig) { c.MaxRetries = -1 }), wantErr: "MaxRetries"},
		{name: "shrinking backoff", config: valid(func(c *ConnectionConfig) { c.BackoffFactor = 0.5 }), wantErr: "BackoffFactor"},
		{name: "backoff factor ignored without retries", config: valid(func(c *ConnectionConfig) { c.MaxRetries = 0; c.BackoffFactor = 0 })},
		{name: "negative backoff", config: valid(func(c *ConnectionConfig) { c.InitialBackoff = -time.Second }), wantErr: "backoff durations"},
		{name: "unknown strategy", config: valid(func(c *ConnectionConfig) { c.Strategy = ConnectionStrategy(7) }), wantErr: "unknown connection strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseConnectionStrategy(t *testing.T) {
	for _, s := range []ConnectionStrategy{StrategyDefault, StrategyRoundRobin, StrategyRandom} {
		got, err := ParseConnectionStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseConnectionStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDefault, got)

	_, err = ParseConnectionStrategy("fastest")
	assert.ErrorContains(t, err, "unknown connection strategy")
	assert.Equal(t, "unknown", ConnectionStrategy(9).String())
}

func TestConnectionConfig_GetAuthMethod(t *testing.T) {
	tests := []struct {
		name     string
		config   *ConnectionConfig
		expected AuthMethod
	}{
		{
			name:     "simple bind with username and password",
			config:   &ConnectionConfig{Username: "testuser", Password: "testpass"},
			expected: AuthMethodSimpleBind,
		},
		{
			name:     "kerberos with realm and keytab",
			config:   &ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosKeytab: "/path/to/keytab"},
			expected: AuthMethodKerberos,
		},
		{
			name:     "kerberos takes precedence over password",
			config:   &ConnectionConfig{Username: "testuser", Password: "testpass", KerberosRealm: "EXAMPLE.COM"},
			expected: AuthMethodKerberos,
		},
		{
			name:     "external auth with client certificates",
			config:   &ConnectionConfig{TLSClientCertFile: "/path/to/cert.pem", TLSClientKeyFile: "/path/to/key.pem"},
			expected: AuthMethodExternal,
		},
		{
			name:     "empty config defaults to simple bind",
			config:   &ConnectionConfig{},
			expected: AuthMethodSimpleBind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.GetAuthMethod())
		})
	}
}

func TestConnectionConfig_HasAuthentication(t *testing.T) {
	assert.True(t, (&ConnectionConfig{Username: "u", Password: "p"}).HasAuthentication())
	assert.True(t, (&ConnectionConfig{KerberosRealm: "EXAMPLE.COM", Username: "u"}).HasAuthentication())
	assert.True(t, (&ConnectionConfig{TLSClientCertFile: "c.pem", TLSClientKeyFile: "k.pem"}).HasAuthentication())
	assert.False(t, (&ConnectionConfig{Username: "u"}).HasAuthentication())
	assert.False(t, (&ConnectionConfig{KerberosRealm: "EXAMPLE.COM"}).HasAuthentication())
	assert.False(t, (&ConnectionConfig{}).HasAuthentication())
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "simple", AuthMethodSimpleBind.String())
	assert.Equal(t, "kerberos", AuthMethodKerberos.String())
	assert.Equal(t, "external", AuthMethodExternal.String())
	assert.Equal(t, "unknown", AuthMethod(999).String())

	assert.Equal(t, "base", ScopeBaseObject.String())
	assert.Equal(t, "one", ScopeSingleLevel.String())
	assert.Equal(t, "sub", ScopeWholeSubtree.String())
}
