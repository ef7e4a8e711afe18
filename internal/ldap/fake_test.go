package ldap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))

// fakeServer stands in for a directory. It hands out fakeLDAPClients from
// its dial method and scripts their results.
type fakeServer struct {
	mu sync.Mutex

	dialErrs    map[string]error // keyed by host
	bindErr     error
	startTLSErr error
	opErrs      []error // consumed one per operation, nil means success
	compare     bool
	entries     []*ldap.Entry

	dials    []string
	clients  []*fakeLDAPClient
	searches []*ldap.SearchRequest
	ops      int
}

func newFakeServer() *fakeServer {
	return &fakeServer{dialErrs: make(map[string]error)}
}

func (s *fakeServer) dial(_ context.Context, server *ServerInfo) (ldap.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials = append(s.dials, server.Host)
	if err := s.dialErrs[server.Host]; err != nil {
		return nil, err
	}

	c := &fakeLDAPClient{server: s, host: server.Host}
	s.clients = append(s.clients, c)
	return c, nil
}

func (s *fakeServer) failDial(host string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs[host] = err
}

func (s *fakeServer) setBindErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindErr = err
}

func (s *fakeServer) queueOpErrs(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opErrs = append(s.opErrs, errs...)
}

func (s *fakeServer) nextOpErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops++
	if len(s.opErrs) == 0 {
		return nil
	}
	err := s.opErrs[0]
	s.opErrs = s.opErrs[1:]
	return err
}

func (s *fakeServer) dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dials...)
}

func (s *fakeServer) client(i int) *fakeLDAPClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[i]
}

func (s *fakeServer) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *fakeServer) opCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops
}

func (s *fakeServer) lastSearch() *ldap.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.searches) == 0 {
		return nil
	}
	return s.searches[len(s.searches)-1]
}

// fakeLDAPClient implements the parts of ldap.Client the package uses.
// Calling anything else panics on the nil embedded interface.
type fakeLDAPClient struct {
	ldap.Client

	server *fakeServer
	host   string

	closed        atomic.Bool
	timeout       time.Duration
	startTLS      *tls.Config
	boundAs       string
	binds         int
	externalBinds int
}

func (c *fakeLDAPClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeLDAPClient) IsClosing() bool {
	return c.closed.Load()
}

func (c *fakeLDAPClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *fakeLDAPClient) StartTLS(cfg *tls.Config) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.startTLS = cfg
	return c.server.startTLSErr
}

func (c *fakeLDAPClient) Bind(username, password string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.binds++
	if c.server.bindErr != nil {
		return c.server.bindErr
	}
	c.boundAs = username
	return nil
}

func (c *fakeLDAPClient) ExternalBind() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.externalBinds++
	return c.server.bindErr
}

func (c *fakeLDAPClient) operation() error {
	if c.closed.Load() {
		return errFakeClosed
	}
	return c.server.nextOpErr()
}

func (c *fakeLDAPClient) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.server.mu.Lock()
	c.server.searches = append(c.server.searches, req)
	entries := c.server.entries
	c.server.mu.Unlock()

	if err := c.operation(); err != nil {
		return nil, err
	}
	return &ldap.SearchResult{Entries: entries}, nil
}

func (c *fakeLDAPClient) SearchWithPaging(req *ldap.SearchRequest, _ uint32) (*ldap.SearchResult, error) {
	return c.Search(req)
}

func (c *fakeLDAPClient) Compare(_, _, _ string) (bool, error) {
	if err := c.operation(); err != nil {
		return false, err
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.server.compare, nil
}

func (c *fakeLDAPClient) Add(*ldap.AddRequest) error {
	return c.operation()
}

func (c *fakeLDAPClient) Modify(*ldap.ModifyRequest) error {
	return c.operation()
}

func (c *fakeLDAPClient) Del(*ldap.DelRequest) error {
	return c.operation()
}

// testConfig returns a configuration for plain LDAP servers that retries
// quickly.
func testConfig(urls ...string) *ConnectionConfig {
	cfg := DefaultConfig()
	cfg.LDAPURLs = urls
	cfg.Username = "cn=admin,dc=example,dc=com"
	cfg.Password = "secret"
	cfg.MaxRetries = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func newTestFactory(t *testing.T, server *fakeServer, cfg *ConnectionConfig, opts ...FactoryOption) *ConnectionFactory {
	t.Helper()

	opts = append([]FactoryOption{WithDialFunc(server.dial)}, opts...)
	f, err := NewConnectionFactory(t.Context(), cfg, opts...)
	require.NoError(t, err)
	return f
}

// writeTestCertificate writes a self-signed certificate and its key as PEM
// files and returns their paths.
func writeTestCertificate(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ldap-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
