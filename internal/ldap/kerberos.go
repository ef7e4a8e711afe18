package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// gssapiBinder is implemented by *ldap.Conn.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// kerberosSettings is the resolved Kerberos configuration for a bind.
type kerberosSettings struct {
	principal  string
	realm      string
	password   string
	keytab     string
	ccache     string
	krb5conf   string
	servicePrn string
}

// performKerberosAuth performs a GSSAPI bind on client.
func performKerberosAuth(client ldap.Client, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	binder, ok := client.(gssapiBinder)
	if !ok {
		return fmt.Errorf("connection of type %T does not support GSSAPI bind", client)
	}

	settings, err := prepareKerberosConfig(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(settings)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	if err := binder.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(s *kerberosSettings) (ldap.GSSAPIClient, error) {
	if !fileExists(s.krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", s.krb5conf)
	}

	switch {
	case s.ccache != "":
		return gssapi.NewClientFromCCache(s.ccache, s.krb5conf, krb5client.DisablePAFXFAST(true))
	case s.keytab != "":
		return gssapi.NewClientWithKeytab(s.principal, s.realm, s.keytab, s.krb5conf, krb5client.DisablePAFXFAST(true))
	case s.password != "":
		return gssapi.NewClientWithPassword(s.principal, s.realm, s.password, s.krb5conf, krb5client.DisablePAFXFAST(true))
	default:
		return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
	}
}

// buildServicePrincipal returns the LDAP service principal for serverInfo,
// or cfg.KerberosSPN when set.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := serverInfo.Host
	if i := strings.Index(hostname, ":"); i != -1 {
		hostname = hostname[:i]
	}

	return "ldap/" + hostname, nil
}

// prepareKerberosConfig resolves principal, realm and credential sources
// without modifying cfg.
func prepareKerberosConfig(cfg *ConnectionConfig) (*kerberosSettings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	s := &kerberosSettings{
		principal: cfg.Username,
		realm:     cfg.KerberosRealm,
		password:  cfg.Password,
		krb5conf:  cfg.KerberosConfig,
	}
	if s.krb5conf == "" {
		s.krb5conf = defaultKrb5Conf
	}

	// user@REALM
	if user, realm, ok := strings.Cut(s.principal, "@"); ok {
		s.principal = user
		if s.realm == "" {
			s.realm = realm
		}
	}

	if s.realm == "" {
		return nil, fmt.Errorf("kerberos realm is required (set KerberosRealm or include realm in username)")
	}

	if s.principal == "" {
		return nil, fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	switch {
	case fileExists(cfg.KerberosCCache):
		s.ccache = cfg.KerberosCCache
	case fileExists(getDefaultCCachePath()):
		s.ccache = getDefaultCCachePath()
	case fileExists(cfg.KerberosKeytab):
		s.keytab = cfg.KerberosKeytab
	case fileExists(getDefaultKeytabPath()):
		s.keytab = getDefaultKeytabPath()
	case s.password == "":
		return nil, fmt.Errorf("no suitable Kerberos credentials found: provide a credential cache, keytab or password")
	}

	return s, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}

	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
