package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Resolver looks up DNS SRV records. *net.Resolver satisfies it.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery locates directory servers for a domain using DNS SRV records.
type SRVDiscovery struct {
	ctx      context.Context // Logging context with LDAP subsystem
	resolver Resolver
}

// NewSRVDiscovery creates a discovery instance using the default resolver.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return NewSRVDiscoveryWithResolver(ctx, net.DefaultResolver)
}

func NewSRVDiscoveryWithResolver(ctx context.Context, resolver Resolver) *SRVDiscovery {
	return &SRVDiscovery{
		ctx:      ctx,
		resolver: resolver,
	}
}

// DiscoverServers returns the servers advertised for domain, in order:
//  1. _ldaps._tcp.<domain> (preferred; later services are skipped when found)
//  2. _ldap._tcp.<domain>
//  3. _gc._tcp.<domain>
//
// If no records exist, the domain itself is returned on the standard ports.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	start := time.Now()
	services := []struct {
		name   string
		useTLS bool
	}{
		{"_ldaps._tcp." + domain, true},
		{"_ldap._tcp." + domain, false},
		{"_gc._tcp." + domain, false},
	}

	var servers []*ServerInfo
	for _, service := range services {
		found, err := d.lookupSRV(ctx, service.name, service.useTLS)
		if err != nil {
			tflog.SubsystemDebug(d.ctx, "ldap", "SRV lookup failed, trying next service", map[string]any{
				"service": service.name,
				"error":   err.Error(),
			})
			continue
		}

		servers = append(servers, found...)
		if service.useTLS {
			break
		}
	}

	if len(servers) == 0 {
		tflog.SubsystemDebug(d.ctx, "ldap", "No SRV records found, using fallback servers", map[string]any{
			"domain":      domain,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return fallbackServers(domain), nil
	}

	sortServersByPriority(servers)

	tflog.SubsystemDebug(d.ctx, "ldap", "Server discovery completed", map[string]any{
		"domain":       domain,
		"server_count": len(servers),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return servers, nil
}

func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string, useTLS bool) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}

	return servers, nil
}

func fallbackServers(domain string) []*ServerInfo {
	return []*ServerInfo{
		{Host: domain, Port: 636, UseTLS: true, Priority: 0, Weight: 100, Source: "fallback"},
		{Host: domain, Port: 389, UseTLS: false, Priority: 1, Weight: 100, Source: "fallback"},
	}
}

// sortServersByPriority orders servers by ascending priority, then by
// descending weight (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	slices.SortStableFunc(servers, func(a, b *ServerInfo) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	if server.Priority < 0 {
		return fmt.Errorf("priority cannot be negative: %d", server.Priority)
	}

	if server.Weight < 0 {
		return fmt.Errorf("weight cannot be negative: %d", server.Weight)
	}

	return nil
}

// ServerInfoToURL converts ServerInfo to an LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into ServerInfo. The port
// defaults to 389 or 636 respectively.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL: %w", err)
	}

	server := &ServerInfo{
		Host:   u.Hostname(),
		Weight: 100,
		Source: "config",
	}

	switch strings.ToLower(u.Scheme) {
	case "ldaps":
		server.UseTLS = true
		server.Port = 636
	case "ldap":
		server.Port = 389
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		server.Port = port
	}

	return server, ValidateServerInfo(server)
}
