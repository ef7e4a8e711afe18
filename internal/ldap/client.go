package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

// Client runs directory operations on pooled connections.
type Client interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	SearchWithPaging(ctx context.Context, req *SearchRequest, pageSize uint32) (*SearchResult, error)
	Compare(ctx context.Context, dn, attribute, value string) (bool, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	Delete(ctx context.Context, dn string) error
	Ping(ctx context.Context) error
	Stats() ClientStats
	Close() error
}

// ClientStats combines pool and factory statistics.
type ClientStats struct {
	Pool    pool.Stats
	Factory FactoryStats
}

// client implements the Client interface.
type client struct {
	pooled     *PooledConnectionFactory
	config     *ConnectionConfig
	logContext context.Context // Context with configured subsystems for logging
}

// NewClient creates a connection factory and an initialized pool for cfg.
// Connections are validated with a root DSE search unless another validator
// is supplied through opts.
func NewClient(ctx context.Context, cfg *ConnectionConfig, strategy pool.Strategy, poolConfig *pool.Config, opts ...FactoryOption) (Client, error) {
	start := time.Now()
	ctx = NewLoggingContext(ctx)

	opts = append([]FactoryOption{WithConnectionValidator(NewSearchValidator())}, opts...)
	factory, err := NewConnectionFactory(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	pooled, err := NewPooledConnectionFactory(ctx, factory, strategy, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pooled.Initialize(ctx); err != nil {
		tflog.SubsystemError(ctx, subsystem, "Failed to initialize connection pool", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("failed to initialize connection pool: %w", err)
	}

	tflog.SubsystemInfo(ctx, subsystem, "LDAP client created successfully", map[string]any{
		"strategy":    strategy.String(),
		"auth_method": factory.Config().GetAuthMethod().String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return NewClientWithPool(ctx, pooled), nil
}

// NewClientWithPool wraps an initialized pooled factory. Retry settings are
// taken from the factory's configuration.
func NewClientWithPool(ctx context.Context, pooled *PooledConnectionFactory) Client {
	return &client{
		pooled:     pooled,
		config:     pooled.Factory().Config(),
		logContext: context.WithoutCancel(NewLoggingContext(ctx)),
	}
}

// do runs fn on a freshly borrowed connection for every attempt. A
// connection that failed with a transport error is discarded instead of
// being returned to the pool.
func (c *client) do(ctx context.Context, operation string, fields map[string]any, fn func(ldap.Client) error) error {
	return LogOperation(c.logContext, operation, fields, func() error {
		return c.withRetry(ctx, operation, func() error {
			conn, err := c.pooled.GetConnection(ctx)
			if err != nil {
				return fmt.Errorf("failed to get connection: %w", err)
			}

			err = fn(conn.Connection().Client())
			if err != nil && isTransportError(err) {
				if discardErr := c.pooled.Pool().Discard(conn.pooled); discardErr != nil {
					tflog.SubsystemWarn(c.logContext, subsystem, "Failed to replace broken connection", map[string]any{
						"error": discardErr.Error(),
					})
				}
				return err
			}

			if closeErr := conn.Close(); closeErr != nil {
				tflog.SubsystemWarn(c.logContext, subsystem, "Failed to return connection", map[string]any{
					"error": closeErr.Error(),
				})
			}
			return err
		})
	})
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	var result *ldap.SearchResult
	err := c.do(ctx, "search", searchFields(req), func(conn ldap.Client) error {
		var err error
		result, err = conn.Search(req.toLDAP())
		return err
	})
	if err != nil {
		return nil, WrapError("search", err)
	}

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit,
	}, nil
}

// SearchWithPaging performs a search using the simple paged results control.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest, pageSize uint32) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}
	if pageSize == 0 {
		return nil, fmt.Errorf("page size must be positive")
	}

	fields := searchFields(req)
	fields["page_size"] = pageSize

	var result *ldap.SearchResult
	err := c.do(ctx, "search_paged", fields, func(conn ldap.Client) error {
		var err error
		result, err = conn.SearchWithPaging(req.toLDAP(), pageSize)
		return err
	})
	if err != nil {
		return nil, WrapError("search", err)
	}

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
	}, nil
}

func searchFields(req *SearchRequest) map[string]any {
	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
	}
}

// Compare reports whether the entry at dn has attribute=value.
func (c *client) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	if dn == "" || attribute == "" {
		return false, fmt.Errorf("DN and attribute cannot be empty")
	}

	var matched bool
	err := c.do(ctx, "compare", map[string]any{"dn": dn, "attribute": attribute}, func(conn ldap.Client) error {
		var err error
		matched, err = conn.Compare(dn, attribute, value)
		return err
	})
	if err != nil {
		return false, WrapError("compare", err)
	}
	return matched, nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}
	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		ldapReq.Attribute(attr, values)
	}

	return WrapError("add", c.do(ctx, "add", map[string]any{"dn": req.DN}, func(conn ldap.Client) error {
		return conn.Add(ldapReq)
	}))
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}
	if req.DN == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}
	for _, attr := range req.DeleteAttributes {
		ldapReq.Delete(attr, []string{})
	}

	return WrapError("modify", c.do(ctx, "modify", map[string]any{"dn": req.DN}, func(conn ldap.Client) error {
		return conn.Modify(ldapReq)
	}))
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	return WrapError("delete", c.do(ctx, "delete", map[string]any{"dn": dn}, func(conn ldap.Client) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	}))
}

// Ping reads the root DSE over a pooled connection.
func (c *client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", nil, func(conn ldap.Client) error {
		_, err := conn.Search(ldap.NewSearchRequest(
			"",
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			1, 5, false,
			rootDSEFilter,
			[]string{noAttributes},
			nil,
		))
		return err
	})
}

func (c *client) Stats() ClientStats {
	return ClientStats{
		Pool:    c.pooled.Pool().Stats(),
		Factory: c.pooled.Factory().Stats(),
	}
}

// Close closes the pool and all its connections.
func (c *client) Close() error {
	return c.pooled.Close()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, name string, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(c.logContext, subsystem, "Retrying operation", map[string]any{
				"operation":  name,
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.config.BackoffFactor)
			if c.config.MaxBackoff > 0 {
				backoff = min(backoff, c.config.MaxBackoff)
			}
		}
	}

	tflog.SubsystemError(c.logContext, subsystem, "Operation failed after all retries exhausted", map[string]any{
		"operation":      name,
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return lastErr
}

// isRetryable excludes caller cancellation and closed pools, which no retry
// can fix.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsRetryableError(err)
}

func (r *SearchRequest) toLDAP() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		r.BaseDN,
		int(r.Scope),
		int(r.DerefAliases),
		r.SizeLimit,
		int(r.TimeLimit.Seconds()),
		false,
		r.Filter,
		r.Attributes,
		nil,
	)
}
