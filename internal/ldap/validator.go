package ldap

import (
	"context"
	"errors"

	"github.com/go-ldap/ldap/v3"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

const (
	rootDSEFilter = "(objectClass=*)"
	noAttributes  = "1.1" // RFC 4511 section 4.5.1.8
)

// SearchValidator checks a connection with a base-object search. A result
// code from the server means the connection works, so only transport
// failures mark it unhealthy.
type SearchValidator struct {
	BaseDN     string
	Filter     string
	Attributes []string
}

// NewSearchValidator returns a validator that reads the root DSE and
// requests no attributes.
func NewSearchValidator() *SearchValidator {
	return &SearchValidator{
		Filter:     rootDSEFilter,
		Attributes: []string{noAttributes},
	}
}

func (v *SearchValidator) Validate(ctx context.Context, conn pool.Connection) bool {
	c, ok := usable(ctx, conn)
	if !ok {
		return false
	}

	filter := v.Filter
	if filter == "" {
		filter = rootDSEFilter
	}

	req := ldap.NewSearchRequest(
		v.BaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		filter,
		v.Attributes,
		nil,
	)

	_, err := c.Client().Search(req)
	return err == nil || !isTransportError(err)
}

// CompareValidator checks a connection by comparing an attribute value. The
// connection is healthy only when the assertion holds.
type CompareValidator struct {
	DN        string
	Attribute string
	Value     string
}

func (v *CompareValidator) Validate(ctx context.Context, conn pool.Connection) bool {
	c, ok := usable(ctx, conn)
	if !ok {
		return false
	}

	matched, err := c.Client().Compare(v.DN, v.Attribute, v.Value)
	return err == nil && matched
}

func usable(ctx context.Context, conn pool.Connection) (*Connection, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	c, ok := conn.(*Connection)
	if !ok || c.IsClosing() {
		return nil, false
	}
	return c, true
}

// isTransportError reports whether err means the connection itself is unusable.
func isTransportError(err error) bool {
	var resultErr *ldap.Error
	if !errors.As(err, &resultErr) {
		return true
	}

	switch resultErr.ResultCode {
	case ldap.ErrorNetwork,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeout:
		return true
	default:
		return false
	}
}
