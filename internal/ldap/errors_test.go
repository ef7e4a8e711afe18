package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

func TestNewLDAPError(t *testing.T) {
	assert.Nil(t, NewLDAPError("search", nil))

	t.Run("ldap error", func(t *testing.T) {
		cause := &ldap.Error{
			ResultCode: ldap.LDAPResultNoSuchObject,
			Err:        errors.New("0000208D: NameErr"),
			MatchedDN:  "dc=example,dc=com",
		}
		got := NewLDAPError("search", fmt.Errorf("lookup: %w", cause))
		require.NotNil(t, got)

		assert.Equal(t, "search", got.Operation)
		assert.Equal(t, uint16(ldap.LDAPResultNoSuchObject), got.LDAPCode)
		assert.Equal(t, ErrorCategoryNotFound, got.Category)
		assert.Equal(t, "Requested object does not exist", got.Message)
		assert.Equal(t, "0000208D: NameErr", got.ServerMsg)
		assert.Equal(t, "dc=example,dc=com", got.DN)
		assert.False(t, got.Retryable)
		assert.ErrorIs(t, got, cause)
	})

	t.Run("pool error", func(t *testing.T) {
		got := NewLDAPError("search", &pool.PoolError{Operation: "check_out", Category: pool.ErrorCategoryTimeout})
		assert.Equal(t, ErrorCategoryPool, got.Category)
		assert.True(t, got.Retryable)
	})

	t.Run("generic error", func(t *testing.T) {
		got := NewLDAPError("connect", errors.New("connection refused"))
		assert.Equal(t, ErrorCategoryConnection, got.Category)
		assert.True(t, got.Retryable)
		assert.Equal(t, "connection refused", got.Message)
	})
}

func TestLDAPError_Error(t *testing.T) {
	tests := []struct {
		name    string
		ldapErr *LDAPError
		want    string
	}{
		{
			name:    "basic error",
			ldapErr: &LDAPError{Operation: "search", Message: "operation failed"},
			want:    "LDAP search failed - operation failed",
		},
		{
			name:    "error with code",
			ldapErr: &LDAPError{Operation: "bind", LDAPCode: ldap.LDAPResultInvalidCredentials, Message: "authentication failed"},
			want:    "LDAP bind failed (code 49) - authentication failed",
		},
		{
			name:    "error with server message",
			ldapErr: &LDAPError{Operation: "add", Message: "validation failed", ServerMsg: "attribute required"},
			want:    "LDAP add failed - validation failed - server: attribute required",
		},
		{
			name:    "error with DN",
			ldapErr: &LDAPError{Operation: "modify", Message: "access denied", DN: "cn=user,dc=example,dc=com"},
			want:    "LDAP modify failed - access denied - DN: cn=user,dc=example,dc=com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ldapErr.Error())
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		code uint16
		want ErrorCategory
	}{
		{ldap.LDAPResultInvalidCredentials, ErrorCategoryAuthentication},
		{ldap.ErrorEmptyPassword, ErrorCategoryAuthentication},
		{ldap.LDAPResultInsufficientAccessRights, ErrorCategoryPermission},
		{ldap.LDAPResultNoSuchObject, ErrorCategoryNotFound},
		{ldap.LDAPResultEntryAlreadyExists, ErrorCategoryConflict},
		{ldap.LDAPResultConstraintViolation, ErrorCategoryValidation},
		{ldap.LDAPResultBusy, ErrorCategoryServer},
		{ldap.LDAPResultConnectError, ErrorCategoryConnection},
		{ldap.LDAPResultServerDown, ErrorCategoryConnection},
		{ldap.ErrorNetwork, ErrorCategoryConnection},
		{9999, ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code %d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeError(tt.code))
		})
	}
}

func TestCategorizeGenericError(t *testing.T) {
	tests := []struct {
		err  string
		want ErrorCategory
	}{
		{"connection refused", ErrorCategoryConnection},
		{"operation timeout", ErrorCategoryConnection},
		{"unexpected EOF", ErrorCategoryConnection},
		{"invalid credentials", ErrorCategoryAuthentication},
		{"access denied", ErrorCategoryPermission},
		{"something went wrong", ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeGenericError(errors.New(tt.err)))
		})
	}
}

func TestIsLDAPCodeRetryable(t *testing.T) {
	for _, code := range []uint16{
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeout,
		ldap.ErrorNetwork,
	} {
		assert.True(t, isLDAPCodeRetryable(code), "code %d", code)
	}

	for _, code := range []uint16{
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultEntryAlreadyExists,
	} {
		assert.False(t, isLDAPCodeRetryable(code), "code %d", code)
	}
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("search", nil))

	t.Run("regular error", func(t *testing.T) {
		var ldapErr *LDAPError
		require.ErrorAs(t, WrapError("bind", errors.New("authentication failed")), &ldapErr)
		assert.Equal(t, "bind", ldapErr.Operation)
	})

	t.Run("already wrapped error keeps operation", func(t *testing.T) {
		existing := &LDAPError{Operation: "existing", Message: "test"}
		assert.Same(t, existing, WrapError("search", existing))
		assert.Equal(t, "existing", existing.Operation)
	})

	t.Run("already wrapped error without operation", func(t *testing.T) {
		existing := &LDAPError{Message: "test"}
		wrapped := fmt.Errorf("outer: %w", existing)
		assert.Equal(t, wrapped, WrapError("search", wrapped))
		assert.Equal(t, "search", existing.Operation)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "retryable connection error", err: NewConnectionError("connection failed", true, nil), want: true},
		{name: "non-retryable connection error", err: NewConnectionError("config error", false, nil), want: false},
		{name: "retryable LDAP error", err: NewLDAPError("search", ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))), want: true},
		{name: "non-retryable LDAP error", err: NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))), want: false},
		{name: "raw ldap error", err: ldap.NewError(ldap.LDAPResultUnavailable, errors.New("unavailable")), want: true},
		{name: "generic retryable error", err: errors.New("connection timeout"), want: true},
		{name: "generic non-retryable error", err: errors.New("invalid syntax"), want: false},
		{name: "pool timeout", err: fmt.Errorf("checkout: %w", &pool.PoolError{Category: pool.ErrorCategoryTimeout}), want: true},
		{name: "pool closed", err: &pool.PoolError{Category: pool.ErrorCategoryClosed}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestGetErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{name: "nil error", err: nil, want: ErrorCategoryUnknown},
		{name: "LDAP error", err: NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))), want: ErrorCategoryAuthentication},
		{name: "raw ldap error", err: ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")), want: ErrorCategoryNotFound},
		{name: "pool error", err: &pool.PoolError{Category: pool.ErrorCategoryExhausted}, want: ErrorCategoryPool},
		{name: "generic error", err: errors.New("connection refused"), want: ErrorCategoryConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCategory(tt.err))
		})
	}
}

func TestErrorHelperFunctions(t *testing.T) {
	notFound := NewLDAPError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("object not found")))
	conflict := NewLDAPError("add", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry exists")))
	auth := NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")))
	perm := NewLDAPError("modify", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("access denied")))
	down := ldap.NewError(ldap.LDAPResultServerDown, errors.New("down"))

	assert.True(t, IsNotFoundError(notFound))
	assert.False(t, IsNotFoundError(conflict))
	assert.True(t, IsConflictError(conflict))
	assert.True(t, IsAuthenticationError(auth))
	assert.False(t, IsAuthenticationError(perm))
	assert.True(t, IsPermissionError(perm))
	assert.True(t, IsConnectionError(down))
	assert.True(t, IsConnectionError(ldap.NewError(ldap.LDAPResultBusy, errors.New("busy"))))
	assert.False(t, IsConnectionError(notFound))
}

func TestGetLDAPCodeMessage(t *testing.T) {
	assert.Equal(t, "Operation completed successfully", getLDAPCodeMessage(ldap.LDAPResultSuccess))
	assert.Equal(t, "Invalid credentials", getLDAPCodeMessage(ldap.LDAPResultInvalidCredentials))
	assert.Equal(t, "Entry already exists", getLDAPCodeMessage(ldap.LDAPResultEntryAlreadyExists))
	assert.Equal(t, "Unknown LDAP error (code 9999)", getLDAPCodeMessage(9999))
}
