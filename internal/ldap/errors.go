package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/SukitZhang/vt-middleware/internal/pool"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryPool           ErrorCategory = "pool"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, "server: "+e.ServerMsg)
	}

	if e.DN != "" {
		parts = append(parts, "DN: "+e.DN)
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError classifies err for operation. It returns nil for a nil err.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	var poolErr *pool.PoolError
	switch {
	case errors.As(err, &resultErr):
		ldapErr.LDAPCode = resultErr.ResultCode
		ldapErr.DN = resultErr.MatchedDN
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
	case errors.As(err, &poolErr):
		ldapErr.Category = ErrorCategoryPool
		ldapErr.Retryable = poolErr.IsRetryable()
		ldapErr.Message = err.Error()
	default:
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = isGenericErrorRetryable(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

var codeCategories = map[uint16]ErrorCategory{
	ldap.LDAPResultInvalidCredentials:          ErrorCategoryAuthentication,
	ldap.LDAPResultInappropriateAuthentication: ErrorCategoryAuthentication,
	ldap.LDAPResultStrongAuthRequired:          ErrorCategoryAuthentication,
	ldap.LDAPResultAuthMethodNotSupported:      ErrorCategoryAuthentication,
	ldap.ErrorEmptyPassword:                    ErrorCategoryAuthentication,

	ldap.LDAPResultInsufficientAccessRights: ErrorCategoryPermission,
	ldap.LDAPResultUnwillingToPerform:       ErrorCategoryPermission,

	ldap.LDAPResultNoSuchObject:          ErrorCategoryNotFound,
	ldap.LDAPResultNoSuchAttribute:       ErrorCategoryNotFound,
	ldap.LDAPResultUndefinedAttributeType: ErrorCategoryNotFound,

	ldap.LDAPResultEntryAlreadyExists:     ErrorCategoryConflict,
	ldap.LDAPResultAttributeOrValueExists: ErrorCategoryConflict,
	ldap.LDAPResultObjectClassViolation:   ErrorCategoryConflict,
	ldap.LDAPResultNotAllowedOnNonLeaf:    ErrorCategoryConflict,

	ldap.LDAPResultInvalidAttributeSyntax: ErrorCategoryValidation,
	ldap.LDAPResultConstraintViolation:    ErrorCategoryValidation,
	ldap.LDAPResultInvalidDNSyntax:        ErrorCategoryValidation,
	ldap.LDAPResultNamingViolation:        ErrorCategoryValidation,
	ldap.LDAPResultFilterError:            ErrorCategoryValidation,

	ldap.LDAPResultUnavailable:        ErrorCategoryServer,
	ldap.LDAPResultBusy:               ErrorCategoryServer,
	ldap.LDAPResultTimeLimitExceeded:  ErrorCategoryServer,
	ldap.LDAPResultAdminLimitExceeded: ErrorCategoryServer,

	ldap.LDAPResultServerDown:    ErrorCategoryConnection,
	ldap.LDAPResultConnectError:  ErrorCategoryConnection,
	ldap.LDAPResultProtocolError: ErrorCategoryConnection,
	ldap.LDAPResultTimeout:       ErrorCategoryConnection,
	ldap.ErrorNetwork:            ErrorCategoryConnection,
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	if category, ok := codeCategories[code]; ok {
		return category
	}
	return ErrorCategoryUnknown
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "connection", "network", "timeout", "timed out", "broken pipe", "eof"):
		return ErrorCategoryConnection
	case containsAny(errStr, "authentication", "credentials", "password", "bind"):
		return ErrorCategoryAuthentication
	case containsAny(errStr, "permission", "access", "denied"):
		return ErrorCategoryPermission
	default:
		return ErrorCategoryUnknown
	}
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	return containsAny(strings.ToLower(err.Error()),
		"connection",
		"timeout",
		"timed out",
		"network",
		"broken pipe",
		"temporary failure",
		"server temporarily unavailable",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

var codeMessages = map[uint16]string{
	ldap.LDAPResultSuccess:                     "Operation completed successfully",
	ldap.LDAPResultOperationsError:             "LDAP operations error",
	ldap.LDAPResultProtocolError:               "LDAP protocol error",
	ldap.LDAPResultTimeLimitExceeded:           "LDAP time limit exceeded",
	ldap.LDAPResultSizeLimitExceeded:           "LDAP size limit exceeded",
	ldap.LDAPResultCompareFalse:                "LDAP compare returned false",
	ldap.LDAPResultCompareTrue:                 "LDAP compare returned true",
	ldap.LDAPResultAuthMethodNotSupported:      "Authentication method not supported",
	ldap.LDAPResultStrongAuthRequired:          "Strong authentication required",
	ldap.LDAPResultReferral:                    "LDAP referral",
	ldap.LDAPResultAdminLimitExceeded:          "Administrative limit exceeded",
	ldap.LDAPResultConfidentialityRequired:     "Confidentiality required",
	ldap.LDAPResultNoSuchAttribute:             "Requested attribute does not exist",
	ldap.LDAPResultUndefinedAttributeType:      "Attribute type is not defined",
	ldap.LDAPResultConstraintViolation:         "Constraint violation",
	ldap.LDAPResultAttributeOrValueExists:      "Attribute or value already exists",
	ldap.LDAPResultInvalidAttributeSyntax:      "Invalid attribute syntax",
	ldap.LDAPResultNoSuchObject:                "Requested object does not exist",
	ldap.LDAPResultInvalidDNSyntax:             "Invalid DN syntax",
	ldap.LDAPResultInappropriateAuthentication: "Inappropriate authentication method",
	ldap.LDAPResultInvalidCredentials:          "Invalid credentials",
	ldap.LDAPResultInsufficientAccessRights:    "Insufficient access rights",
	ldap.LDAPResultBusy:                        "Server is busy",
	ldap.LDAPResultUnavailable:                 "Server is unavailable",
	ldap.LDAPResultUnwillingToPerform:          "Server is unwilling to perform the operation",
	ldap.LDAPResultNamingViolation:             "Naming violation",
	ldap.LDAPResultObjectClassViolation:        "Object class violation",
	ldap.LDAPResultNotAllowedOnNonLeaf:         "Operation not allowed on non-leaf entry",
	ldap.LDAPResultEntryAlreadyExists:          "Entry already exists",
	ldap.LDAPResultServerDown:                  "Server is down",
	ldap.LDAPResultTimeout:                     "Operation timed out",
	ldap.LDAPResultFilterError:                 "Invalid search filter",
	ldap.LDAPResultConnectError:                "Connection error",
	ldap.ErrorNetwork:                          "Network error",
	ldap.ErrorEmptyPassword:                    "Empty password not allowed",
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

// WrapError wraps an error with operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return isLDAPCodeRetryable(resultErr.ResultCode)
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	var poolErr *pool.PoolError
	if errors.As(err, &poolErr) {
		return ErrorCategoryPool
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsConflictError checks if an error indicates a conflict (already exists).
func IsConflictError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConflict
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsPermissionError checks if an error indicates a permission problem.
func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}

// IsConnectionError checks if an error indicates a broken or unreachable server.
func IsConnectionError(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryConnection, ErrorCategoryServer:
		return true
	default:
		return false
	}
}
