package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const subsystem = "ldap"

// NewLoggingContext registers the ldap logging subsystem on ctx.
// Pattern: VT_LOG_<SUBSYSTEM>
func NewLoggingContext(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, subsystem, tflog.WithLevelFromEnv("VT_LOG_LDAP"))
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemTrace(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		LogLDAPError(ctx, operation, err, fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(GetErrorCategory(err))

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", SanitizeFields(fields))
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event
	fields = SanitizeFields(fields)

	switch event {
	case "connection_established", "authentication_success":
		tflog.SubsystemInfo(ctx, subsystem, "Connection event", fields)
	case "connection_failed", "authentication_failed":
		tflog.SubsystemError(ctx, subsystem, "Connection event", fields)
	case "connection_retry", "validation_failed":
		tflog.SubsystemWarn(ctx, subsystem, "Connection event", fields)
	case "connection_attempt", "connection_closed", "connection_returned":
		tflog.SubsystemDebug(ctx, subsystem, "Connection event", fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, "Connection event", fields)
	}
}

var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"key":         true,
	"private_key": true,
	"credential":  true,
	"credentials": true,
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}

		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}

		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
