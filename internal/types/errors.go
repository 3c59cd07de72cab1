package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidEmail  ErrorCode = "validation_invalid_email"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidCursor ErrorCode = "validation_invalid_cursor"
	ErrCodeValidationBatchSize     ErrorCode = "validation_invalid_batch_size"

	// Auth (401)
	ErrCodeAuthInvalidCreds     ErrorCode = "auth_invalid_credentials"
	ErrCodeAuthUserNotFound     ErrorCode = "auth_user_not_found"
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Permission (403)
	ErrCodePermissionAdminOnly ErrorCode = "permission_admin_only"

	// Not Found (404)
	ErrCodeNotFoundUser ErrorCode = "not_found_user"
	ErrCodeNotFoundRun  ErrorCode = "not_found_backfill_run"

	// Conflict (409)
	ErrCodeConflictEmail           ErrorCode = "conflict_email_exists"
	ErrCodeConflictLinkInFlight    ErrorCode = "conflict_link_in_flight"
	ErrCodeConflictBackfillRunning ErrorCode = "conflict_backfill_running"

	// Webhook ingestion. Acknowledged with 200 at the HTTP boundary because
	// redelivery cannot fix them; the codes exist for logging and metrics.
	ErrCodeWebhookUnknownCustomer ErrorCode = "webhook_unknown_customer"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Provider (billing API) failures. The transient/permanent split drives
	// the Link Coordinator's retry decisions.
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"
	ErrCodeProviderRateLimited ErrorCode = "provider_rate_limited"
	ErrCodeProviderRejected    ErrorCode = "provider_rejected"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case c == ErrCodeProviderRejected:
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "provider_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsTransient reports whether an error with this code is worth retrying
// later. Permanent provider rejections and validation errors are not.
func (c ErrorCode) IsTransient() bool {
	switch c {
	case ErrCodeProviderUnavailable, ErrCodeProviderRateLimited, ErrCodeInternalDB:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsTransient reports whether err is (or wraps) an AppError whose code marks
// it as retryable. Generic errors are treated as transient so that unknown
// failures are retried rather than permanently parked.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.IsTransient()
	}
	return true
}

// ErrCodeOf extracts the ErrorCode from an error chain, or
// ErrCodeInternalUnexpected for generic errors.
func ErrCodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
