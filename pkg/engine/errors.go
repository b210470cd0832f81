package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an error for routing decisions by processors and callers.
type ErrorKind string

const (
	// KindInvalidParameter indicates a malformed or semantically invalid request.
	KindInvalidParameter ErrorKind = "invalid_parameter"

	// KindUnauthorized indicates the caller is not allowed to perform the operation.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindUnauthenticated indicates the credentials were rejected or have expired.
	KindUnauthenticated ErrorKind = "unauthenticated"

	// KindInstanceNotFound indicates the cloud no longer knows the resource.
	KindInstanceNotFound ErrorKind = "instance_not_found"

	// KindNotFound indicates the order id is unknown.
	KindNotFound ErrorKind = "not_found"

	// KindUnavailable indicates the cloud or peer provider could not be reached.
	KindUnavailable ErrorKind = "unavailable"

	// KindQuotaExceeded indicates the cloud refused the request for lack of quota.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindConflict indicates the order is not in a state that allows the operation.
	KindConflict ErrorKind = "conflict"

	// KindUnexpected indicates an internal fault.
	KindUnexpected ErrorKind = "unexpected"
)

// Validate checks if the error kind is valid.
func (k ErrorKind) Validate() error {
	switch k {
	case KindInvalidParameter, KindUnauthorized, KindUnauthenticated, KindInstanceNotFound,
		KindNotFound, KindUnavailable, KindQuotaExceeded, KindConflict, KindUnexpected:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// HTTPStatus returns the status code reported for errors of this kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidParameter:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInstanceNotFound, KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded, KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// OrderID is the order that caused the error, if applicable.
	OrderID string `json:"order_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.OrderID != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (order=%s, operation=%s)", msg, e.OrderID, e.Operation)
	} else if e.OrderID != "" {
		msg = fmt.Sprintf("%s (order=%s)", msg, e.OrderID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return newError(kind, message, err)
}

// NewInvalidParameterError creates a new invalid parameter error.
func NewInvalidParameterError(message string, err error) *EngineError {
	return newError(KindInvalidParameter, message, err)
}

// NewUnauthorizedError creates a new unauthorized error.
func NewUnauthorizedError(message string, err error) *EngineError {
	return newError(KindUnauthorized, message, err)
}

// NewUnauthenticatedError creates a new unauthenticated error.
func NewUnauthenticatedError(message string, err error) *EngineError {
	return newError(KindUnauthenticated, message, err)
}

// NewInstanceNotFoundError creates a new instance not found error.
func NewInstanceNotFoundError(message string, err error) *EngineError {
	return newError(KindInstanceNotFound, message, err)
}

// NewNotFoundError creates a new order not found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(KindNotFound, message, err)
}

// NewUnavailableError creates a new unavailable provider error.
func NewUnavailableError(message string, err error) *EngineError {
	return newError(KindUnavailable, message, err)
}

// NewQuotaExceededError creates a new quota exceeded error.
func NewQuotaExceededError(message string, err error) *EngineError {
	return newError(KindQuotaExceeded, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(KindConflict, message, err)
}

// NewUnexpectedError creates a new unexpected error.
func NewUnexpectedError(message string, err error) *EngineError {
	return newError(KindUnexpected, message, err)
}

// WithOrder adds order context to an error.
func (e *EngineError) WithOrder(orderID string) *EngineError {
	e.OrderID = orderID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err. Errors outside the taxonomy are unexpected.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// Wrap classifies err as unexpected unless it already carries a kind.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	return NewUnexpectedError(message, err)
}

func hasKind(err error, kind ErrorKind) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsInvalidParameter returns true if the error is an invalid parameter error.
func IsInvalidParameter(err error) bool { return hasKind(err, KindInvalidParameter) }

// IsUnauthorized returns true if the error is an unauthorized error.
func IsUnauthorized(err error) bool { return hasKind(err, KindUnauthorized) }

// IsUnauthenticated returns true if the error is an unauthenticated error.
func IsUnauthenticated(err error) bool { return hasKind(err, KindUnauthenticated) }

// IsInstanceNotFound returns true if the cloud no longer knows the resource.
func IsInstanceNotFound(err error) bool { return hasKind(err, KindInstanceNotFound) }

// IsNotFound returns true if the order id is unknown.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsUnavailable returns true if the provider could not be reached.
func IsUnavailable(err error) bool { return hasKind(err, KindUnavailable) }

// IsQuotaExceeded returns true if the error is a quota exceeded error.
func IsQuotaExceeded(err error) bool { return hasKind(err, KindQuotaExceeded) }

// IsConflict returns true if the error is a conflict error.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsUnexpected returns true for internal faults and for errors outside the taxonomy.
func IsUnexpected(err error) bool {
	return err != nil && KindOf(err) == KindUnexpected
}

// IsTransient returns true if retrying the same call later may succeed.
func IsTransient(err error) bool {
	return IsUnavailable(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeUnknownList       = "UNKNOWN_LIST"
	ErrCodeNotOwner          = "NOT_OWNER"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodePeerUnreachable   = "PEER_UNREACHABLE"
	ErrCodeDriverFailed      = "DRIVER_FAILED"
	ErrCodeJobTimeout        = "JOB_TIMEOUT"
)
