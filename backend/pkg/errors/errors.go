package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeMissingFields is returned when required input is absent
	ErrorTypeMissingFields ErrorType = "missing_fields"
	// ErrorTypeDuplicatePending is returned when an identical request is still pending
	ErrorTypeDuplicatePending ErrorType = "duplicate_pending"
	// ErrorTypeAlreadyConnected is returned when the sender's network already holds the recipient
	ErrorTypeAlreadyConnected ErrorType = "already_connected"
	// ErrorTypeNotFound is returned when a request, record or account does not exist
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeAlreadyProcessed is returned when a request has left the pending state
	ErrorTypeAlreadyProcessed ErrorType = "already_processed"
	// ErrorTypeUnauthorized is returned when the acting account may not perform the operation
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	// ErrorTypeStoreUnavailable represents transient document store failures
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	// ErrorTypePeerUnresolvable is returned when a member's peer account cannot be resolved
	ErrorTypePeerUnresolvable ErrorType = "peer_unresolvable"
	// ErrorTypeSelfReference is returned when an account targets itself
	ErrorTypeSelfReference ErrorType = "self_reference"
	// ErrorTypeNetworkFull is returned when the sender reached the member limit
	ErrorTypeNetworkFull ErrorType = "network_full"
	// ErrorTypeInvalidAccessLevel is returned for access levels outside the closed set
	ErrorTypeInvalidAccessLevel ErrorType = "invalid_access_level"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a BaseError of the same type, so the
// sentinel values below match any error constructed for that type.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// As lets errors.As extract the embedded BaseError from the typed errors below.
func (e *BaseError) As(target any) bool {
	t, ok := target.(**BaseError)
	if !ok {
		return false
	}
	*t = e
	return true
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrMissingFields      = NewBaseError(ErrorTypeMissingFields, "missing required fields", nil)
	ErrDuplicatePending   = NewBaseError(ErrorTypeDuplicatePending, "an identical request is already pending", nil)
	ErrAlreadyConnected   = NewBaseError(ErrorTypeAlreadyConnected, "already connected", nil)
	ErrNotFound           = NewBaseError(ErrorTypeNotFound, "not found", nil)
	ErrAlreadyProcessed   = NewBaseError(ErrorTypeAlreadyProcessed, "request already processed", nil)
	ErrUnauthorized       = NewBaseError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrStoreUnavailable   = NewBaseError(ErrorTypeStoreUnavailable, "store unavailable", nil)
	ErrPeerUnresolvable   = NewBaseError(ErrorTypePeerUnresolvable, "peer unresolvable", nil)
	ErrSelfReference      = NewBaseError(ErrorTypeSelfReference, "cannot add yourself", nil)
	ErrNetworkFull        = NewBaseError(ErrorTypeNetworkFull, "family network is full", nil)
	ErrInvalidAccessLevel = NewBaseError(ErrorTypeInvalidAccessLevel, "invalid access level", nil)
)

// Request errors

// ErrMissingFieldsDetail is returned when a request lacks required fields
type ErrMissingFieldsDetail struct {
	*BaseError
	Fields []string
}

func NewMissingFields(fields ...string) *ErrMissingFieldsDetail {
	return &ErrMissingFieldsDetail{
		BaseError: NewBaseError(ErrorTypeMissingFields, fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", ")), nil),
		Fields:    fields,
	}
}

// ErrDuplicatePendingDetail references the request that is already pending
type ErrDuplicatePendingDetail struct {
	*BaseError
	ExistingRequestID string
}

func NewDuplicatePending(existingID string) *ErrDuplicatePendingDetail {
	return &ErrDuplicatePendingDetail{
		BaseError:         NewBaseError(ErrorTypeDuplicatePending, fmt.Sprintf("request %s is already pending", existingID), nil),
		ExistingRequestID: existingID,
	}
}

// ErrAlreadyConnectedDetail is returned when the sender's network already holds the peer
type ErrAlreadyConnectedDetail struct {
	*BaseError
	Peer string
}

func NewAlreadyConnected(peer string) *ErrAlreadyConnectedDetail {
	return &ErrAlreadyConnectedDetail{
		BaseError: NewBaseError(ErrorTypeAlreadyConnected, fmt.Sprintf("already connected to %s", peer), nil),
		Peer:      peer,
	}
}

// ErrNotFoundDetail is returned when an entity of the given kind does not exist
type ErrNotFoundDetail struct {
	*BaseError
	Kind string
	ID   string
}

func NewNotFound(kind, id string) *ErrNotFoundDetail {
	return &ErrNotFoundDetail{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil),
		Kind:      kind,
		ID:        id,
	}
}

// ErrAlreadyProcessedDetail is returned for transitions out of a terminal state
type ErrAlreadyProcessedDetail struct {
	*BaseError
	RequestID string
	Status    string
}

func NewAlreadyProcessed(requestID, status string) *ErrAlreadyProcessedDetail {
	return &ErrAlreadyProcessedDetail{
		BaseError: NewBaseError(ErrorTypeAlreadyProcessed, fmt.Sprintf("request %s is already %s", requestID, status), nil),
		RequestID: requestID,
		Status:    status,
	}
}

// ErrUnauthorizedDetail is returned when the acting account is not allowed to act
type ErrUnauthorizedDetail struct {
	*BaseError
	AccountID string
}

func NewUnauthorized(accountID, reason string) *ErrUnauthorizedDetail {
	return &ErrUnauthorizedDetail{
		BaseError: NewBaseError(ErrorTypeUnauthorized, reason, nil),
		AccountID: accountID,
	}
}

// Store errors

// ErrStoreUnavailableDetail wraps a transient document store failure
type ErrStoreUnavailableDetail struct {
	*BaseError
	Operation string
}

func NewStoreUnavailable(operation string, err error) *ErrStoreUnavailableDetail {
	return &ErrStoreUnavailableDetail{
		BaseError: NewBaseError(ErrorTypeStoreUnavailable, fmt.Sprintf("store operation failed: %s", operation), err),
		Operation: operation,
	}
}

// Graph errors

// ErrPeerUnresolvableDetail is returned when an entry has no resolvable peer account
type ErrPeerUnresolvableDetail struct {
	*BaseError
	OwnerAccountID string
	Peer           string
}

func NewPeerUnresolvable(ownerID, peer string) *ErrPeerUnresolvableDetail {
	return &ErrPeerUnresolvableDetail{
		BaseError:      NewBaseError(ErrorTypePeerUnresolvable, fmt.Sprintf("peer %q of %s cannot be resolved", peer, ownerID), nil),
		OwnerAccountID: ownerID,
		Peer:           peer,
	}
}

func NewSelfReference(accountID string) *BaseError {
	return NewBaseError(ErrorTypeSelfReference, fmt.Sprintf("account %s cannot add itself", accountID), nil)
}

func NewNetworkFull(accountID string, limit int) *BaseError {
	return NewBaseError(ErrorTypeNetworkFull, fmt.Sprintf("account %s already has %d family members", accountID, limit), nil)
}

func NewInvalidAccessLevel(level string) *BaseError {
	return NewBaseError(ErrorTypeInvalidAccessLevel, fmt.Sprintf("invalid access level: %q", level), nil)
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	var baseErr *BaseError
	if errors.As(err, &baseErr) {
		if baseErr.Type == errType {
			return true
		}
		return IsErrorType(baseErr.Err, errType)
	}
	return false
}

// TypeOf returns the ErrorType of the outermost BaseError in err's chain
func TypeOf(err error) (ErrorType, bool) {
	var baseErr *BaseError
	if errors.As(err, &baseErr) {
		return baseErr.Type, true
	}
	return "", false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Only transient store failures are worth repeating; validation and
	// authorization outcomes never change on retry.
	return IsErrorType(err, ErrorTypeStoreUnavailable)
}
