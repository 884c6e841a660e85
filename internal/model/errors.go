package model

import "fmt"

// ErrorKind classifies an RpcError into one of the numeric ranges from
// the wire protocol's error taxonomy.
type ErrorKind string

const (
	// Protocol errors: 1000-1099.
	ErrInvalidRequest     ErrorKind = "invalid_request"
	ErrUnsupportedVersion ErrorKind = "unsupported_version"
	ErrMalformedParams    ErrorKind = "malformed_params"
	ErrRequestTooLarge    ErrorKind = "request_too_large"
	ErrResponseTooLarge   ErrorKind = "response_too_large"

	// Server errors: 2000-2099.
	ErrInternal           ErrorKind = "internal_error"
	ErrNotFound           ErrorKind = "not_found"
	ErrTimeout            ErrorKind = "timeout"
	ErrResourceExhausted  ErrorKind = "resource_exhausted"
	ErrServiceUnavailable ErrorKind = "service_unavailable"
	ErrDatabase           ErrorKind = "database_error"

	// Business errors: 3000-3099.
	ErrSymbolNotFound   ErrorKind = "symbol_not_found"
	ErrProjectNotFound  ErrorKind = "project_not_found"
	ErrInvalidQuery     ErrorKind = "invalid_query"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrSpecNotFound     ErrorKind = "spec_not_found"
	ErrTaskNotFound     ErrorKind = "task_not_found"

	// Client errors: 4000-4099.
	ErrUnauthorized  ErrorKind = "unauthorized"
	ErrRateLimited   ErrorKind = "rate_limited"
	ErrQuotaExceeded ErrorKind = "quota_exceeded"
)

var codes = map[ErrorKind]int{
	ErrInvalidRequest:     1000,
	ErrUnsupportedVersion: 1001,
	ErrMalformedParams:    1002,
	ErrRequestTooLarge:    1003,
	ErrResponseTooLarge:   1004,

	ErrInternal:           2000,
	ErrNotFound:           2001,
	ErrTimeout:            2002,
	ErrResourceExhausted:  2003,
	ErrServiceUnavailable: 2004,
	ErrDatabase:           2005,

	ErrSymbolNotFound:   3000,
	ErrProjectNotFound:  3001,
	ErrInvalidQuery:     3002,
	ErrPermissionDenied: 3003,
	ErrSpecNotFound:     3004,
	ErrTaskNotFound:     3005,

	ErrUnauthorized:  4000,
	ErrRateLimited:   4001,
	ErrQuotaExceeded: 4002,
}

// Code returns the numeric wire code for this error kind.
func (k ErrorKind) Code() int {
	return codes[k]
}

// Retryable reports whether a caller should consider retrying a call
// that failed with this error kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrResourceExhausted, ErrServiceUnavailable, ErrDatabase:
		return true
	default:
		return false
	}
}

// RpcError is the structured error carried in an RpcResponse.
type RpcError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Trace   string         `json:"trace,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Kind.Code(), e.Message)
}

// NewError builds an RpcError with optional structured data.
func NewError(kind ErrorKind, message string, data map[string]any) *RpcError {
	return &RpcError{Kind: kind, Message: message, Data: data}
}
