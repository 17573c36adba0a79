// Package errors provides standardized error handling for the VPI recordings service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the recordings service.
type ErrorCode string

const (
	// Validation errors
	VPI_VALIDATION    ErrorCode = "VPI_VALIDATION"    // General validation error
	VPI_SCHEMA_REJECT ErrorCode = "VPI_SCHEMA_REJECT" // Schema validation failed
	VPI_BAD_REQUEST   ErrorCode = "VPI_BAD_REQUEST"   // Bad request

	// Authentication errors
	VPI_AUTHN         ErrorCode = "VPI_AUTHN"         // Authentication failed
	VPI_JWT_INVALID   ErrorCode = "VPI_JWT_INVALID"   // Invalid JWT
	VPI_JWT_EXPIRED   ErrorCode = "VPI_JWT_EXPIRED"   // Expired JWT
	VPI_JWT_MALFORMED ErrorCode = "VPI_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	VPI_NOT_FOUND ErrorCode = "VPI_NOT_FOUND" // Recording or record not found

	// Processing errors
	VPI_PROCESSING ErrorCode = "VPI_PROCESSING" // Audio processing failed
	VPI_TIMEOUT    ErrorCode = "VPI_TIMEOUT"    // Processing deadline exceeded

	// Server errors
	VPI_INTERNAL    ErrorCode = "VPI_INTERNAL"    // Internal server error
	VPI_UNAVAILABLE ErrorCode = "VPI_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case VPI_VALIDATION, VPI_SCHEMA_REJECT, VPI_BAD_REQUEST:
		return http.StatusBadRequest
	case VPI_AUTHN, VPI_JWT_INVALID, VPI_JWT_EXPIRED, VPI_JWT_MALFORMED:
		return http.StatusUnauthorized
	case VPI_NOT_FOUND:
		return http.StatusNotFound
	case VPI_TIMEOUT:
		return http.StatusGatewayTimeout
	case VPI_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case VPI_PROCESSING:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
