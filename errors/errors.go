// Package errors provides custom error types for the geofence engine.
package errors

import (
	"errors"
	"fmt"
	"strconv"
)

// Standard error codes.
const (
	CodeInternal            = "INTERNAL_ERROR"
	CodeBadRequest          = "BAD_REQUEST"
	CodeValidation          = "VALIDATION_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInvalidRadius       = "INVALID_RADIUS"
	CodeLocationUnavailable = "LOCATION_UNAVAILABLE"
	CodeSubscription        = "SUBSCRIPTION_ERROR"
)

// Sentinels for errors.Is. Matching is by code, so any AppError carrying the
// same code satisfies errors.Is(err, ErrInvalidRadius).
var (
	ErrInvalidRadius       = New(CodeInvalidRadius, "radius must be a positive, finite number of meters")
	ErrLocationUnavailable = New(CodeLocationUnavailable, "current location is unavailable")
	ErrSubscription        = New(CodeSubscription, "position subscription failed")
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches another error.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Wrap wraps an error with an AppError.
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Internal creates an internal error.
func Internal(message string) *AppError {
	return New(CodeInternal, message)
}

// InternalWrap wraps an error as an internal error.
func InternalWrap(err error, message string) *AppError {
	return Wrap(err, CodeInternal, message)
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message)
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return New(CodeValidation, message)
}

// ValidationWithDetails creates a validation error with field details.
func ValidationWithDetails(message string, details map[string]string) *AppError {
	return New(CodeValidation, message).WithDetails(details)
}

// InvalidRadius reports a rejected radius value.
func InvalidRadius(value string) *AppError {
	return New(CodeInvalidRadius, ErrInvalidRadius.Message).
		WithDetails(map[string]string{"radius": value})
}

// InvalidRadiusValue is InvalidRadius for a numeric value.
func InvalidRadiusValue(value float64) *AppError {
	return InvalidRadius(strconv.FormatFloat(value, 'g', -1, 64))
}

// RadiusNotConfigured is returned when tracking starts before any radius was set.
func RadiusNotConfigured() *AppError {
	return New(CodeInvalidRadius, "geofence radius is not configured")
}

// LocationUnavailable wraps a provider failure or timeout.
func LocationUnavailable(err error) *AppError {
	return Wrap(err, CodeLocationUnavailable, ErrLocationUnavailable.Message)
}

// Subscription wraps a mid-stream provider failure.
func Subscription(err error) *AppError {
	return Wrap(err, CodeSubscription, ErrSubscription.Message)
}

// IsInvalidRadius checks if the error is an invalid radius error.
func IsInvalidRadius(err error) bool {
	return Code(err) == CodeInvalidRadius
}

// IsLocationUnavailable checks if the error is a location unavailable error.
func IsLocationUnavailable(err error) bool {
	return Code(err) == CodeLocationUnavailable
}

// IsSubscriptionError checks if the error is a subscription error.
func IsSubscriptionError(err error) bool {
	return Code(err) == CodeSubscription
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return Code(err) == CodeValidation
}

// Code returns the error code or empty string.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
