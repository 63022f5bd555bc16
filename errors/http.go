package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var httpStatusMap = map[string]int{
	CodeInternal:            http.StatusInternalServerError,
	CodeBadRequest:          http.StatusBadRequest,
	CodeValidation:          http.StatusBadRequest,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeUnavailable:         http.StatusServiceUnavailable,
	CodeInvalidRadius:       http.StatusBadRequest,
	CodeLocationUnavailable: http.StatusServiceUnavailable,
	CodeSubscription:        http.StatusBadGateway,
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorBody contains the error details.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// HTTPStatus returns the HTTP status code for an error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if status, exists := httpStatusMap[appErr.Code]; exists {
			return status
		}
	}
	return http.StatusInternalServerError
}

// WriteError writes an error response to the HTTP response writer.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatus(err)

	body := ErrorBody{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		body.Code = appErr.Code
		body.Message = appErr.Message
		body.Details = appErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: body, RequestID: requestID})
}

// WriteErrorWithStatus writes an error response with a specific status code.
func WriteErrorWithStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}
