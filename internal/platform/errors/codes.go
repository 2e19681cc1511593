// Package errors provides structured error handling for the state store.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument marks malformed keys, records or configuration.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeBackendError       Code = "BACKEND_ERROR"

	// Codec errors
	CodeDecodeFailure Code = "DECODE_FAILURE"
)

// HTTPStatus maps domain codes to the HTTP status served by the REST backend.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case CodeDecodeFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus maps a non-success HTTP status back to a domain code.
func CodeFromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest:
		return CodeInvalidArgument
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return CodeBackendUnavailable
	default:
		return CodeBackendError
	}
}
