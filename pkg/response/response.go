package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"groupchat/internal/errs"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ValidationErrorResponse represents validation error response
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, data interface{}) {
	JSONWithStatus(w, http.StatusOK, data)
}

// JSONWithStatus sends a JSON response with custom status code
func JSONWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Error sends an error response
func Error(w http.ResponseWriter, message, code string, status int) {
	JSONWithStatus(w, status, ErrorResponse{Error: message, Code: code})
}

// FromError maps a core error to its status and wire code.
func FromError(w http.ResponseWriter, err error) {
	code := errs.Reason(err)
	status := http.StatusInternalServerError
	message := err.Error()

	switch code {
	case errs.ReasonInvalidCredential:
		status = http.StatusUnauthorized
	case errs.ReasonSuspended, errs.ReasonForbidden, errs.ReasonNotAMember:
		status = http.StatusForbidden
	case errs.ReasonNotFound:
		status = http.StatusNotFound
	case errs.ReasonInvalidMessage, errs.ReasonInvalidCommand:
		status = http.StatusBadRequest
	case errs.ReasonRateLimited:
		status = http.StatusTooManyRequests
	case errs.ReasonPersistenceFailed:
		status = http.StatusServiceUnavailable
	default:
		message = "Internal server error"
	}
	Error(w, message, code, status)
}

// ValidationError sends a validation error response
func ValidationError(w http.ResponseWriter, err error) {
	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, ve := range validationErrors {
			field := strings.ToLower(ve.Field())
			switch ve.Tag() {
			case "required":
				fields[field] = "This field is required"
			case "email":
				fields[field] = "Must be a valid email address"
			case "ip":
				fields[field] = "Must be a valid IP address"
			case "min":
				fields[field] = "Minimum length is " + ve.Param()
			case "max":
				fields[field] = "Maximum length is " + ve.Param()
			case "gt":
				fields[field] = "Must be greater than " + ve.Param()
			default:
				fields[field] = "Invalid value"
			}
		}
	}

	JSONWithStatus(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:  "Validation failed",
		Code:   errs.ReasonInvalidCommand,
		Fields: fields,
	})
}

// BadRequest sends a 400 error response
func BadRequest(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Bad request"
	}
	Error(w, message, errs.ReasonInvalidCommand, http.StatusBadRequest)
}

// Unauthorized sends a 401 error response
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Unauthorized"
	}
	Error(w, message, errs.ReasonInvalidCredential, http.StatusUnauthorized)
}

// Forbidden sends a 403 error response
func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Forbidden"
	}
	Error(w, message, errs.ReasonForbidden, http.StatusForbidden)
}

// Created sends a 201 response with data
func Created(w http.ResponseWriter, data interface{}) {
	JSONWithStatus(w, http.StatusCreated, data)
}

// NoContent sends a 204 response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
