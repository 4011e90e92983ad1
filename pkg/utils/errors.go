package utils

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalServer    = errors.New("internal server error")
	ErrConflict          = errors.New("resource conflict")
	ErrSourceUnavailable = errors.New("data source unavailable")
	ErrIdentityMissing   = errors.New("no schedule snapshot for game")
	ErrScoringInput      = errors.New("feature vector missing identity fields")
	ErrAlreadyRunning    = errors.New("job already running")
	ErrDeliveryFailure   = errors.New("alert delivery failed")
)

type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewAppError(code string, message string, details ...string) *AppError {
	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	ErrCodeIdentityMissing   = "IDENTITY_MISSING"
	ErrCodeScoringInput      = "SCORING_INPUT_INVALID"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeDelivery          = "DELIVERY_FAILURE"
	ErrCodeNoData            = "NO_DATA"
)
