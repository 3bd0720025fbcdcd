package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrPricingUnavailable  ErrorType = "PRICING_UNAVAILABLE"
	ErrMalformedAuth       ErrorType = "MALFORMED_AUTHORIZATION"
	ErrExpired             ErrorType = "EXPIRED"
	ErrReplayed            ErrorType = "REPLAYED"
	ErrInsufficientAmount  ErrorType = "INSUFFICIENT_AMOUNT"
	ErrSignatureInvalid    ErrorType = "SIGNATURE_INVALID"
	ErrFacilitatorDown     ErrorType = "FACILITATOR_UNREACHABLE"
	ErrFacilitatorRejected ErrorType = "FACILITATOR_REJECTED"
	ErrInvalidRequest      ErrorType = "INVALID_REQUEST"
	ErrInternal            ErrorType = "INTERNAL_ERROR"
	ErrNotFound            ErrorType = "NOT_FOUND"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrMalformedAuth, ErrExpired, ErrReplayed, ErrInsufficientAmount,
		ErrSignatureInvalid, ErrFacilitatorRejected:
		return http.StatusPaymentRequired
	case ErrPricingUnavailable, ErrFacilitatorDown:
		return http.StatusServiceUnavailable
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrPricingUnavailable, ErrFacilitatorDown:
		return "Retry after the upstream service recovers."
	case ErrExpired:
		return "Sign a fresh authorization with a valid time window."
	case ErrReplayed:
		return "Each authorization nonce can only be consumed once."
	case ErrInsufficientAmount:
		return "Sign an authorization covering the quoted amount."
	case ErrMalformedAuth, ErrSignatureInvalid:
		return "Check the X-Payment header encoding and signature."
	default:
		return ""
	}
}
