package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/voxa/internal/credit"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	obslogger "github.com/smallbiznis/voxa/internal/observability/logger"
	"github.com/smallbiznis/voxa/internal/storage"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/smallbiznis/voxa/internal/synthesis"
	"gorm.io/gorm"
)

// Reason codes returned in error bodies.
const (
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeValidation          = "VALIDATION"
	CodeNoSubscription      = "NO_SUBSCRIPTION"
	CodeExpired             = "EXPIRED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeUpstreamFailure     = "UPSTREAM_FAILURE"
	CodeTimeout             = "TIMEOUT"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Required  *int64            `json:"required,omitempty"`
	Remaining *int64            `json:"remaining,omitempty"`
	Shortfall *int64            `json:"shortfall,omitempty"`

	UpstreamStatus *int `json:"upstream_status,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Code:    CodeInternal,
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Code:    CodeValidation,
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var genErr *generationdomain.ValidationError
	if errors.As(err, &genErr) {
		status := http.StatusBadRequest
		if genErr.TooLong {
			status = http.StatusRequestEntityTooLarge
		}
		return status, errorPayload{
			Code:    CodeValidation,
			Message: genErr.Message,
			Errors: []ValidationError{
				{Field: genErr.Field, Code: validationErrorCode(genErr), Message: genErr.Message},
			},
		}
	}

	if denial, ok := credit.AsDenial(err); ok {
		return mapDenial(denial)
	}

	if upstream, ok := synthesis.AsUpstreamError(err); ok {
		return mapUpstream(upstream)
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Code:    CodeValidation,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identitydomain.ErrUnauthenticated):
		return http.StatusUnauthorized, errorPayload{
			Code:    CodeUnauthenticated,
			Message: "missing or invalid api key",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Code:    CodeForbidden,
			Message: "forbidden",
		}
	case errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists),
		errors.Is(err, identitydomain.ErrUserExists):
		return http.StatusConflict, errorPayload{
			Code:    CodeConflict,
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Code:    CodeNotFound,
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Code:    CodeRateLimited,
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, generationdomain.ErrShuttingDown):
		return http.StatusServiceUnavailable, errorPayload{
			Code:    CodeUnavailable,
			Message: "service unavailable",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorPayload{
			Code:    CodeTimeout,
			Message: "request timed out",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Code:    CodeInternal,
			Message: "internal server error",
		}
	}
}

// mapUpstream passes the engine's status and message through to the caller.
// The message is already capped when the error is built.
func mapUpstream(upstream *synthesis.UpstreamError) (int, errorPayload) {
	if upstream.Timeout {
		return http.StatusGatewayTimeout, errorPayload{
			Code:    CodeTimeout,
			Message: "speech synthesis timed out",
		}
	}

	payload := errorPayload{
		Code:    CodeUpstreamFailure,
		Message: "speech synthesis failed",
	}
	detail := strings.TrimSpace(upstream.Message)
	if detail == "" && upstream.Err != nil {
		detail = upstream.Err.Error()
	}
	if detail != "" {
		payload.Message = "speech synthesis failed: " + detail
	}
	if upstream.StatusCode != 0 {
		status := upstream.StatusCode
		payload.UpstreamStatus = &status
	}
	return http.StatusBadGateway, payload
}

func mapDenial(denial *credit.Denial) (int, errorPayload) {
	switch denial.Reason {
	case credit.ReasonNoSubscription:
		return http.StatusForbidden, errorPayload{
			Code:    CodeNoSubscription,
			Message: "no active subscription",
		}
	case credit.ReasonExpired:
		return http.StatusForbidden, errorPayload{
			Code:    CodeExpired,
			Message: "subscription has expired",
		}
	default:
		required, remaining, shortfall := denial.Required, denial.Remaining, denial.Shortfall
		return http.StatusPaymentRequired, errorPayload{
			Code:      CodeInsufficientCredits,
			Message:   "not enough credits for this request",
			Required:  &required,
			Remaining: &remaining,
			Shortfall: &shortfall,
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidCredits),
		errors.Is(err, subscriptiondomain.ErrInvalidDuration),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, identitydomain.ErrInvalidUser),
		errors.Is(err, identitydomain.ErrInvalidEmail),
		errors.Is(err, identitydomain.ErrInvalidRole),
		errors.Is(err, identitydomain.ErrInvalidName),
		errors.Is(err, identitydomain.ErrInvalidKeyID),
		errors.Is(err, identitydomain.ErrInvalidExpiry),
		errors.Is(err, generationdomain.ErrInvalidGeneration),
		errors.Is(err, storage.ErrInvalidKey):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrUserNotFound),
		errors.Is(err, identitydomain.ErrUserNotFound),
		errors.Is(err, identitydomain.ErrKeyNotFound),
		errors.Is(err, generationdomain.ErrGenerationNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	if errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists) {
		return "user already has an active subscription"
	}
	return "conflict"
}

func validationErrorCode(err *generationdomain.ValidationError) string {
	if err.TooLong {
		return "too_long"
	}
	if err.Field == "" {
		return "invalid_request"
	}
	return "invalid_" + strings.ToLower(err.Field)
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog returns the error class and reason code for request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if payload.Code == CodeUpstreamFailure || payload.Code == CodeTimeout {
		return obslogger.ErrorTypeUpstream, payload.Code
	}
	if status >= http.StatusInternalServerError {
		return "server", payload.Code
	}
	return "client", payload.Code
}
