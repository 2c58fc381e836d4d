package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexcredit/internal/authorization"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	quotadomain "github.com/smallbiznis/lexcredit/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"gorm.io/gorm"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	UsageID string            `json:"usage_id,omitempty"`
	Usage   any               `json:"usage,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
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
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
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

	// Provider failures leave a usage record behind; the caller gets its id
	// but never the provider's own message.
	if isProviderError(err) {
		status, payload := mapProviderError(err)
		var usageErr *generationdomain.UsageError
		if errors.As(err, &usageErr) && usageErr.UsageID != 0 {
			payload.UsageID = usageErr.UsageID.String()
		}
		return status, payload
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrUnauthenticated),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "quota exceeded for the current period",
		}
	case errors.Is(err, generationdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, generationdomain.ErrDuplicateRequest):
		payload := errorPayload{
			Type:    "duplicate_request",
			Message: "a request with this idempotency key already exists",
		}
		var dup *generationdomain.DuplicateRequestError
		if errors.As(err, &dup) && dup.Usage != nil {
			payload.UsageID = dup.Usage.ID.String()
			payload.Usage = dup.Usage
		}
		return http.StatusConflict, payload
	case errors.Is(err, generationdomain.ErrUsageNotFailed),
		errors.Is(err, generationdomain.ErrUsageFinalized):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrLedgerInconsistency):
		return http.StatusConflict, errorPayload{
			Type:    "ledger_inconsistency",
			Message: "account balance does not match its ledger",
		}
	case errors.Is(err, ledgerdomain.ErrAccountFrozen):
		return http.StatusLocked, errorPayload{
			Type:    "account_frozen",
			Message: "account is frozen pending review",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable, try again",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error, try again",
		}
	}
}

func isProviderError(err error) bool {
	return errors.Is(err, generationdomain.ErrProviderFailed) ||
		errors.Is(err, generationdomain.ErrProviderTimeout) ||
		errors.Is(err, generationdomain.ErrProviderAmbiguousFailure)
}

func mapProviderError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, generationdomain.ErrProviderTimeout):
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "provider_timeout",
			Message: "generation timed out",
		}
	case errors.Is(err, generationdomain.ErrProviderAmbiguousFailure):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_ambiguous_failure",
			Message: "generation outcome unknown, usage held for review",
		}
	default:
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_failed",
			Message: "generation failed, credits were returned",
		}
	}
}

// classifyErrorForLog feeds the request logger; it returns the error type and
// a short safe message.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Message
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
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, generationdomain.ErrInvalidAccount),
		errors.Is(err, generationdomain.ErrInvalidOperation),
		errors.Is(err, generationdomain.ErrUnknownOperation),
		errors.Is(err, generationdomain.ErrInvalidResolution),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidAccount),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, generationdomain.ErrUsageNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == "unknown_operation" {
		return "operation_kind"
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_operation":
		return "operation kind is not priced"
	default:
		return "invalid value"
	}
}
