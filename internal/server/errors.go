package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/balancer/internal/balance/domain"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/observability/logger"
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
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrOrgRequired        = errors.New("org_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		errType, code := classifyErrorForLog(lastErr.Err)
		logger.SetRequestError(c, errType, code)

		if c.Writer.Written() {
			return
		}

		status, payload := mapError(lastErr.Err)
		if payload.Retryable && c.Writer.Header().Get("Retry-After") == "" {
			c.Header("Retry-After", "1")
		}
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

	switch {
	case errors.Is(err, balancedomain.ErrLockTimeout):
		return http.StatusConflict, errorPayload{
			Type:      "operation_in_progress",
			Message:   "another operation for this customer is in progress",
			Retryable: true,
		}
	case errors.Is(err, balancedomain.ErrOverageBlocked):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "overage_blocked",
			Message: "insufficient balance",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:      "rate_limited",
			Message:   "too many requests",
			Retryable: true,
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, balancedomain.ErrTransientStore),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "service_unavailable",
			Message:   "service unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status == http.StatusBadRequest && len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	if errors.Is(err, balancedomain.ErrInternalInconsistency) {
		return payload.Type, "internal_inconsistency"
	}
	return payload.Type, payload.Type
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
		errors.Is(err, ErrOrgRequired),
		errors.Is(err, errInvalidSnowflakeID):
		return true
	case errors.Is(err, balancedomain.ErrNoDeductions),
		errors.Is(err, balancedomain.ErrDuplicateFeature),
		errors.Is(err, balancedomain.ErrUnknownFeature):
		return true
	case errors.Is(err, ledgerdomain.ErrInvalidOrganization),
		errors.Is(err, ledgerdomain.ErrInvalidEnvironment),
		errors.Is(err, ledgerdomain.ErrInvalidCustomer),
		errors.Is(err, ledgerdomain.ErrInvalidFeature),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidCandidate),
		errors.Is(err, ledgerdomain.ErrNoCandidates),
		errors.Is(err, ledgerdomain.ErrInvalidTargetField):
		return true
	case errors.Is(err, featuredomain.ErrInvalidOrganization),
		errors.Is(err, featuredomain.ErrInvalidCode),
		errors.Is(err, featuredomain.ErrInvalidName),
		errors.Is(err, featuredomain.ErrInvalidType),
		errors.Is(err, featuredomain.ErrInvalidUsageType),
		errors.Is(err, featuredomain.ErrInvalidCreditSchema):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, featuredomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrOrgRequired,
		errInvalidSnowflakeID,
		balancedomain.ErrNoDeductions,
		balancedomain.ErrDuplicateFeature,
		balancedomain.ErrUnknownFeature,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	code := err.Error()
	if i := strings.Index(code, ":"); i > 0 {
		code = code[:i]
	}
	return code
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "org_required":
		return "org_id"
	case "no_deductions", "duplicate_feature":
		return "deductions"
	case "unknown_feature":
		return "feature_id"
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
	case "org_required":
		return "X-Org-ID header is required"
	case "unknown_feature":
		return "unknown feature"
	default:
		return "invalid value"
	}
}
