package server

import (
	"errors"
	"net/http"
	"strings"

	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"github.com/docuvine/docuvine/internal/providers/extraction"
	"github.com/docuvine/docuvine/internal/providers/training"
	"github.com/gin-gonic/gin"
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
	Detail  map[string]any    `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
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
					Message: "invalid value",
				},
			},
		}
	}

	// Insufficient credits carries the shortfall so clients can prompt
	// for the exact top-up.
	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
			Detail: map[string]any{
				"required":  insufficient.Required,
				"available": insufficient.Available,
				"shortfall": insufficient.Shortfall(),
			},
		}
	}
	if errors.Is(err, creditdomain.ErrInsufficientCredits) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	}

	var insufficientData *finetunedomain.InsufficientDataError
	if errors.As(err, &insufficientData) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_training_data",
			Message: "not enough verified training documents",
			Detail: map[string]any{
				"document_type": string(insufficientData.DocumentType),
				"required":      insufficientData.Required,
				"available":     insufficientData.Available,
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, creditdomain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, training.ErrUnavailable),
		errors.Is(err, extraction.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
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
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrAmountAboveCap),
		errors.Is(err, creditdomain.ErrInvalidReason),
		errors.Is(err, creditdomain.ErrInvalidPlan),
		errors.Is(err, creditdomain.ErrMissingActor),
		errors.Is(err, creditdomain.ErrMissingIdempotencyKey),
		errors.Is(err, documentdomain.ErrInvalidDocumentType),
		errors.Is(err, documentdomain.ErrMissingFileRef),
		errors.Is(err, documentdomain.ErrInvalidPageCount),
		errors.Is(err, documentdomain.ErrInvalidTrainPercentage),
		errors.Is(err, documentdomain.ErrMissingPayload),
		errors.Is(err, documentdomain.ErrMissingActor),
		errors.Is(err, finetunedomain.ErrMissingActor),
		errors.Is(err, deploymentdomain.ErrInvalidTraffic):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, creditdomain.ErrAccountExists),
		errors.Is(err, creditdomain.ErrDuplicateOperation),
		errors.Is(err, documentdomain.ErrInvalidTransition),
		errors.Is(err, documentdomain.ErrNotExtracted),
		errors.Is(err, finetunedomain.ErrJobAlreadyActive),
		errors.Is(err, finetunedomain.ErrJobTerminal),
		errors.Is(err, deploymentdomain.ErrInvalidState),
		errors.Is(err, deploymentdomain.ErrVersionExists):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, creditdomain.ErrDuplicateOperation):
		return "duplicate operation"
	case errors.Is(err, documentdomain.ErrInvalidTransition):
		return "invalid state transition"
	case errors.Is(err, documentdomain.ErrNotExtracted):
		return "document not extracted"
	case errors.Is(err, finetunedomain.ErrJobAlreadyActive):
		return "a job for this document type is already active"
	case errors.Is(err, finetunedomain.ErrJobTerminal):
		return "job already finished"
	case errors.Is(err, deploymentdomain.ErrInvalidState):
		return "invalid deployment state"
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, creditdomain.ErrAccountNotFound),
		errors.Is(err, documentdomain.ErrDocumentNotFound),
		errors.Is(err, finetunedomain.ErrJobNotFound),
		errors.Is(err, deploymentdomain.ErrVersionNotFound),
		errors.Is(err, deploymentdomain.ErrNoActiveVersion),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if strings.HasPrefix(code, "missing_") {
		return strings.TrimPrefix(code, "missing_")
	}
	return ""
}
