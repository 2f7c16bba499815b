package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeDuplicateResource     = "DUPLICATE_RESOURCE"
	ErrCodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidState          = "INVALID_STATE"
	ErrCodeConflict              = "CONCURRENCY_CONFLICT"
	ErrCodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrValidation):
		status(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, types.ErrInsufficientFunds):
		status(c, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		status(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, types.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, types.ErrInvalidState):
		status(c, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, types.ErrConcurrencyConflict):
		status(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, types.ErrInsufficientLiquidity):
		status(c, http.StatusUnprocessableEntity, ErrCodeInsufficientLiquidity, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	statusCode := http.StatusOK
	if c.Request.Method == "POST" {
		statusCode = http.StatusCreated
	}

	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	status(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	status(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	status(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	status(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	status(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	status(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func status(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
