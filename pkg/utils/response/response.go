package response

import (
	"net/http"

	"acarunner/pkg/errors"
	"acarunner/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorBody is the failure shape shared with the backend.
// Client errors carry their reason in Error; server errors use the
// generic "runner error" label and put the reason in Message.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Code    errors.ErrorCode       `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// Success writes data as-is with 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Error sends an error response
// It extracts the code and message from err and picks the HTTP status from the code.
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)
	status := customErr.Code.HTTPStatus()

	fields := []zap.Field{
		zap.Int("code", int(customErr.Code)),
		zap.String("message", customErr.Error()),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		fields = append(fields, zap.String("stack", customErr.Stack))
		logger.Error(c.Request.Context(), "request error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	body := ErrorBody{
		Code:    customErr.Code,
		TraceID: getTraceID(c),
	}
	if len(customErr.Details) > 0 {
		body.Details = customErr.Details
	}
	if status >= http.StatusInternalServerError {
		body.Error = errors.RunnerError.Message()
		body.Message = customErr.Error()
	} else {
		body.Error = customErr.Error()
	}
	c.JSON(status, body)
}

// BadRequest sends a 400 bad request error
func BadRequest(c *gin.Context, message string) {
	Error(c, errors.New(errors.InvalidParams).WithMessage(message))
}

func getTraceID(c *gin.Context) string {
	if traceID, ok := c.Get("trace_id"); ok {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}
