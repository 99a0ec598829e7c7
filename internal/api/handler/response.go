package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-router-go/internal/models"
	"github.com/user/llm-router-go/internal/service"
)

// statusAndKind maps an execution error to the outbound HTTP status plus a
// wire-level error type string.
func statusAndKind(err error) (int, string) {
	var re *models.RouterError
	if errors.As(err, &re) {
		return re.HTTPStatus(), string(re.Kind)
	}
	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode, "upstream_error"
	}
	var te *service.TransportError
	if errors.As(err, &te) {
		if te.Kind == service.KindTimeout {
			return http.StatusGatewayTimeout, "timeout"
		}
		return http.StatusBadGateway, string(te.Kind)
	}
	return http.StatusInternalServerError, "internal_error"
}

// retryAfter tells rate-limited callers when the default block lifts.
func retryAfter(c *gin.Context, status int) {
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "60")
	}
}

// anthropicError writes the Anthropic-shaped error envelope.
func anthropicError(c *gin.Context, err error) {
	status, kind := statusAndKind(err)
	retryAfter(c, status)
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    kind,
			"message": err.Error(),
		},
	})
}

// openaiError writes the OpenAI-shaped error envelope.
func openaiError(c *gin.Context, err error) {
	status, kind := statusAndKind(err)
	retryAfter(c, status)
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": err.Error(),
			"type":    kind,
			"code":    status,
		},
	})
}
