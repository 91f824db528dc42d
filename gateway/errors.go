package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/laiskygw/geminigw/transform"
)

// writeClientError writes an OpenAI-shaped error body, matching what a
// client of this API already expects from upstream error responses.
func writeClientError(c *gin.Context, status int, message string) {
	c.JSON(status, transform.ErrorBody{Error: transform.ErrorDetail{
		Message: message,
		Type:    "invalid_request_error",
	}})
}

func writeUpstreamError(c *gin.Context, status int, message string) {
	c.JSON(status, transform.ErrorBody{Error: transform.ErrorDetail{
		Message: message,
		Type:    "upstream_error",
	}})
}
