// Package middleware holds the Gin middleware shared by the HTTP, websocket
// and admin surfaces.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
)

// CorrelationHeader carries the request's correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID tags every request with a correlation ID. A caller-supplied
// header value is reused so IDs follow a request across services; otherwise a
// fresh UUID is minted. The ID is echoed in the response header and planted
// in the request context, where the logging helpers pick it up as the
// correlation_id field on every line logged downstream, websocket dispatch
// included.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Header(CorrelationHeader, id)
		c.Set(string(logging.CorrelationIDKey), id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
