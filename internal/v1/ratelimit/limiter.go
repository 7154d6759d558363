// Package ratelimit guards the WebSocket upgrade endpoint against abusive
// clients. Limits are keyed by client IP and enforced before any room or
// document state is touched.
package ratelimit

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/da-live/collab/internal/v1/logging"
	"go.uber.org/zap"
)

// RateLimiter wraps the per-IP limiter for WebSocket upgrades.
type RateLimiter struct {
	ws      *limiter.Limiter
	enabled bool
}

// New builds a RateLimiter from a rate string like "100-M" (100 per minute).
// When enabled is false the limiter always admits (development mode).
func New(wsRate string, enabled bool) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsRate)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		ws:      limiter.New(memory.NewStore(), rate),
		enabled: enabled,
	}, nil
}

// CheckWebSocket admits or rejects an upgrade request. On rejection it
// writes the 429 response itself and returns false.
func (r *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if r == nil || !r.enabled {
		return true
	}

	lctx, err := r.ws.Get(context.Background(), "ws:"+c.ClientIP())
	if err != nil {
		logging.Warn(c.Request.Context(), "Rate limiter failure, admitting request", zap.Error(err))
		return true
	}
	if lctx.Reached {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}
