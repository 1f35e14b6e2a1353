package server

import (
	"context"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/voxa/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/voxa/internal/observability/metrics"
	"github.com/smallbiznis/voxa/internal/ratelimit"
	"go.uber.org/zap"
)

// GenerationRateLimit applies the per-user request rate and in-flight cap.
// The in-flight slot is held until the handler returns, which for streaming
// responses is when the body has been written.
func (s *Server) GenerationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		identity, ok := identityFrom(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		ctx := c.Request.Context()

		res, err := s.limiter.AllowUser(ctx, identity.UserID)
		if err != nil {
			logger.FromContext(ctx).Warn("generation rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			retryAfter := int(math.Max(1, math.Ceil(res.RetryAfter.Seconds())))
			denyRateLimit(c, ratelimit.ReasonUserRate, retryAfter, s.obsMetrics)
			return
		}

		slot, ok, err := s.limiter.AcquireSlot(ctx, identity.UserID)
		if err != nil {
			logger.FromContext(ctx).Warn("generation in-flight lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !ok {
			denyRateLimit(c, ratelimit.ReasonInFlight, 1, s.obsMetrics)
			return
		}
		defer func() {
			if err := s.limiter.ReleaseSlot(context.WithoutCancel(ctx), slot); err != nil {
				logger.FromContext(ctx).Warn("generation in-flight unlock failed", zap.Error(err))
			}
		}()

		c.Next()
	}
}

func denyRateLimit(c *gin.Context, reason string, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("generation rate limit exceeded", zap.String("reason", reason))
	metrics.RecordRateLimitDenied(ctx, reason)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}
