package main

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/devsync/pkg/ratelimit"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName          = "github.com/haasonsaas/devsync/server"
	decisionsCounter   = "devsync.ratelimit.decisions"
	rateLimitedMessage = "rate limit exceeded"
)

// keyFunc derives the limiter key for a request.
type keyFunc func(c *gin.Context) string

func clientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// fixedKey puts every request under one shared quota.
func fixedKey(key string) keyFunc {
	return func(*gin.Context) string { return key }
}

// rateLimit admits requests through limiter and answers 429 on denial.
func rateLimit(name string, limiter *ratelimit.Limiter, keyFn keyFunc, logger zerolog.Logger) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = clientIPKey
	}
	decisions, err := otel.Meter(meterName).Int64Counter(decisionsCounter,
		metric.WithDescription("Rate limiter admission decisions"))
	if err != nil {
		logger.Warn().Err(err).Msg("Rate limit counter unavailable")
	}
	limit := strconv.Itoa(limiter.MaxCalls())

	return func(c *gin.Context) {
		key := keyFn(c)
		allowed, quota := limiter.Take(key)
		if decisions != nil {
			decisions.Add(c.Request.Context(), 1, metric.WithAttributes(
				attribute.String("limiter", name),
				attribute.Bool("allowed", allowed),
			))
		}

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))

		if allowed {
			c.Next()
			return
		}

		if quota.Resets {
			c.Header("Retry-After", retryAfter(quota.ResetIn))
		}
		reqLogger := requestLogger(c, logger)
		reqLogger.Warn().Str("limiter", name).Str("key", key).Dur("reset_in", quota.ResetIn).Msg("Rate limit exceeded")
		respondErrorWith(c, http.StatusTooManyRequests, rateLimitedMessage, gin.H{
			"reset_in":        formatResetIn(quota.ResetIn, quota.Resets),
			"remaining_calls": quota.Remaining,
		}, logger)
	}
}

// formatResetIn renders a reset duration as "12.3s", or nil when nothing resets.
func formatResetIn(d time.Duration, ok bool) any {
	if !ok {
		return nil
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
