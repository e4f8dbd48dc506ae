package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/devsync/pkg/ai"
	"github.com/haasonsaas/devsync/pkg/health"
	"gorm.io/gorm"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1", s.requireAdmin)
	admin.GET("/deliveries", s.handleListDeliveries)
	admin.GET("/deliveries/:id", s.handleGetDelivery)
	admin.GET("/limits", s.handleLimits)
}

// requireAdmin checks the bearer token. Without a configured token the
// admin routes are open.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		c.Next()
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
		return
	}
	deliveries, err := s.deliveries.List(c.Request.Context(), DeliveryFilter{
		Status:   c.Query("status"),
		IssueKey: c.Query("issue"),
		Limit:    limit,
	})
	if err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("List deliveries")
		respondError(c, http.StatusInternalServerError, "failed to list deliveries", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (s *Server) handleGetDelivery(c *gin.Context) {
	d, err := s.deliveries.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "delivery not found", s.logger)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load delivery", s.logger)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.limitsSnapshot())
}

func (s *Server) limitsSnapshot() gin.H {
	q := s.aiLimiter.Quota(ai.RateLimitKey)
	return gin.H{
		"inbound": s.inbound.Stats(),
		"ai": gin.H{
			"limit":           q.Limit,
			"remaining_calls": q.Remaining,
			"reset_in":        formatResetIn(q.ResetIn, q.Resets),
		},
	}
}

// handleHealth reports static service status, or probes upstreams with ?deep=true.
func (s *Server) handleHealth(c *gin.Context) {
	var status *health.HealthStatus
	if deep, _ := strconv.ParseBool(c.Query("deep")); deep {
		status = health.Check(c.Request.Context(), nil, s.probes)
	} else {
		status = health.Static("github", "jira", "ai")
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	resp := gin.H{
		"status":      status.Status,
		"timestamp":   status.Timestamp.Format(time.RFC3339),
		"services":    status.Services,
		"version":     Version,
		"rate_limits": s.limitsSnapshot(),
	}
	if len(status.Issues) > 0 {
		resp["issues"] = status.Issues
	}
	c.JSON(code, resp)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
