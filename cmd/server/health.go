package main

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-events/backend/pkg/response"
)

type healthCheck func(ctx context.Context) error

// healthHandler answers 503 listing every dependency that failed its check.
func healthHandler(checks map[string]healthCheck, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		var down []string
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				down = append(down, name)
			}
		}
		if len(down) > 0 {
			slices.Sort(down)
			response.ServiceUnavailable(c, "unavailable: "+strings.Join(down, ", "))
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	}
}
