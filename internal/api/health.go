package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	healthCheckTimeout   = 2 * time.Second
	serviceName          = "promoter"
	serviceVersion       = "1.0.0"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := healthStatusHealthy
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				status = healthStatusDegraded
				results[name] = err.Error()
				continue
			}
			results[name] = healthStatusHealthy
		}

		code := http.StatusOK
		if status != healthStatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": serviceName,
			"version": serviceVersion,
			"checks":  results,
		})
	}
}
