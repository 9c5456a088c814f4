// Package api is the HTTP surface of the recorder: sessions, exports and
// stateless verification of uploaded artifacts.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/attest"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/verify"
	"go.uber.org/zap"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int   // 0 disables rate limiting
	MaxBodyBytes int64 // defaults to 32 MiB, enough for a full artifact
	Issuer       *attest.Issuer
}

// NewRouter builds the gin engine with middleware, health, metrics and the
// v1 routes. ctx bounds background middleware goroutines.
func NewRouter(ctx context.Context, mgr *recorder.Manager, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(PrometheusMiddleware())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", headerSegmentIndex, headerCapturedAt},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewSessionHandler(mgr, logger).Register(v1)
	NewVerifyHandler(verify.New(mgr.Signer()), cfg.Issuer, logger).Register(v1)
	return router
}

// RequestLogger returns a Gin middleware that logs each request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
