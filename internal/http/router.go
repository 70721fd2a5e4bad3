// Package httpapi wires the HTTP transport (Gin) to the procurement handlers
// and the cross-cutting middleware: tracing, correlation ids, redacted access
// logs, panic recovery, metrics, compression, CORS, security headers,
// idempotency and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/config"
	"github.com/tbourn/go-procurement-bot/internal/docs"
	"github.com/tbourn/go-procurement-bot/internal/http/handlers"
	"github.com/tbourn/go-procurement-bot/internal/http/middleware"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "OPTIONS"}
	corsHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderRequester, middleware.HeaderOperator, middleware.HeaderIdempotencyKey,
	}
	corsExpose = []string{middleware.HeaderRequestID, "Content-Length", "Retry-After", "ETag", "Idempotent-Replay"}
)

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery (after the logger so panics are still logged)
//  5. Body size limit
//  6. Metrics
//  7. Gzip
//  8. CORS and security headers
//
// API routes are rate limited per caller. The decision route validates its
// Idempotency-Key first so that replays bypass the limiter.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps handlers.Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/swagger"})))

	useCORS(r, cfg.CORS.AllowedOrigins)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(db))
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCaller())
	h := handlers.New(deps)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(rl.Handler())
	{
		api.POST("/intake", h.PostIntake)

		api.GET("/applications", h.ListApplications)
		api.GET("/applications/:id", h.GetApplication)
		api.GET("/applications/:id/emails", h.ListEmails)
		api.POST("/applications/:id/supplier", h.AssignSupplier)

		api.GET("/suppliers", h.ListSuppliers)
		api.GET("/suppliers/:id", h.GetSupplier)

		api.GET("/requesters/:id/notifications", h.ListNotifications)
		api.GET("/requesters/:id/applications", h.ListRequesterApplications)

		api.POST("/inbound/poll", h.PollInbound)
	}
	// Replays are detected before the limiter so they are never throttled.
	actions := groupWithPrefix(r, cfg.APIBasePath)
	actions.POST("/applications/:id/actions", idem, rl.Handler(), h.PostDecision)
}

// idempotencyLookup reports stored decisions for (application, key). Store
// errors count as a miss; the service re-checks under the application lock.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, applicationID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, applicationID, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// useCORS installs gin-contrib/cors. Without an allowlist every origin is
// accepted and credentials stay disabled.
func useCORS(r *gin.Engine, origins []string) {
	if len(origins) == 0 {
		// ACAO is forced even without an Origin header so plain probes see it.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    corsMethods,
			AllowHeaders:    corsHeaders,
			ExposeHeaders:   corsExpose,
			MaxAge:          12 * time.Hour,
		}))
		return
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  corsMethods,
		AllowHeaders:  corsHeaders,
		ExposeHeaders: corsExpose,
		MaxAge:        12 * time.Hour,
	}))
}

// limitBody caps every request body at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
