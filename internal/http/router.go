// Package httpapi wires the HTTP transport (Gin) to the dispatcher services,
// middleware and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, access logging, panic recovery, metrics,
// compression, CORS, security headers, idempotency and rate limiting.
package httpapi

import (
	"context"
	"errors"
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

	"github.com/tbourn/go-tg-dispatcher/docs"
	"github.com/tbourn/go-tg-dispatcher/internal/cache"
	"github.com/tbourn/go-tg-dispatcher/internal/config"
	"github.com/tbourn/go-tg-dispatcher/internal/http/handlers"
	"github.com/tbourn/go-tg-dispatcher/internal/http/middleware"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
	"github.com/tbourn/go-tg-dispatcher/internal/services"
)

// maxBodyBytes caps request bodies. A 1000-recipient dispatch with a
// per-recipient context fits comfortably.
const maxBodyBytes = 2 << 20

// Deps are the runtime dependencies of the HTTP API.
type Deps struct {
	DB        *gorm.DB
	Scheduler queue.Scheduler
	Notifier  services.StatusNotifier
	Cache     cache.Cache
}

// RegisterRoutes attaches all middleware and endpoints to r and mounts the
// public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog (masks secrets, scrubs PII)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. Rate limiter (per client id or IP)
//  9. Compression, CORS and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(middleware.AccessLogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: cfg.IdempotencyKeyMaxLen},
		notificationExists(deps.DB),
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/swagger"})))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
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

	ttl := cfg.Cache.TemplateTTL
	if ttl <= 0 {
		ttl = services.DefaultTemplateTTL
	}
	h := handlers.New(
		&services.NotificationService{DB: deps.DB, Scheduler: deps.Scheduler},
		&services.PairingService{DB: deps.DB, Notifier: deps.Notifier},
		&services.TemplateService{DB: deps.DB, Cache: deps.Cache, TTL: ttl},
	)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Notifications
		api.POST("/notifications", h.EnqueueNotification)
		api.GET("/notifications", h.ListNotifications)
		api.GET("/notifications/:fingerprint", h.GetNotification)
		api.POST("/notifications/:fingerprint/replay", h.ReplayNotification)

		// Bindings
		api.POST("/bindings", h.LinkBinding)
		api.GET("/bindings", h.ListBindings)
		api.POST("/bindings/:chat_id/deny", h.DenyBinding)

		// Templates
		api.PUT("/templates", h.UpsertTemplate)
	}
}

// notificationExists reports whether an Idempotency-Key already names a
// record of the notification log.
func notificationExists(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, key string) (bool, error) {
		_, err := repo.GetNotification(ctx, db, key)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		return true, nil
	}
}

// corsMiddleware allows every origin when the allowlist is empty, otherwise
// only the listed ones.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderClientID, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps the request body at maxBytes; reads past it fail.
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
