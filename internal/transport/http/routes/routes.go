package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/config"
	"github.com/arklim/extension-license-service/internal/transport/http/handlers"
	"github.com/arklim/extension-license-service/internal/transport/http/middleware"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Challenges handlers.ChallengeIssuer
	Validator  handlers.LicenseValidator
	Sessions   handlers.SessionKeeper
	Admin      handlers.LicenseAdministrator
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config        *config.AppConfig
	Logger        *zap.Logger
	RateLimiter   *middleware.RateLimiter
	HTTPMetrics   *middleware.HTTPMetrics
	Handshake     port.HandshakeMetrics
	Services      ServiceSet
	AdminVerifier middleware.AdminTokenVerifier
	Database      DatabaseChecker
	Cache         CacheChecker
	Metrics       http.Handler
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if len(deps.Config.HTTP.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(deps.Config.HTTP.TrustedProxies); err != nil && deps.Logger != nil {
			deps.Logger.Warn("invalid trusted proxies, falling back to defaults", zap.Error(err))
		}
	}
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(allowedOrigins(deps.Config)))
	r.Use(deps.HTTPMetrics.Handler())

	healthOptions := make([]handlers.HealthOption, 0, 2)

	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}

	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))

	api := r.Group("/api/v1")
	{
		licenseHandler := handlers.NewLicenseHandler(
			deps.Services.Challenges,
			deps.Services.Validator,
			deps.Services.Sessions,
			deps.Handshake,
		)
		licenseHandler.RegisterRoutes(api.Group("/license"), buildEndpointLimits(deps))

		if deps.Config.Admin.Enabled && deps.Services.Admin != nil {
			adminGroup := api.Group("/admin")
			adminGroup.Use(middleware.RequireAdmin(deps.AdminVerifier))
			handlers.NewAdminHandler(deps.Services.Admin).RegisterRoutes(adminGroup)
		}
	}

	return r
}

func allowedOrigins(cfg *config.AppConfig) []string {
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.HTTP.AllowedOrigins
}

// buildEndpointLimits returns the per-IP sliding-window middleware keyed by endpoint name.
func buildEndpointLimits(deps Dependencies) map[string]gin.HandlerFunc {
	if deps.RateLimiter == nil || deps.Config == nil {
		return nil
	}

	window := deps.Config.RateLimit.IPWindow
	if window <= 0 {
		window = time.Minute
	}

	limits := map[string]int{
		"challenge": deps.Config.RateLimit.ChallengeMaxAttempts,
		"validate":  deps.Config.RateLimit.ValidateMaxAttempts,
		"heartbeat": deps.Config.RateLimit.HeartbeatMaxAttempts,
	}

	middlewares := make(map[string]gin.HandlerFunc, len(limits))
	for endpoint, limit := range limits {
		if limit <= 0 {
			continue
		}
		middlewares[endpoint] = deps.RateLimiter.RateLimit(middleware.RateLimitRule{
			Name:       endpoint + "_ip",
			Limit:      limit,
			Window:     window,
			Identifier: middleware.ClientIPIdentifier(),
		})
	}

	return middlewares
}
