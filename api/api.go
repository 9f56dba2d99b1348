package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ntouber/carpool-backend/internal/middleware"
	"github.com/ntouber/carpool-backend/post"
)

type Config struct {
	Auth0Domain string
	Audience    string
	// AdminAuth replaces Auth0 validation on admin routes when set.
	AdminAuth gin.HandlerFunc

	MetricsUsername string
	MetricsPassword string

	AllowedOrigins []string
}

type API struct {
	r      *gin.Engine
	posts  *post.Service
	logger *slog.Logger
}

func New(posts *post.Service, logger *slog.Logger, registry *prometheus.Registry, cfg Config) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		r:      gin.New(),
		posts:  posts,
		logger: logger,
	}

	a.r.Use(
		gin.Recovery(),
		middleware.Tracing(),
		middleware.Logging(logger),
		middleware.Metrics(registry),
		cors.New(corsConfig(cfg.AllowedOrigins)),
	)

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metrics := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	if cfg.MetricsUsername != "" {
		a.r.GET("/metrics", gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}), gin.WrapH(metrics))
	} else {
		a.r.GET("/metrics", gin.WrapH(metrics))
	}

	admin, err := a.adminAuth(cfg)
	if err != nil {
		return nil, err
	}

	g := a.r.Group("/posts")
	{
		g.POST("", a.createPostHandler)
		g.GET("", a.listOpenPostsHandler)
		g.GET("/search", a.searchPostsHandler)
		g.GET("/search/by-name", a.searchByDestinationNameHandler)
		g.GET("/search/:id", a.userPostsHandler)
		g.GET("/driver/:driverId", a.driverPostsHandler)
		g.GET("/:id", a.getPostHandler)
		g.PATCH("/request", a.requestPostHandler)
		g.PATCH("/:id", a.patchPostHandler)
		g.PATCH("/:id/image", a.uploadImageHandler)
		g.DELETE("/:id", a.deletePostHandler)

		g.GET("/admin", admin, a.listAllPostsHandler)
		g.DELETE("", admin, a.deleteAllPostsHandler)
	}

	return a, nil
}

func (a *API) Router() *gin.Engine {
	return a.r
}

func (a *API) adminAuth(cfg Config) (gin.HandlerFunc, error) {
	if cfg.AdminAuth != nil {
		return cfg.AdminAuth, nil
	}
	if cfg.Auth0Domain == "" {
		a.logger.Warn("no auth0 domain configured, admin routes are unauthenticated")
		return func(c *gin.Context) { c.Next() }, nil
	}
	mw, err := middleware.RequireJWT(cfg.Auth0Domain, cfg.Audience)
	if err != nil {
		return nil, fmt.Errorf("admin auth: %w", err)
	}
	return mw, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
