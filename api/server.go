// Package api is the coordination surface of jobmon: a stateless HTTP/JSON
// layer that versioned clients, workers and distributors talk to. Every
// handler binds a request, delegates to the engine and maps the outcome onto
// the shared error kinds; no state lives here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"jobmon.evalgo.org/cache"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/security"
	"jobmon.evalgo.org/version"
)

// Server wires the echo instance, the engine and the supporting services
// together for one API process.
type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	engine *engine.Engine
	store  *db.Store
	cache  *cache.Cache
	tokens *security.TokenService
	log    *logrus.Entry
}

// NewServer builds the echo instance with the standard middleware stack and
// registers every route under each configured API version.
func NewServer(cfg *config.Config, eng *engine.Engine, store *db.Store, c *cache.Cache) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
	}))
	e.Use(middleware.RequestID())
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.Server.RateLimit),
		)))
	}

	s := &Server{
		cfg:    cfg,
		echo:   e,
		engine: eng,
		store:  store,
		cache:  c,
		tokens: security.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration),
		log:    common.ComponentLogger("api"),
	}
	e.HTTPErrorHandler = s.httpErrorHandler

	e.GET("/health", s.health)
	e.POST("/auth/token", s.issueToken)

	for _, v := range cfg.Server.Versions {
		s.registerRoutes(e.Group("/api/" + v))
	}

	return s
}

// Handler exposes the underlying handler for tests driving the server with
// httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	s.log.WithField("addr", addr).WithField("versions", s.cfg.Server.Versions).Info("starting API server")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	DB      string `json:"db"`
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{
		Status:  "healthy",
		Service: "jobmon",
		Version: version.GetVersion(),
		DB:      "up",
	}
	if err := s.store.Ping(c.Request().Context()); err != nil {
		resp.Status = "degraded"
		resp.DB = "down"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
