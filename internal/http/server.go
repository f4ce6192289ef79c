// Package http provides the learnd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/app"
	"github.com/fyrsmithlabs/learnd/internal/coord"
)

// Session headers. When omitted the process's configured session is used.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderProject   = "X-Project"
)

// Server provides HTTP endpoints for learnd.
type Server struct {
	echo    *echo.Echo
	app     *app.App
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// BodyLimit caps request bodies, in echo's size notation.
	BodyLimit string
}

// NewServer creates a new HTTP server over a.
func NewServer(a *app.App, logger *zap.Logger, cfg *Config) (*Server, error) {
	if a == nil {
		return nil, fmt.Errorf("app cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	s := &Server{
		echo:    e,
		app:     a,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/learnings", s.handleStore)
	v1.PATCH("/learnings/:id", s.handleAnnotate)
	v1.POST("/recall", s.handleRecall)

	v1.POST("/sessions", s.handleRegister)
	v1.POST("/sessions/heartbeat", s.handleHeartbeat)
	v1.GET("/sessions", s.handlePeers)

	v1.POST("/claims/check", s.handleCheck)
	v1.POST("/claims", s.handleClaim)
	v1.DELETE("/claims", s.handleRelease)

	v1.POST("/handoffs", s.handleHandoffCreate)
	v1.POST("/handoffs/:id/outcome", s.handleHandoffMark)
	v1.GET("/handoffs", s.handleHandoffSearch)

	v1.POST("/extract", s.handleExtract)
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// session resolves the caller's session from headers, falling back to the
// configured one field by field.
func (s *Server) session(c echo.Context) coord.SessionContext {
	sc := s.app.Session
	if id := c.Request().Header.Get(HeaderSessionID); id != "" {
		sc.SessionID = id
	}
	if p := c.Request().Header.Get(HeaderProject); p != "" {
		sc.Project = p
	}
	return sc
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Degraded bool   `json:"degraded"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Backend: s.app.Backend.Name(), Degraded: s.app.Degraded()}
	if resp.Degraded {
		resp.Status = "degraded"
	}
	markDegraded(c, resp.Degraded)
	return c.JSON(http.StatusOK, resp)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		body := ErrorResponse{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
