package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/monitor"
)

// Server exposes the operator control surface over HTTP.
type Server struct {
	monitor *monitor.Monitor
	catalog *catalog.Catalog
	logger  *slog.Logger
	http    *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(mon *monitor.Monitor, cat *catalog.Catalog, logger *slog.Logger, addr string) *Server {
	s := &Server{
		monitor: mon,
		catalog: cat,
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(engine)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.healthz)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/monitor/start", s.startMonitoring)
		v1.POST("/monitor/stop", s.stopMonitoring)
		v1.GET("/status", s.status)
		v1.GET("/incidents", s.listIncidents)
		v1.GET("/patterns", s.listPatterns)
		v1.POST("/fix", s.manualFix)
		v1.POST("/rebuild", s.rebuild)
		v1.POST("/restart-all", s.restartAll)
		v1.POST("/cleanup", s.cleanup)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("control API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).String())
	}
}
