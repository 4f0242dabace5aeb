package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gojack/internal/server"
)

// APIServer provides read-only HTTP endpoints for health checking and graph
// state, plus the Prometheus metrics endpoint. It runs on a separate TCP
// port from the unix-socket protocol and is disabled unless -api-addr is
// given.
type APIServer struct {
	eng  *server.Engine
	echo *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(eng *server.Engine) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &APIServer{eng: eng, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/clients", s.handleClients)
	s.echo.GET("/api/ports", s.handlePorts)
	s.echo.GET("/api/connections", s.handleConnections)
	s.echo.GET("/api/transport", s.handleTransport)
	s.echo.GET("/api/graph", s.handleGraph)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(newMetrics(s.eng), promhttpOpts())))
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	log.Printf("[api] listening on %s", addr)
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status     string  `json:"status"`
	Server     string  `json:"server"`
	BufferSize uint32  `json:"buffer_size"`
	SampleRate uint32  `json:"sample_rate"`
	CPULoad    float32 `json:"cpu_load"`
	XRuns      uint64  `json:"xruns"`
	Cycles     uint64  `json:"cycles"`
	Freewheel  bool    `json:"freewheeling"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Server:     s.eng.Name(),
		BufferSize: s.eng.BufferSize(),
		SampleRate: s.eng.SampleRate(),
		CPULoad:    s.eng.CPULoad(),
		XRuns:      s.eng.XRuns(),
		Cycles:     s.eng.Cycles(),
		Freewheel:  s.eng.Freewheeling(),
	})
}

func (s *APIServer) handleClients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.eng.Clients())
}

func (s *APIServer) handlePorts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.eng.Ports())
}

func (s *APIServer) handleConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, s.eng.Connections())
}

func (s *APIServer) handleTransport(c echo.Context) error {
	return c.JSON(http.StatusOK, s.eng.Transport())
}

// GraphResponse bundles the whole graph for one-shot inspection.
type GraphResponse struct {
	Clients     []server.ClientInfo     `json:"clients"`
	Connections []server.ConnectionInfo `json:"connections"`
	Feedback    int                     `json:"feedback_connections"`
}

func (s *APIServer) handleGraph(c echo.Context) error {
	return c.JSON(http.StatusOK, GraphResponse{
		Clients:     s.eng.Clients(),
		Connections: s.eng.Connections(),
		Feedback:    s.eng.FeedbackCount(),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}
