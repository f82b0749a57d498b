package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"prompt-bridge/internal/completion"
	"prompt-bridge/internal/config"
	"prompt-bridge/internal/envfile"
	"prompt-bridge/internal/router"
	"prompt-bridge/internal/ruleset"
)

const (
	maxBodySize         = "1M"
	shutdownGracePeriod = 10 * time.Second
	readHeaderTimeout   = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Dependencies are the components the HTTP layer serves.
type Dependencies struct {
	Router     *router.Router
	Completion *completion.Service
	Rulesets   *ruleset.Store
	Env        *envfile.Editor
}

type Server struct {
	cfg  config.Config
	deps Dependencies
	app  *echo.Echo
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Router == nil {
		return nil, errors.New("router must not be nil")
	}
	if deps.Completion == nil {
		return nil, errors.New("completion service must not be nil")
	}
	if deps.Rulesets == nil {
		return nil, errors.New("ruleset store must not be nil")
	}
	if deps.Env == nil {
		return nil, errors.New("env editor must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.Server.AppURL},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, headerOpenRouterKey},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))

	srv := &Server{
		cfg:  cfg,
		deps: deps,
		app:  e,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo application for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, port, err := listen(s.cfg.Server.Port, s.cfg.Server.PortRetries)
	if err != nil {
		return err
	}
	s.app.Listener = ln

	printStartupBanner(port)
	slog.Info("starting server", "addr", ln.Addr().String())

	// WriteTimeout stays zero: completions are long-lived event streams.
	httpServer := &http.Server{
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// listen binds port, moving to the next one while the address is in use.
func listen(port, retries int) (net.Listener, int, error) {
	for attempt := 0; ; attempt++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || attempt >= retries || port >= 65535 {
			return nil, 0, fmt.Errorf("listen on port %d: %w", port, err)
		}
		slog.Warn("port in use, trying next", "port", port, "next", port+1)
		port++
	}
}

func (s *Server) registerRoutes() {
	api := s.app.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/providers", s.handleProviders)
	api.GET("/rulesets", s.handleListRulesets)
	api.POST("/complete", s.handleComplete)
	api.GET("/complete", s.handleCompleteMethod)

	admin := api.Group("/admin", originGuard(s.cfg.Server.AppURL))
	admin.GET("/rulesets/:id", s.handleGetRuleset)
	admin.PUT("/rulesets/:id", s.handlePutRuleset)
	admin.POST("/rulesets", s.handleCreateRuleset)
	admin.GET("/env", s.handleGetEnv)
	admin.PUT("/env", s.handlePutEnv)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"providers": s.deps.Router.Providers()})
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonErrorHandler(err error, c echo.Context) {
	// An event stream has already started; its terminator was written by the
	// stream writer and nothing may follow it.
	if c.Response().Committed {
		slog.Warn("error after response committed", "err", err)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorBody{Error: fmt.Sprint(he.Message)})
		return
	}

	slog.Error("unhandled error", "err", err)
	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("prompt-bridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /api/health")
	fmt.Println("  GET  /api/providers")
	fmt.Println("  GET  /api/rulesets")
	fmt.Println("  POST /api/complete")
	fmt.Println("  GET|PUT /api/admin/rulesets/:id, POST /api/admin/rulesets")
	fmt.Println("  GET|PUT /api/admin/env")
	fmt.Printf("Example:\n  curl -N http://%s:%d/api/complete -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
