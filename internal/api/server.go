// Package api serves the read-only operator surface: login, engine
// status, open positions, recent events and recent trades. There are
// deliberately no job-control routes; stopping or reconfiguring the
// engine happens through the process, not the API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/store"
)

// Config holds the server and operator-auth settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	JWTSecret    string
	TokenTTL     time.Duration
	Username     string
	PasswordHash string // bcrypt

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// EngineAPI is the narrow view of the runtime the server exposes.
type EngineAPI interface {
	Status() map[string]interface{}
	Positions() []map[string]interface{}
}

// Deps carries the server's collaborators.
type Deps struct {
	Engine EngineAPI
	Events *events.Ring
	Store  store.Store
	Logger zerolog.Logger
}

// Server is the operator status API.
type Server struct {
	cfg        Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	tokens     *tokenManager
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer builds the router and all routes. Start brings it up.
func NewServer(cfg Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    router,
		tokens:    newTokenManager(cfg.JWTSecret, cfg.TokenTTL),
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/api/v1/login", s.handleLogin)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/positions", s.handlePositions)
		v1.GET("/events/recent", s.handleRecentEvents)
		v1.GET("/trades/recent", s.handleRecentTrades)
	}
}

// Handler exposes the router, which tests drive directly.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks on ListenAndServe until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("status API listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("status API shutting down")
	return s.httpServer.Shutdown(ctx)
}
