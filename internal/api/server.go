package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/db"
	"github.com/kargono/kgnet/internal/health"
	"github.com/kargono/kgnet/internal/metrics"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
	"github.com/kargono/kgnet/internal/server"
)

// Transport is the part of the game server the API reads and drives.
type Transport interface {
	Snapshot() []server.ConnectionInfo
	NumClients() int
	MaxClients() int
	LocalAddr() network.Address
	Uptime() time.Duration
	AppID() protocol.AppID
	Dropped() uint64
	Kick(idx network.ClientIndex) error
	SendMessage(idx network.ClientIndex, msg *protocol.Message) error
	Broadcast(msg *protocol.Message) (int, error)
}

// History is the session store as seen by the API.
type History interface {
	Recent(limit int) ([]db.SessionRecord, error)
	Get(id string) (db.SessionRecord, error)
	Denials(limit int) ([]db.DenialRecord, error)
}

// HealthSource reports the latest health check round.
type HealthSource interface {
	Last() health.Report
}

// Server is the admin REST API.
type Server struct {
	cfg       config.APIConfig
	transport Transport
	history   History
	metrics   *metrics.Collector
	health    HealthSource

	httpServer *http.Server
	router     *gin.Engine
}

// Option configures optional API dependencies.
type Option func(*Server)

// WithHistory serves session history from h.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithHealth serves health reports from h on /api/public/health.
func WithHealth(h HealthSource) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics exposes c on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer creates the API server. Gin runs in debug mode only when
// debug is set.
func NewServer(cfg config.APIConfig, transport Transport, debug bool, opts ...Option) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		transport: transport,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.Token == "" {
		log.Warn().Msg("API token is empty, protected endpoints are open")
	}
	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
		if s.health != nil {
			public.GET("/health", s.handleHealth)
		}
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/connections/:index", s.handleConnection)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/sessions/:id", s.handleSession)
		monitor.GET("/denials", s.handleDenials)
		monitor.GET("/system", s.handleSystem)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:index", s.handleKick)
		control.POST("/message/:index", s.handleMessage)
		control.POST("/broadcast", s.handleBroadcast)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "kgnet API is running"})
	})

	return router
}
