package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"executor-core/internal/connection"
	"executor-core/internal/events"
	"executor-core/internal/health"
	"executor-core/internal/monitor"
	"executor-core/internal/registry"
	"executor-core/internal/safety"
	"executor-core/pkg/db"
)

// Server exposes the executor's local status surface: connection health,
// active strategies, recent signals, system metrics and the kill switch.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Registry   *registry.Registry
	Supervisor *connection.Supervisor
	KillSwitch *safety.KillSwitch
	Monitor    *monitor.Monitor
	Metrics    *health.Metrics
	Logs       *health.LogBuffer
	JWTSecret  string
	Meta       SystemMeta

	passwordHash string
	started      time.Time
}

// SystemMeta describes this executor instance.
type SystemMeta struct {
	ExecutorID string
	Version    string
}

func NewServer(bus *events.Bus, database *db.Database, reg *registry.Registry, sup *connection.Supervisor, ks *safety.KillSwitch, mon *monitor.Monitor, metrics *health.Metrics, logs *health.LogBuffer, meta SystemMeta, jwtSecret, passwordHash string) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:       r,
		Bus:          bus,
		DB:           database,
		Registry:     reg,
		Supervisor:   sup,
		KillSwitch:   ks,
		Monitor:      mon,
		Metrics:      metrics,
		Logs:         logs,
		JWTSecret:    jwtSecret,
		Meta:         meta,
		passwordHash: passwordHash,
		started:      time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.stream)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/connections", s.getConnections)
			protected.GET("/strategies", s.getStrategies)
			protected.GET("/signals", s.getRecentSignals)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/logs", s.getLogs)

			protected.POST("/strategies", s.startStrategy)
			protected.DELETE("/strategies/:id", s.stopStrategy)

			protected.GET("/killswitch", s.getKillSwitch)
			protected.POST("/killswitch/trip", s.tripKillSwitch)
			protected.POST("/killswitch/reset", s.resetKillSwitch)

			protected.POST("/strategies/:id/attached", s.setAttached)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
