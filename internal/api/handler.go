// Package api exposes the operator surface: authentication, kill-switch and
// breaker controls, model lifecycle operations, and the health/audit views.
package api

import (
	"net/http"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/breaker"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/monitor"
	"tradeguard/internal/registry"
	"tradeguard/internal/state"
	"tradeguard/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the control plane.
type Server struct {
	Router     *gin.Engine
	DB         *db.Database
	Audit      *audit.Log
	Breakers   *breaker.Engine
	KillSwitch *killswitch.Manager
	Registry   *registry.Registry
	Monitor    *monitor.Monitor
	State      *state.Manager
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun  bool
	Venue   string
	Version string
}

func NewServer(database *db.Database, auditLog *audit.Log, breakers *breaker.Engine,
	ks *killswitch.Manager, reg *registry.Registry, mon *monitor.Monitor,
	st *state.Manager, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(mon.MetricsRef()))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		DB:         database,
		Audit:      auditLog,
		Breakers:   breakers,
		KillSwitch: ks,
		Registry:   reg,
		Monitor:    mon,
		State:      st,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/audit", s.getAuditTail)
			protected.GET("/positions", s.getPositions)

			protected.GET("/breakers", s.getBreakers)
			protected.POST("/breakers/:kind/reset", s.resetBreaker)

			protected.GET("/killswitch", s.getKillSwitch)
			protected.POST("/killswitch/activate", s.activateKillSwitch)
			protected.POST("/killswitch/clear", s.clearKillSwitch)

			protected.GET("/models", s.listModels)
			models := protected.Group("/models")
			models.Use(RequireRole(killswitch.RoleRiskManager, killswitch.RoleSysAdmin))
			{
				models.POST("", s.registerModel)
				models.POST("/:id/shadow", s.startShadow)
				models.POST("/:id/promote", s.promoteModel)
				models.POST("/rollback", s.rollbackModel)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
