// Package api exposes the HTTP surface: auth, strategy CRUD, connection
// management, batch tick triggers and the websocket notification stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/naegeon/kis-trading-sub000/internal/events"
	"github.com/naegeon/kis-trading-sub000/internal/gateway"
	"github.com/naegeon/kis-trading-sub000/internal/scheduler"
	"github.com/naegeon/kis-trading-sub000/pkg/crypto"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Server wires HTTP endpoints around the scheduler and store.
type Server struct {
	Router    *gin.Engine
	Queries   *db.Queries
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Pool      *gateway.Pool
	Keys      *crypto.KeyManager
	JWTSecret string
	BatchSize int
}

// NewServer builds the router with the full middleware stack.
func NewServer(queries *db.Queries, bus *events.Bus, sched *scheduler.Scheduler, pool *gateway.Pool, keys *crypto.KeyManager, jwtSecret string, batchSize int) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(CORSMiddleware())      // CORS (last before routes)

	s := &Server{
		Router:    r,
		Queries:   queries,
		Bus:       bus,
		Scheduler: sched,
		Pool:      pool,
		Keys:      keys,
		JWTSecret: jwtSecret,
		BatchSize: batchSize,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/notifications", s.websocket)

	api := s.Router.Group("/api")
	// Execute-now can legitimately run tens of seconds; the budget leaves
	// headroom over the scheduler's execute timeout.
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.PUT("/strategies/:id", s.updateStrategy)
			protected.DELETE("/strategies/:id", s.deleteStrategy)
			protected.POST("/strategies/:id/execute", s.executeStrategyNow)

			protected.GET("/orders", s.listOrders)
			protected.GET("/logs", s.listExecLogs)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)

			// Batch tick triggers: normally fired by the internal tickers,
			// exposed so an external cron or operator can drive them too.
			protected.POST("/ticks/execute", s.executeTick)
			protected.POST("/ticks/reconcile", s.reconcileTick)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
