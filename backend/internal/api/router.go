// Package api exposes the family network over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"familynet/backend/internal/auditor"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/ledger"
	"familynet/backend/internal/network"
	"familynet/backend/internal/repository"
	"familynet/backend/pkg/logger"
)

// Deps are the services the router serves
type Deps struct {
	Ledger  *ledger.Ledger
	Network *network.Service
	Auditor *auditor.Auditor
	Audit   *repository.AuditRepository
	Tokens  *identity.TokenIssuer
}

// Server holds the handlers
type Server struct {
	ledger  *ledger.Ledger
	network *network.Service
	auditor *auditor.Auditor
	audit   *repository.AuditRepository
	tokens  *identity.TokenIssuer
	logger  *zap.Logger
}

// NewServer creates the handler set
func NewServer(deps Deps) *Server {
	return &Server{
		ledger:  deps.Ledger,
		network: deps.Network,
		auditor: deps.Auditor,
		audit:   deps.Audit,
		tokens:  deps.Tokens,
		logger:  logger.Named("api"),
	}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/relationships", s.listRelationships)

	api := router.Group("/api")
	api.Use(s.authRequired())
	{
		requests := api.Group("/requests")
		requests.POST("", s.createRequest)
		requests.GET("", s.listRequests)
		requests.GET("/:id", s.getRequest)
		requests.POST("/:id/accept", s.acceptRequest)
		requests.POST("/:id/decline", s.declineRequest)

		net := api.Group("/network")
		net.GET("", s.listNetwork)
		net.POST("/dedup", s.dedupOwn)
		net.PUT("/:peer/access", s.setAccessLevel)
		net.PUT("/:peer/emergency", s.setEmergencyContact)
		net.DELETE("/:peer", s.disableMember)
		net.POST("/:peer/enable", s.enableMember)

		api.GET("/audit", s.listAudit)

		admin := api.Group("/admin")
		admin.Use(adminRequired())
		admin.POST("/repair", s.repair)
		admin.POST("/dedup", s.dedupAdmin)
		admin.POST("/requests/:id/reconcile", s.reconcile)
	}

	return router
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
