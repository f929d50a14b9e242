package http

import (
	"context"
	"net/http"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/services"
	"chanrelay/internal/infrastructure/middleware"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// WebSocketHandler takes over an authenticated request for the lifetime of the client.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, userID domain.UserID)
	ConnectionCount() int
	GetConnectedSessions() []domain.ConnectionID
}

type RouterDeps struct {
	Config    *config.Config
	Auth      services.AuthService
	WebSocket WebSocketHandler
	Rooms     RoomLister
	Presence  ports.PresenceTracker
	Health    *monitoring.HealthChecker
	// Gatherer serves /metrics when monitoring is enabled. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// NewRouter wires every HTTP endpoint of the relay.
func NewRouter(deps RouterDeps) *gin.Engine {
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(deps.Logger),
		middleware.NewHTTPRateLimitMiddleware(deps.Config),
	)

	router.GET("/ws", middleware.AuthMiddleware(deps.Auth), func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		deps.WebSocket.HandleWebSocket(c.Writer, c.Request, userID)
	})

	NewAuthHandler(deps.Auth).SetupRoutes(router)

	api := router.Group("")
	api.Use(middleware.AuthMiddleware(deps.Auth))
	NewRoomHandler(deps.Rooms, deps.Presence, deps.WebSocket).SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": deps.WebSocket.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		status := deps.Health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
			deps.Logger.Warnw("readiness check failed", "checks", status.Checks)
		}
		c.JSON(code, status)
	})

	if deps.Config.Monitoring.PrometheusEnabled && deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
