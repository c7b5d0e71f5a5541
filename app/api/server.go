package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/stream"
)

const userContextKey = "currentUser"

func NewHandler(reg RegistryInterface, users database.UserRepository,
	subscriptions database.SubscriptionRepository, rules database.RuleRepository,
	events database.EventRepository, notifications database.NotificationRepository,
	hub *stream.Hub) *Handler {
	return &Handler{
		registry:      reg,
		users:         users,
		subscriptions: subscriptions,
		rules:         rules,
		events:        events,
		notifications: notifications,
		hub:           hub,
	}
}

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	// Set Gin mode (can be controlled via GIN_MODE environment variable)
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// Middleware
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	r.Use(gin.Recovery())

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	// Health and status endpoints
	r.GET("/health", handler.GetHealth)
	r.GET("/stats", handler.GetStats)

	api := r.Group("/api")
	if apiAccessKey != "" {
		api.Use(authMiddleware(apiAccessKey))
		slog.Info("API key authentication enabled")
	}
	api.Use(handler.userMiddleware())
	{
		api.GET("/subscriptions", handler.ListSubscriptions)
		api.POST("/subscriptions", handler.CreateSubscription)
		api.PUT("/subscriptions/:id", handler.UpdateSubscription)
		api.DELETE("/subscriptions/:id", handler.DeleteSubscription)

		api.GET("/rules", handler.ListRules)
		api.POST("/rules", handler.CreateRule)
		api.PUT("/rules/:id", handler.UpdateRule)
		api.DELETE("/rules/:id", handler.DeleteRule)

		api.GET("/notifications", handler.ListNotifications)
		api.GET("/stream/notifications", handler.StreamNotifications)
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"service":     "NotifyHub",
			"description": "Event notification hub: source connectors, rule-based throttling, multi-channel delivery",
			"endpoints": map[string]string{
				"health":        "/health",
				"stats":         "/stats",
				"subscriptions": "/api/subscriptions (requires X-User-ID header)",
				"rules":         "/api/rules (requires X-User-ID header)",
				"notifications": "/api/notifications (requires X-User-ID header)",
				"stream":        "/api/stream/notifications (SSE, requires X-User-ID header)",
			},
		})
	})

	// Favicon handler (return 204 to avoid 404s)
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})
}

// userMiddleware resolves the acting user from the X-User-ID header. The
// header stands in for an authentication layer.
func (h *Handler) userMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "user required",
				"message": "Provide the acting user id in the X-User-ID header",
			})
			c.Abort()
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user id"})
			c.Abort()
			return
		}

		user, err := h.users.GetUser(c.Request.Context(), id)
		if err != nil {
			slog.Error("Database error", "operation", "get_user", "user_id", id, "error", err)
			c.Status(http.StatusInternalServerError)
			c.Abort()
			return
		}
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			c.Abort()
			return
		}

		c.Set(userContextKey, *user)
		c.Next()
	}
}

func currentUser(c *gin.Context) database.User {
	return c.MustGet(userContextKey).(database.User)
}

// authMiddleware creates authentication middleware for API endpoints
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
