package handlers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/storechat/internal/obs"
)

type RouterConfig struct {
	Environment   string
	CORSOrigins   string
	MaxUploadSize int64
	// FilesDir is served under /api/files when media is stored on disk.
	FilesDir string

	Auth      *AuthHandler
	Chat      *ChatHandler
	WebSocket gin.HandlerFunc

	// Zero rates use 5 logins and 2 registrations per minute per IP.
	LoginRate    limiter.Rate
	RegisterRate limiter.Rate

	Logger *slog.Logger
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(c, "rate limiter error"))
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody(c, "rate limit exceeded"))
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// serverErrorLogger logs the request and response body of every 5xx.
func serverErrorLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("server error",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
				"duration", time.Since(start).Truncate(time.Millisecond),
				"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response", strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"duration", time.Since(start).Truncate(time.Microsecond),
		)
	}
}

func panicRecovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(c, "internal server error"))
	})
}

func corsOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// NewRouter wires the relay's REST and websocket routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := obs.Or(cfg.Logger).With("component", "http")
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger(log))
	router.Use(requestLogger(log))
	router.Use(panicRecovery(log))
	if cfg.MaxUploadSize > 0 {
		router.MaxMultipartMemory = cfg.MaxUploadSize
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization"},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}))

	loginRate := cfg.LoginRate
	if loginRate.Limit == 0 {
		loginRate = limiter.Rate{Period: time.Minute, Limit: 5}
	}
	registerRate := cfg.RegisterRate
	if registerRate.Limit == 0 {
		registerRate = limiter.Rate{Period: time.Minute, Limit: 2}
	}

	api := router.Group("/api")
	{
		api.POST("/auth/register", rateLimitMiddleware(limiter.New(memory.NewStore(), registerRate)), cfg.Auth.Register)
		api.POST("/auth/login", rateLimitMiddleware(limiter.New(memory.NewStore(), loginRate)), cfg.Auth.Login)
	}

	protected := api.Group("")
	protected.Use(cfg.Auth.AuthMiddleware())
	{
		protected.GET("/chat/conversations", cfg.Chat.GetConversations)
		protected.GET("/chat/history/:user_id", cfg.Chat.GetChatHistory)
		protected.GET("/chat/unread-count", cfg.Chat.GetUnreadCount)
		protected.POST("/chat/read/:user_id", cfg.Chat.MarkAsRead)
		protected.POST("/chat/image", cfg.Chat.SendImage)
		protected.POST("/chat/inventory-item", cfg.Chat.SendInventoryItem)

		protected.GET("/inventory/items", cfg.Chat.GetInventoryItems)
		protected.POST("/inventory/items", cfg.Chat.CreateInventoryItem)

		protected.GET("/push/vapid-key", cfg.Chat.GetVAPIDKey)
		protected.POST("/push/subscribe", cfg.Chat.Subscribe)
	}

	if cfg.FilesDir != "" {
		router.Static("/api/files", cfg.FilesDir)
	}

	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.Auth.AuthMiddleware(), cfg.WebSocket)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody(c, "not found"))
	})

	return router
}
