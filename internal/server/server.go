package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/assistant"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/gift"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/logger"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/storage"
)

// Deps are the services the HTTP layer is built on
type Deps struct {
	Store     storage.Store
	Contexts  storage.ContextStore
	Usage     *storage.UsageRecorder
	Engine    *entitlement.Engine
	Keys      *keys.Service
	Gifts     *gift.Service
	Assistant *assistant.Service
	Router    *router.Router
	Logs      *logger.LogBuffer
	Version   string
}

// Server represents the API server
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	router    *gin.Engine
	deps      Deps
	jwtSecret []byte
	admin     *ipLimiter
	startedAt time.Time
	now       func() time.Time
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *zap.Logger) (*Server, error) {
	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	if deps.Logs == nil {
		deps.Logs = logger.GlobalBuffer
	}

	s := &Server{
		cfg:       cfg,
		logger:    log,
		router:    gin.New(),
		deps:      deps,
		jwtSecret: []byte(cfg.Security.JWTSecret),
		admin:     newIPLimiter(cfg.Security.AdminRatePerMin, cfg.Security.AdminBurst),
		startedAt: time.Now(),
		now:       time.Now,
	}

	if len(s.jwtSecret) == 0 {
		// 没有配置密钥时使用随机密钥，重启后会话失效
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		s.jwtSecret = []byte(base64.RawURLEncoding.EncodeToString(secret))
		log.Warn("security.jwt_secret is not set, admin sessions will not survive a restart")
	}

	// 设置中间件
	s.setupMiddleware()

	// 设置路由
	s.setupRoutes()

	return s, nil
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the engine wrapped with CORS handling when enabled
func (s *Server) Handler() http.Handler {
	if !s.cfg.Security.EnableCORS {
		return s.router
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Security.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: !allowsAnyOrigin(s.cfg.Security.AllowedOrigins),
	}).Handler(s.router)
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.router.Use(gin.Recovery())

	s.router.Use(s.requestIDMiddleware())

	// Logger middleware
	s.router.Use(s.loggerMiddleware())
}

func (s *Server) setupRoutes() {
	// 健康检查
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/v1/plans", s.listPlans)

	// 能力接口 - 需要API Key认证
	api := s.router.Group("/v1")
	api.Use(s.apiKeyMiddleware())
	{
		api.POST("/chat", s.chat)
		api.POST("/analyze", s.analyze)
		api.POST("/summarize", s.summarize)
		api.POST("/code", s.code)
		api.POST("/stream", s.streamSSE)
		api.GET("/stream/ws", s.streamWebSocket)
		api.POST("/clear", s.clearContext)
		api.GET("/validate", s.validateKey)
		api.POST("/validate", s.validateKey)
		api.GET("/usage", s.keyUsage)
	}

	// 管理后台API
	admin := s.router.Group("/admin")
	admin.Use(s.adminRateLimitMiddleware())
	{
		// 认证
		admin.POST("/login", s.adminLogin)

		// 需要认证的路由
		auth := admin.Group("/")
		auth.Use(s.adminAuthMiddleware())
		{
			// 密钥管理
			auth.GET("/keys", s.listKeys)
			auth.POST("/keys", s.issueKey)
			auth.GET("/keys/stats", s.keyStats)
			auth.GET("/keys/:token", s.getKey)
			auth.PATCH("/keys/:token", s.updateKey)
			auth.POST("/keys/:token/extend", s.extendKey)
			auth.POST("/keys/:token/reset", s.resetKeyUsage)
			auth.DELETE("/keys/:token", s.deleteKey)

			// 兑换码
			auth.GET("/gift-codes", s.listGiftCodes)
			auth.POST("/gift-codes", s.createGiftCode)
			auth.GET("/gift-codes/:code", s.getGiftCode)
			auth.PATCH("/gift-codes/:code", s.updateGiftCode)
			auth.DELETE("/gift-codes/:code", s.deleteGiftCode)
			auth.POST("/gift-codes/:code/redeem", s.redeemGiftCode)

			// 后端
			auth.GET("/backends", s.listBackends)
			auth.PATCH("/backends/:name", s.updateBackend)

			// 日志
			auth.GET("/logs", s.getLogs)
			auth.DELETE("/logs", s.clearLogs)

			// 监控
			auth.GET("/status", s.getSystemStatus)
			auth.GET("/usage/history", s.getUsageHistory)
		}
	}
}

// 基础handlers
func (s *Server) healthCheck(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	storageStatus := "ok"
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("Storage health check failed", zap.Error(err))
			storageStatus = "unavailable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	backends := gin.H{}
	for _, b := range s.deps.Router.Status() {
		backends[string(b.Name)] = b.Enabled
	}
	if !s.deps.Router.Available() && status == "ok" {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"success":  code == http.StatusOK,
		"status":   status,
		"version":  s.deps.Version,
		"storage":  storageStatus,
		"backends": backends,
	})
}

func (s *Server) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"plans":   s.deps.Engine.Tiers().Tiers(),
	})
}
