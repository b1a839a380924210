package server

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
)

const (
	requestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-API-Key"

	ctxRequestID = "request_id"
	ctxAPIKey    = "api_key"
	ctxAdmin     = "admin_subject"

	maxRequestIDLen = 128
)

// requestIDMiddleware assigns every request an id, reusing a sane incoming one
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ctxRequestID)),
		}
		if token := c.GetString(ctxAPIKey); token != "" {
			fields = append(fields, zap.String("key", models.MaskToken(token)))
		}
		s.logger.Info("HTTP Request", fields...)
	}
}

// extractAPIKey reads the key from "Authorization: Bearer" or X-API-Key
func extractAPIKey(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	return strings.TrimSpace(c.GetHeader(apiKeyHeader))
}

// apiKeyMiddleware only requires that a key is present; entitlement runs in the handlers
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractAPIKey(c)
		if token == "" && websocketRequested(c) {
			// 浏览器无法给 websocket 设置请求头
			token = strings.TrimSpace(c.Query("api_key"))
		}
		if token == "" {
			s.respondError(c, apierr.ErrMissingAPIKey)
			c.Abort()
			return
		}
		c.Set(ctxAPIKey, token)
		c.Next()
	}
}

func websocketRequested(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// adminAuthMiddleware checks the admin session token
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if len(auth) <= 7 || !strings.EqualFold(auth[:7], "Bearer ") {
			s.respondError(c, apierr.New(apierr.AdminUnauthorized, "admin session required"))
			c.Abort()
			return
		}

		subject, err := s.verifySession(strings.TrimSpace(auth[7:]))
		if err != nil {
			s.logger.Warn("Invalid admin token attempt",
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			s.respondError(c, apierr.New(apierr.AdminUnauthorized, "invalid or expired admin session"))
			c.Abort()
			return
		}

		c.Set(ctxAdmin, subject)
		c.Next()
	}
}

// adminRateLimitMiddleware throttles the admin API per client IP
func (s *Server) adminRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.admin.allow(c.ClientIP(), s.now()) {
			s.respondError(c, apierr.ErrRateLimited.WithDetails(map[string]interface{}{
				"scope":            "admin",
				"limit_per_minute": s.admin.perMinute,
			}))
			c.Abort()
			return
		}
		c.Next()
	}
}

const ipLimiterSweepAt = 1024

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP
type ipLimiter struct {
	mu        sync.Mutex
	perMinute int
	burst     int
	clients   map[string]*ipEntry
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{perMinute: perMinute, burst: burst, clients: make(map[string]*ipEntry)}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= ipLimiterSweepAt {
			l.sweepLocked(now)
		}
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweepLocked drops clients idle for more than ten minutes
func (l *ipLimiter) sweepLocked(now time.Time) {
	for ip, e := range l.clients {
		if now.Sub(e.lastSeen) > 10*time.Minute {
			delete(l.clients, ip)
		}
	}
}
