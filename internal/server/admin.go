package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/gift"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/storage"
)

const (
	defaultLogLimit     = 100
	maxLogLimit         = 1000
	defaultHistoryDays  = 7
	defaultKeyListLimit = 0
)

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierr.Newf(apierr.InvalidRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// keyError reports an unknown key as NOT_FOUND; KEY_NOT_FOUND is an authorization failure of /v1
func keyError(err error) error {
	if errors.Is(err, apierr.ErrKeyNotFound) {
		return apierr.Wrap(apierr.NotFound, err, "key not found")
	}
	return err
}

// ==================== 密钥管理 ====================

func (s *Server) listKeys(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultKeyListLimit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	filter := storage.KeyFilter{
		Principal: c.Query("principal"),
		Plan:      models.ParsePlan(c.Query("plan")),
		Limit:     limit,
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(c, apierr.New(apierr.InvalidRequest, "active must be true or false"))
			return
		}
		filter.Active = &active
	}

	list, err := s.deps.Keys.List(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keys": list, "count": len(list)})
}

func (s *Server) issueKey(c *gin.Context) {
	var req struct {
		Principal  string `json:"principal" binding:"required"`
		Plan       string `json:"plan" binding:"required"`
		ExpiryDays *int   `json:"expiry_days"`
		Note       string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	key, err := s.deps.Keys.Issue(c.Request.Context(), keys.IssueRequest{
		Principal:  req.Principal,
		Plan:       models.ParsePlan(req.Plan),
		ExpiryDays: req.ExpiryDays,
		Note:       req.Note,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "key": key})
}

func (s *Server) keyStats(c *gin.Context) {
	stats, err := s.deps.Keys.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) getKey(c *gin.Context) {
	key, err := s.deps.Keys.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respondError(c, keyError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

// updateKey toggles a key. Reactivating an expired key needs an extension instead.
func (s *Server) updateKey(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	key, err := s.deps.Keys.SetActive(c.Request.Context(), c.Param("token"), *req.Active)
	if err != nil {
		s.respondError(c, keyError(err))
		return
	}
	s.deps.Engine.Forget(key.Token)
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

func (s *Server) extendKey(c *gin.Context) {
	var req struct {
		Days       int  `json:"days" binding:"required"`
		Reactivate bool `json:"reactivate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	key, err := s.deps.Keys.Extend(c.Request.Context(), c.Param("token"), req.Days, req.Reactivate)
	if err != nil {
		s.respondError(c, keyError(err))
		return
	}
	s.deps.Engine.Forget(key.Token)
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

func (s *Server) resetKeyUsage(c *gin.Context) {
	key, err := s.deps.Keys.ResetUsage(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respondError(c, keyError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

func (s *Server) deleteKey(c *gin.Context) {
	token := c.Param("token")
	if err := s.deps.Keys.Delete(c.Request.Context(), token); err != nil {
		s.respondError(c, keyError(err))
		return
	}
	s.deps.Engine.Forget(token)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ==================== 兑换码 ====================

func (s *Server) listGiftCodes(c *gin.Context) {
	codes, err := s.deps.Gifts.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gift_codes": codes, "count": len(codes)})
}

func (s *Server) createGiftCode(c *gin.Context) {
	var req struct {
		Code          string `json:"code"`
		Plan          string `json:"plan" binding:"required"`
		MaxUses       int    `json:"max_uses"`
		ValidDays     int    `json:"valid_days"`
		KeyExpiryDays *int   `json:"key_expiry_days"`
		Note          string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	gc, err := s.deps.Gifts.Create(c.Request.Context(), gift.CreateRequest{
		Code:          req.Code,
		Plan:          models.ParsePlan(req.Plan),
		MaxUses:       req.MaxUses,
		ValidDays:     req.ValidDays,
		KeyExpiryDays: req.KeyExpiryDays,
		Note:          req.Note,
		CreatedBy:     c.GetString(ctxAdmin),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "gift_code": gc})
}

func (s *Server) getGiftCode(c *gin.Context) {
	gc, err := s.deps.Gifts.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gift_code": gc})
}

func (s *Server) updateGiftCode(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	gc, err := s.deps.Gifts.SetActive(c.Request.Context(), c.Param("code"), *req.Active)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gift_code": gc})
}

func (s *Server) deleteGiftCode(c *gin.Context) {
	if err := s.deps.Gifts.Delete(c.Request.Context(), c.Param("code")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// redeemGiftCode mints a key for a principal on their behalf, e.g. for a chat bot frontend
func (s *Server) redeemGiftCode(c *gin.Context) {
	var req struct {
		Principal string `json:"principal" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	key, gc, err := s.deps.Gifts.Redeem(c.Request.Context(), c.Param("code"), req.Principal)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"key":       key,
		"remaining": gc.Remaining(),
	})
}

// ==================== 后端 ====================

func (s *Server) listBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "backends": s.deps.Router.Status()})
}

func (s *Server) updateBackend(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
		Primary bool  `json:"primary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	if req.Enabled == nil && !req.Primary {
		s.respondError(c, apierr.New(apierr.InvalidRequest, "nothing to update"))
		return
	}

	name, err := router.ParseBackend(c.Param("name"))
	if err != nil {
		s.respondError(c, apierr.Wrap(apierr.NotFound, err, "unknown backend"))
		return
	}
	if req.Enabled != nil {
		if err := s.deps.Router.SetEnabled(name, *req.Enabled); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.Primary {
		if err := s.deps.Router.SetPrimary(name); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "backends": s.deps.Router.Status()})
}

// ==================== 日志和监控 ====================

func (s *Server) getLogs(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultLogLimit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if limit == 0 || limit > maxLogLimit {
		limit = maxLogLimit
	}

	level := zapcore.DebugLevel
	if raw := c.Query("level"); raw != "" {
		level, err = zapcore.ParseLevel(raw)
		if err != nil {
			s.respondError(c, apierr.Wrap(apierr.InvalidRequest, err, "invalid level"))
			return
		}
	}

	logs := s.deps.Logs.GetRecent(limit, level)
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs, "count": len(logs)})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.deps.Logs.Clear()
	s.logger.Info("Log buffer cleared", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	// 获取真实的系统状态
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats, err := s.deps.Keys.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	uptime := s.now().Sub(s.startedAt)
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"version":          s.deps.Version,
		"uptime":           formatUptime(uptime),
		"uptime_seconds":   int64(uptime.Seconds()),
		"goroutines":       runtime.NumGoroutine(),
		"memory_alloc_mb":  bytesToMB(m.Alloc),
		"memory_sys_mb":    bytesToMB(m.Sys),
		"gc_cycles":        m.NumGC,
		"tracked_limiters": s.deps.Engine.TrackedLimiters(),
		"keys":             stats,
		"backends":         s.deps.Router.Status(),
	})
}

func (s *Server) getUsageHistory(c *gin.Context) {
	days, err := queryInt(c, "days", defaultHistoryDays)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if days == 0 {
		days = defaultHistoryDays
	}
	if limit := s.cfg.Defaults.UsageHistoryMax; limit > 0 && days > limit {
		days = limit
	}

	records, err := s.deps.Usage.History(days, s.now())
	if err != nil {
		s.respondError(c, apierr.Storage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "days": days, "history": records})
}

// ==================== 工具函数 ====================

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
