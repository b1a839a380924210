package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/antigravity/keygate/internal/apierr"
)

const (
	adminSubject = "admin"
	jwtIssuer    = "keygate"
)

// checkAdminPassword verifies against the bcrypt hash, or the plain password for local setups
func (s *Server) checkAdminPassword(password string) bool {
	if hash := s.cfg.Security.AdminPasswordHash; hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	if plain := s.cfg.Security.AdminPassword; plain != "" {
		return subtle.ConstantTimeCompare([]byte(plain), []byte(password)) == 1
	}
	return false
}

func (s *Server) issueSession() (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.Security.SessionTTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    jwtIssuer,
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *Server) verifySession(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject != adminSubject {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// ==================== 管理员认证 ====================

func (s *Server) adminLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}

	if !s.checkAdminPassword(req.Password) {
		s.logger.Warn("Failed login attempt", zap.String("client_ip", c.ClientIP()))
		s.respondError(c, apierr.New(apierr.AdminUnauthorized, "invalid password"))
		return
	}

	token, expiresAt, err := s.issueSession()
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Admin logged in successfully", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt,
	})
}
