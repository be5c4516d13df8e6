package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trullo/internal/model"
	"trullo/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// CookieName 会话令牌 cookie 的名称。
const CookieName = "token"

// Revoker 注销时把令牌 jti 拉入黑名单。
type Revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// LoginLimiter 按调用方 key 限制登录尝试频率。
type LoginLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler 提供注册、登录与注销接口。
type Handler struct {
	db           *gorm.DB
	jwtSecret    []byte
	sessionTTL   time.Duration
	revoker      Revoker
	limiter      LoginLimiter
	cookieSecure bool
	logger       *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(db *gorm.DB, jwtSecret string, sessionTTL time.Duration, revoker Revoker, limiter LoginLimiter, cookieSecure bool, logger *slog.Logger) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Handler{
		db:           db,
		jwtSecret:    []byte(jwtSecret),
		sessionTTL:   sessionTTL,
		revoker:      revoker,
		limiter:      limiter,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

type signupRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type customClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Signup 创建新用户并签发会话令牌。
//
// POST /signup
func (h *Handler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, email and password are required"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	role := strings.TrimSpace(strings.ToLower(req.Role))
	if role == "" {
		role = model.RoleUser
	}
	if !model.ValidRole(role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}

	var existing model.User
	err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&existing).Error
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := model.User{
		Name:     strings.TrimSpace(req.Name),
		Email:    email,
		Password: string(hash),
		Role:     role,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}

	token, err := h.issueToken(user.ID, user.Role)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	h.setSessionCookie(c, token)

	if h.logger != nil {
		h.logger.Info("user signed up", slog.String("email", email), slog.String("role", user.Role))
	}
	c.JSON(http.StatusCreated, sessionResponse{Token: token, User: toUserResponse(user)})
}

// Login 校验凭据并签发会话令牌。
//
// 邮箱不存在和密码错误返回同一条消息，避免泄露哪个字段错了。
//
// POST /login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("login limiter failed", slog.String("error", err.Error()))
			}
			// 限流器故障时放行，凭据校验仍然兜底
		} else if !allowed {
			metrics.LoginThrottledTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
			return
		}
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	token, err := h.issueToken(user.ID, user.Role)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	h.setSessionCookie(c, token)

	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email), slog.String("role", user.Role))
	}
	c.JSON(http.StatusOK, sessionResponse{Token: token, User: toUserResponse(user)})
}

// Logout 吊销当前令牌并清除 cookie。
//
// POST /logout
func (h *Handler) Logout(c *gin.Context) {
	if h.revoker != nil {
		jti := c.GetString("jti")
		var ttl time.Duration
		if v, ok := c.Get("tokenExpiresAt"); ok {
			if exp, ok := v.(time.Time); ok {
				ttl = time.Until(exp)
			}
		}
		if err := h.revoker.Revoke(c.Request.Context(), jti, ttl); err != nil {
			if h.logger != nil {
				h.logger.Warn("revoke session failed", slog.String("error", err.Error()))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
			return
		}
		metrics.SessionsRevokedTotal.Inc()
	}

	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) issueToken(userID uint, role string) (string, error) {
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomID(16),
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(CookieName, token, int(h.sessionTTL.Seconds()), "/", "", h.cookieSecure, true)
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(CookieName, "", -1, "/", "", h.cookieSecure, true)
}

func toUserResponse(user model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

func randomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
