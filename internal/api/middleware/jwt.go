package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"trullo/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// sessionCookie 与 auth 包使用的 cookie 名称保持一致。
const sessionCookie = "token"

type customClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RevocationChecker 查询令牌是否已被注销吊销。
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// AuthMiddleware 校验会话令牌并把 userID/role/jti 写入上下文。
//
// 令牌可以来自 Authorization: Bearer 头，也可以来自会话 cookie。
func AuthMiddleware(jwtSecret string, revocations RevocationChecker) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			reject(c, "missing authorization")
			return
		}

		claims := &customClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			reject(c, "invalid token")
			return
		}

		if claims.Subject == "" {
			reject(c, "invalid token subject")
			return
		}
		uid, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil {
			reject(c, "invalid user id")
			return
		}

		if revocations != nil && claims.ID != "" {
			revoked, err := revocations.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
				c.Abort()
				return
			}
			if revoked {
				reject(c, "token revoked")
				return
			}
		}

		c.Set("userID", uint(uid))
		role := strings.TrimSpace(strings.ToLower(claims.Role))
		if role == "" {
			role = "user"
		}
		c.Set("role", role)
		c.Set("jti", claims.ID)
		if claims.ExpiresAt != nil {
			c.Set("tokenExpiresAt", claims.ExpiresAt.Time)
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie
	}
	return ""
}

func reject(c *gin.Context, msg string) {
	metrics.AuthFailuresTotal.Inc()
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
	c.Abort()
}
