package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trullo/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type mockRevoker struct {
	revokeFunc  func(ctx context.Context, jti string, ttl time.Duration) error
	revokeCalls int
	lastJTI     string
	lastTTL     time.Duration
}

func (m *mockRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	m.revokeCalls++
	m.lastJTI = jti
	m.lastTTL = ttl
	if m.revokeFunc != nil {
		return m.revokeFunc(ctx, jti, ttl)
	}
	return nil
}

type mockLimiter struct {
	allowFunc  func(ctx context.Context, key string) (bool, error)
	allowCalls int
}

func (m *mockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.allowCalls++
	if m.allowFunc != nil {
		return m.allowFunc(ctx, key)
	}
	return true, nil
}

func newTestHandler(t *testing.T, revoker Revoker, limiter LoginLimiter) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(db, "test-secret", time.Hour, revoker, limiter, false, logger)
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range w.Result().Cookies() {
		if ck.Name == CookieName {
			return ck
		}
	}
	return nil
}

func TestSignup_NormalAndDuplicate(t *testing.T) {
	h := newTestHandler(t, &mockRevoker{}, &mockLimiter{})
	r := gin.New()
	r.POST("/signup", h.Signup)

	body := gin.H{"name": "Ann", "email": "Ann@Example.com", "password": "secret123"}
	w := postJSON(t, r, "/signup", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected session token in response")
	}
	if resp.User.Email != "ann@example.com" {
		t.Fatalf("expected normalized email, got %q", resp.User.Email)
	}
	if resp.User.Role != model.RoleUser {
		t.Fatalf("expected default role user, got %q", resp.User.Role)
	}
	if ck := sessionCookie(w); ck == nil || ck.Value == "" || !ck.HttpOnly {
		t.Fatalf("expected httpOnly session cookie, got %+v", ck)
	}

	// 同邮箱重复注册（大小写不同也算重复）
	w = postJSON(t, r, "/signup", gin.H{"name": "Ann2", "email": "ann@example.com", "password": "other"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignup_MissingFields(t *testing.T) {
	h := newTestHandler(t, &mockRevoker{}, &mockLimiter{})
	r := gin.New()
	r.POST("/signup", h.Signup)

	for _, body := range []gin.H{
		{},
		{"name": "Ann", "password": "x"},
		{"name": "Ann", "email": "not-an-email", "password": "x"},
	} {
		w := postJSON(t, r, "/signup", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, w.Code)
		}
	}
}

func TestSignup_InvalidRole(t *testing.T) {
	h := newTestHandler(t, &mockRevoker{}, &mockLimiter{})
	r := gin.New()
	r.POST("/signup", h.Signup)

	w := postJSON(t, r, "/signup", gin.H{"name": "Ann", "email": "a@b.com", "password": "x", "role": "root"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLogin_WrongCredentialsSameMessage(t *testing.T) {
	h := newTestHandler(t, &mockRevoker{}, &mockLimiter{})
	r := gin.New()
	r.POST("/signup", h.Signup)
	r.POST("/login", h.Login)

	postJSON(t, r, "/signup", gin.H{"name": "Ann", "email": "ann@example.com", "password": "right"})

	// 邮箱不存在和密码错误必须是同一条消息
	unknownEmail := postJSON(t, r, "/login", gin.H{"email": "ghost@example.com", "password": "right"})
	wrongPassword := postJSON(t, r, "/login", gin.H{"email": "ann@example.com", "password": "wrong"})

	if unknownEmail.Code != http.StatusUnauthorized || wrongPassword.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", unknownEmail.Code, wrongPassword.Code)
	}
	if unknownEmail.Body.String() != wrongPassword.Body.String() {
		t.Fatalf("expected identical error bodies, got %q vs %q",
			unknownEmail.Body.String(), wrongPassword.Body.String())
	}
}

func TestLogin_Normal(t *testing.T) {
	h := newTestHandler(t, &mockRevoker{}, &mockLimiter{})
	r := gin.New()
	r.POST("/signup", h.Signup)
	r.POST("/login", h.Login)

	postJSON(t, r, "/signup", gin.H{"name": "Ann", "email": "ann@example.com", "password": "secret"})

	w := postJSON(t, r, "/login", gin.H{"email": "ann@example.com", "password": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token in login response")
	}
	if ck := sessionCookie(w); ck == nil || ck.Value != resp.Token {
		t.Fatalf("expected cookie to carry the session token")
	}
}

func TestLogin_Throttled(t *testing.T) {
	limiter := &mockLimiter{
		allowFunc: func(ctx context.Context, key string) (bool, error) { return false, nil },
	}
	h := newTestHandler(t, &mockRevoker{}, limiter)
	r := gin.New()
	r.POST("/login", h.Login)

	w := postJSON(t, r, "/login", gin.H{"email": "ann@example.com", "password": "secret"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if limiter.allowCalls != 1 {
		t.Fatalf("expected limiter to be consulted once, got %d", limiter.allowCalls)
	}
}

func TestLogin_LimiterFailureDoesNotBlock(t *testing.T) {
	limiter := &mockLimiter{
		allowFunc: func(ctx context.Context, key string) (bool, error) {
			return false, context.DeadlineExceeded
		},
	}
	h := newTestHandler(t, &mockRevoker{}, limiter)
	r := gin.New()
	r.POST("/signup", h.Signup)
	r.POST("/login", h.Login)

	postJSON(t, r, "/signup", gin.H{"name": "Ann", "email": "ann@example.com", "password": "secret"})

	w := postJSON(t, r, "/login", gin.H{"email": "ann@example.com", "password": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected limiter failure to be bypassed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLogout_RevokesSession(t *testing.T) {
	revoker := &mockRevoker{}
	h := newTestHandler(t, revoker, &mockLimiter{})
	r := gin.New()
	expiresAt := time.Now().Add(30 * time.Minute)
	r.POST("/logout", func(c *gin.Context) {
		// 认证中间件写入的会话上下文
		c.Set("jti", "session-abc")
		c.Set("tokenExpiresAt", expiresAt)
		h.Logout(c)
	})

	w := postJSON(t, r, "/logout", gin.H{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if revoker.revokeCalls != 1 || revoker.lastJTI != "session-abc" {
		t.Fatalf("expected jti to be revoked, calls=%d jti=%q", revoker.revokeCalls, revoker.lastJTI)
	}
	if revoker.lastTTL <= 0 || revoker.lastTTL > 30*time.Minute {
		t.Fatalf("expected remaining-validity ttl, got %v", revoker.lastTTL)
	}
	if ck := sessionCookie(w); ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", ck)
	}
}

func TestLogout_RevokeFailure(t *testing.T) {
	revoker := &mockRevoker{
		revokeFunc: func(ctx context.Context, jti string, ttl time.Duration) error {
			return context.DeadlineExceeded
		},
	}
	h := newTestHandler(t, revoker, &mockLimiter{})
	r := gin.New()
	r.POST("/logout", func(c *gin.Context) {
		c.Set("jti", "session-abc")
		c.Set("tokenExpiresAt", time.Now().Add(time.Minute))
		h.Logout(c)
	})

	w := postJSON(t, r, "/logout", gin.H{})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when revocation fails, got %d", w.Code)
	}
}
