package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"trullo/internal/api/auth"
	"trullo/internal/api/middleware"
	"trullo/internal/config"
	"trullo/internal/integrity"
	"trullo/internal/model"
	"trullo/internal/pkg/metrics"
	"trullo/internal/pkg/ratelimit"
	"trullo/internal/pkg/session"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、认证 Handler、
// 引用一致性管理器以及 Gin 路由引擎。
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          *gorm.DB
	rdb         *redis.Client
	router      *gin.Engine
	auth        *auth.Handler
	tasks       TaskManager
	revocations middleware.RevocationChecker
}

// TaskManager 是跨 Project↔Task 边界的变更入口。
//
// 具体实现是 integrity.Manager；接口存在是为了在 handler 测试里替换。
type TaskManager interface {
	CreateTask(ctx context.Context, projectID uint, title, description string, finishedBy *time.Time) (*integrity.TaskView, error)
	DeleteTask(ctx context.Context, taskID uint) error
	DeleteProject(ctx context.Context, projectID uint) error
	AssignTask(ctx context.Context, taskID, userID uint) (*integrity.TaskView, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化认证、限流与指标
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Project{}, &model.Task{}, &model.ProjectTask{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	revoker := session.NewRevoker(rdb)
	limiter := ratelimit.NewRedisLimiter(rdb, "trullo:ratelimit:login:", cfg.App.LoginRateLimit, cfg.App.LoginRateBurst)
	cookieSecure := cfg.App.Env == "prod"

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		rdb:         rdb,
		router:      r,
		auth:        auth.NewHandler(db, cfg.Security.JWTSecret, cfg.App.SessionTTL, revoker, limiter, cookieSecure, logger),
		tasks:       integrity.NewManager(db, logger),
		revocations: revoker,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/signup", s.auth.Signup)
	s.router.POST("/login", s.auth.Login)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret, s.revocations))
	authed.POST("/logout", s.auth.Logout)

	authed.GET("/users", s.handleListUsers)
	authed.PATCH("/users/:id", s.handleUpdateUser)
	authed.DELETE("/users/:id", s.handleDeleteUser)

	authed.POST("/projects", s.handleCreateProject)
	authed.GET("/projects", s.handleListProjects)
	authed.GET("/projects/:id", s.handleGetProject)
	authed.PATCH("/projects/:id", s.handleUpdateProject)
	authed.DELETE("/projects/:id", s.handleDeleteProject)

	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks", s.handleListTasks)
	authed.PATCH("/tasks/:id", s.handleUpdateTask)
	authed.DELETE("/tasks/:id", s.handleDeleteTask)
	authed.PATCH("/tasks/:id/assign/:userId", s.handleAssignTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseIDParam 解析路径参数中的数字 ID。
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}
