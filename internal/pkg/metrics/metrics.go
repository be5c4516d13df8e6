// Package metrics 定义并注册 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal 按方法/路径/状态码统计请求数。
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trullo_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 请求耗时分布。
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trullo_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailuresTotal 被拒绝的认证请求数（缺失/无效/已吊销的令牌）。
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_auth_failures_total",
		Help: "Total number of rejected authentications.",
	})

	// LoginThrottledTotal 被限流拒绝的登录请求数。
	LoginThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_login_throttled_total",
		Help: "Total number of login attempts rejected by the rate limiter.",
	})

	// SessionsRevokedTotal 注销时吊销的会话数。
	SessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_sessions_revoked_total",
		Help: "Total number of sessions revoked on logout.",
	})

	// TasksCreatedTotal / TasksDeletedTotal / ProjectsDeletedTotal
	// 统计经过一致性管理器的跨实体变更。
	TasksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_tasks_created_total",
		Help: "Total number of tasks created.",
	})
	TasksDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_tasks_deleted_total",
		Help: "Total number of tasks deleted.",
	})
	ProjectsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trullo_projects_deleted_total",
		Help: "Total number of projects deleted (with their tasks).",
	})
)

var registerOnce sync.Once

// InitMetrics 将所有指标注册到默认 Registry。
//
// 可以安全地多次调用（测试里每个用例都会调）。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AuthFailuresTotal,
			LoginThrottledTotal,
			SessionsRevokedTotal,
			TasksCreatedTotal,
			TasksDeletedTotal,
			ProjectsDeletedTotal,
		)
	})
}
