package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 登录结果标签
const (
	LoginSucceeded   = "succeeded"
	LoginFailed      = "failed"
	LoginLocked      = "locked"
	LoginRateLimited = "rate_limited"
)

// HTTP 指标
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// 身份域指标
var (
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_login_attempts_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	SessionsRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_sessions_revoked_total",
			Help: "Sessions revoked by reason.",
		},
		[]string{"reason"},
	)

	ResetRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_password_reset_requests_total",
		Help: "Password reset requests received.",
	})

	MailFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_mail_failures_total",
		Help: "Reset and invite mails that could not be handed off.",
	})

	CleanupDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_cleanup_deleted_total",
			Help: "Rows removed by the cleanup job.",
		},
		[]string{"kind"},
	)

	PasswordHashDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "identity_password_hash_seconds",
		Help:    "Time spent hashing or verifying passwords, including pool wait.",
		Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2},
	})
)

var registerOnce sync.Once

// Init 注册到默认 registry，可重复调用
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			LoginAttempts, SessionsRevoked, ResetRequests, MailFailures, CleanupDeleted, PasswordHashDuration,
		)
	})
}

// Handler Prometheus 抓取接口
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument 记录请求数、耗时和在途请求，path 使用路由模板避免标签爆炸
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpInFlight.Dec()
	}
}

// ObserveHash 记录一次哈希耗时
func ObserveHash(start time.Time) {
	PasswordHashDuration.Observe(time.Since(start).Seconds())
}
