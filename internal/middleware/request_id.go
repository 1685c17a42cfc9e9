package middleware

import (
	"math/rand"
	"sync"
	"time"

	"tenantgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	ContextRequestID = "request_id"
	HeaderRequestID  = "X-Request-ID"
	maxRequestIDLen  = 64
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRequestID 按时间排序的请求ID
func NewRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// RequestID 沿用上游传入的 X-Request-ID，否则生成新的
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = NewRequestID()
		}
		c.Set(ContextRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog 请求完成后记录一行访问日志
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"request_id": c.GetString(ContextRequestID),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if p := GetPrincipal(c); p != nil {
			fields["tenant_id"] = p.TenantID
			fields["user_id"] = p.UserID
			fields["session_id"] = p.SessionID
		}
		entry := logger.GetLogger().WithFields(fields)
		if c.Writer.Status() >= 500 {
			entry.Error("request completed")
			return
		}
		entry.Debug("request completed")
	}
}
