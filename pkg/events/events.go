package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tenantgate/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// 安全事件类型
const (
	LoginSucceeded       = "login.succeeded"
	LoginLocked          = "login.locked"
	Logout               = "logout"
	PasswordChanged      = "password.changed"
	PasswordResetRequest = "password_reset.requested"
	InviteAccepted       = "invite.accepted"
	SessionsRevoked      = "sessions.revoked"
	UserStatusChanged    = "user.status_changed"
	RolePermsChanged     = "role.permissions_changed"
	TenantCreated        = "tenant.created"
	TenantStatusChanged  = "tenant.status_changed"
)

// Event 安全事件，不包含令牌或密码
type Event struct {
	Type       string            `json:"type"`
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher 事件发布，发布失败不影响业务结果
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NATSPublisher 发布到 NATS，subject 为 <prefix>.<type>
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher 连接 NATS
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tenantgate"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %v", err)
	}
	return NewNATSPublisherWithConn(nc, prefix), nil
}

// NewNATSPublisherWithConn 使用已有连接
func NewNATSPublisherWithConn(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "tenantgate.identity"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject 事件对应的 subject
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish 序列化并发布
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %v", err)
	}
	return p.nc.Publish(p.Subject(e.Type), data)
}

// Close 刷新缓冲后关闭连接
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// LogPublisher 未配置 NATS 时写入日志
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	fields := logrus.Fields{
		"event":     e.Type,
		"tenant_id": e.TenantID,
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.ActorID != "" {
		fields["actor_id"] = e.ActorID
	}
	logger.GetLogger().WithFields(fields).Info("Security event")
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder 在内存中记录事件
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events 已记录事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types 已记录事件的类型
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
