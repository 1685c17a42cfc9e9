package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 邮件状态
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ErrEmpty 队列为空
var ErrEmpty = errors.New("queue is empty")

// RedisQueue 基于 Redis 列表的邮件队列，投递进程从右侧取出
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// MailMessage 队列中的邮件消息
type MailMessage struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"` // password_reset, invite
	TenantID string            `json:"tenant_id"`
	UserID   string            `json:"user_id"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Meta     map[string]string `json:"meta,omitempty"`
	Created  int64             `json:"created"`
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisQueueWithClient(client, config.Prefix)
}

// NewRedisQueueWithClient 使用已有客户端
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "tenantgate:queue"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue 邮件入队并记录状态，状态保留24小时
func (q *RedisQueue) Enqueue(ctx context.Context, msg *MailMessage) error {
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化邮件消息失败: %v", err)
	}

	if err := q.client.LPush(ctx, q.mailQueueKey(), data).Err(); err != nil {
		return fmt.Errorf("邮件入队失败: %v", err)
	}

	statusKey := q.statusKey(msg.ID)
	info := map[string]interface{}{
		"id":        msg.ID,
		"kind":      msg.Kind,
		"tenant_id": msg.TenantID,
		"status":    StatusQueued,
		"queued_at": msg.Created,
	}
	if err := q.client.HSet(ctx, statusKey, info).Err(); err != nil {
		return fmt.Errorf("记录邮件状态失败: %v", err)
	}
	q.client.Expire(ctx, statusKey, 24*time.Hour)

	return nil
}

// Dequeue 阻塞取出一封邮件，超时返回 ErrEmpty
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*MailMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.mailQueueKey()).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("邮件出队失败: %v", err)
	}

	// result[0] 是键名
	var msg MailMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("解析邮件消息失败: %v", err)
	}
	return &msg, nil
}

// MarkResult 记录投递结果
func (q *RedisQueue) MarkResult(ctx context.Context, id string, deliveryErr error) error {
	updates := map[string]interface{}{
		"status":      StatusSent,
		"finished_at": time.Now().Unix(),
	}
	if deliveryErr != nil {
		updates["status"] = StatusFailed
		updates["error"] = deliveryErr.Error()
	}
	return q.client.HSet(ctx, q.statusKey(id), updates).Err()
}

// GetStatus 获取邮件状态
func (q *RedisQueue) GetStatus(ctx context.Context, id string) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取邮件状态失败: %v", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("邮件不存在")
	}
	return result, nil
}

// Length 队列长度
func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.mailQueueKey()).Result()
}

func (q *RedisQueue) mailQueueKey() string {
	return fmt.Sprintf("%s:mail", q.prefix)
}

func (q *RedisQueue) statusKey(id string) string {
	return fmt.Sprintf("%s:mail:status:%s", q.prefix, id)
}
