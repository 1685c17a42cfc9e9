package services

import (
	"context"
	"fmt"
	"time"

	"tenantgate/pkg/config"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/metrics"
	"tenantgate/pkg/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 邮件类型
const (
	MailKindPasswordReset = "password_reset"
	MailKindInvite        = "invite"
)

const mailTimeout = 5 * time.Second

// Mail 一封待投递的邮件
type Mail struct {
	Kind     string
	TenantID uuid.UUID
	UserID   uuid.UUID
	To       string
	Subject  string
	Body     string
}

// Mailer 邮件投递
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// QueueMailer 写入 Redis 邮件队列，由投递进程异步发送
type QueueMailer struct {
	queue *queue.RedisQueue
	from  string
}

// NewQueueMailer 创建队列邮件发送器
func NewQueueMailer(q *queue.RedisQueue, from string) *QueueMailer {
	return &QueueMailer{queue: q, from: from}
}

func (m *QueueMailer) Send(ctx context.Context, mail Mail) error {
	return m.queue.Enqueue(ctx, &queue.MailMessage{
		ID:       uuid.NewString(),
		Kind:     mail.Kind,
		TenantID: mail.TenantID.String(),
		UserID:   mail.UserID.String(),
		From:     m.from,
		To:       mail.To,
		Subject:  mail.Subject,
		Body:     mail.Body,
	})
}

// LogMailer 只记录收件人和主题，正文含令牌不写日志
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, mail Mail) error {
	logger.GetLogger().WithFields(logrus.Fields{
		"kind":      mail.Kind,
		"tenant_id": mail.TenantID,
		"user_id":   mail.UserID,
		"to":        mail.To,
	}).Info("邮件未投递（log 驱动）: " + mail.Subject)
	return nil
}

// Notifier 组装重置密码和邀请邮件，投递失败只记录日志
type Notifier struct {
	mailer Mailer
	cfg    config.MailConfig
}

// NewNotifier 创建通知器
func NewNotifier(mailer Mailer, cfg config.MailConfig) *Notifier {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Notifier{mailer: mailer, cfg: cfg}
}

// PasswordReset 发送重置密码邮件
func (n *Notifier) PasswordReset(ctx context.Context, tenantID, userID uuid.UUID, to, rawToken string, expiresAt time.Time) {
	n.deliver(ctx, Mail{
		Kind:     MailKindPasswordReset,
		TenantID: tenantID,
		UserID:   userID,
		To:       to,
		Subject:  "重置密码",
		Body: fmt.Sprintf("请在 %s 之前打开以下链接重置密码：\n%s%s\n如果不是您本人操作，请忽略此邮件。",
			expiresAt.Format(time.RFC3339), n.cfg.ResetURL, rawToken),
	})
}

// Invite 发送邀请邮件
func (n *Notifier) Invite(ctx context.Context, tenantID, userID uuid.UUID, to, rawToken string, expiresAt time.Time) {
	n.deliver(ctx, Mail{
		Kind:     MailKindInvite,
		TenantID: tenantID,
		UserID:   userID,
		To:       to,
		Subject:  "账号邀请",
		Body: fmt.Sprintf("您已被邀请加入，请在 %s 之前打开以下链接设置密码：\n%s%s",
			expiresAt.Format(time.RFC3339), n.cfg.InviteURL, rawToken),
	})
}

// deliver 事务已提交，请求取消不影响投递
func (n *Notifier) deliver(ctx context.Context, mail Mail) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
	defer cancel()

	if err := n.mailer.Send(sendCtx, mail); err != nil {
		metrics.MailFailures.Inc()
		logger.GetLogger().WithFields(logrus.Fields{
			"kind":      mail.Kind,
			"tenant_id": mail.TenantID,
			"user_id":   mail.UserID,
		}).Errorf("邮件投递失败: %v", err)
	}
}
