package models

import (
	"time"

	"github.com/google/uuid"
)

// 令牌用途
const (
	TokenPurposeReset  = "RESET"
	TokenPurposeInvite = "INVITE"
)

// PasswordResetToken 一次性令牌，只保存摘要
type PasswordResetToken struct {
	BaseModel
	TenantID  uuid.UUID  `gorm:"type:uuid;not null;index:idx_prt_tenant_hash"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	TokenHash string     `gorm:"size:64;not null;index:idx_prt_tenant_hash"`
	Purpose   string     `gorm:"size:20;not null"`
	ExpiresAt time.Time  `gorm:"not null;index"`
	UsedAt    *time.Time
	CreatedBy *uuid.UUID `gorm:"type:uuid"`
}

// TableName 表名
func (PasswordResetToken) TableName() string {
	return "password_reset_tokens"
}

// IssueResetToken 签发令牌记录
func IssueResetToken(tenantID, userID uuid.UUID, purpose, tokenHash string, now, expiresAt time.Time, actorID *uuid.UUID) *PasswordResetToken {
	if purpose == "" {
		purpose = TokenPurposeReset
	}
	return &PasswordResetToken{
		BaseModel: newBaseModel(now),
		TenantID:  tenantID,
		UserID:    userID,
		TokenHash: tokenHash,
		Purpose:   purpose,
		ExpiresAt: expiresAt,
		CreatedBy: actorID,
	}
}

// IsUsableAt 未使用且未过期
func (t *PasswordResetToken) IsUsableAt(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// MarkUsed 标记已使用
func (t *PasswordResetToken) MarkUsed(now time.Time) {
	u := now
	t.UsedAt = &u
}
