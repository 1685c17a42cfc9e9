package models

import (
	"time"

	"github.com/google/uuid"
)

// UserSession 登录会话，只保存令牌摘要
type UserSession struct {
	BaseModel
	TenantID      uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;index:idx_session_tenant_user"`
	UserID        uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index:idx_session_tenant_user"`
	TokenHash     string     `json:"-" gorm:"size:64;not null;uniqueIndex"`
	IssuedAt      time.Time  `json:"issued_at" gorm:"not null"`
	LastSeenAt    time.Time  `json:"last_seen_at" gorm:"not null"`
	ExpiresAt     time.Time  `json:"expires_at" gorm:"not null;index"`
	RevokedAt     *time.Time `json:"revoked_at"`
	RevokedBy     *uuid.UUID `json:"revoked_by" gorm:"type:uuid"`
	IP            string     `json:"ip" gorm:"size:64"`
	UserAgent     string     `json:"user_agent" gorm:"size:255"`
	SecurityStamp string     `json:"-" gorm:"size:64;not null"`
}

// TableName 表名
func (UserSession) TableName() string {
	return "user_sessions"
}

// OpenSession 创建会话记录，tokenHash 为原始令牌的摘要
func OpenSession(tenantID, userID uuid.UUID, stamp, tokenHash string, now, expiresAt time.Time, ip, userAgent string) *UserSession {
	if len(userAgent) > 255 {
		userAgent = userAgent[:255]
	}
	if len(ip) > 64 {
		ip = ip[:64]
	}
	return &UserSession{
		BaseModel:     newBaseModel(now),
		TenantID:      tenantID,
		UserID:        userID,
		TokenHash:     tokenHash,
		IssuedAt:      now,
		LastSeenAt:    now,
		ExpiresAt:     expiresAt,
		IP:            ip,
		UserAgent:     userAgent,
		SecurityStamp: stamp,
	}
}

// IsActiveAt 未撤销且未过期
func (s *UserSession) IsActiveAt(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// MatchesStamp 会话签发时的安全戳与用户当前安全戳一致
func (s *UserSession) MatchesStamp(current string) bool {
	return s.SecurityStamp != "" && s.SecurityStamp == current
}

// IsValidFor 会话对该用户当前状态有效
func (s *UserSession) IsValidFor(u *User, now time.Time) bool {
	return s.IsActiveAt(now) && s.UserID == u.ID && s.TenantID == u.TenantID && s.MatchesStamp(u.SecurityStamp)
}

// TouchIfStale 距上次刷新超过阈值才更新 last_seen，返回是否更新
func (s *UserSession) TouchIfStale(now time.Time, threshold time.Duration) bool {
	if s.RevokedAt != nil {
		return false
	}
	if s.LastSeenAt.Add(threshold).After(now) {
		return false
	}
	s.LastSeenAt = now
	return true
}

// Revoke 撤销会话，重复撤销不做任何修改，返回是否发生变化
func (s *UserSession) Revoke(now time.Time, actorID *uuid.UUID) bool {
	if s.RevokedAt != nil {
		return false
	}
	t := now
	s.RevokedAt = &t
	s.RevokedBy = actorID
	return true
}
