package store

import (
	"context"
	"errors"
	"time"

	"tenantgate/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 违反唯一约束
	ErrConflict = errors.New("unique constraint violated")
)

// Store 持久化入口，所有读写都在事务内完成
type Store interface {
	// WithinTx fn 返回错误时整个事务回滚
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 事务内可用的全部仓储
type Tx interface {
	TenantRepository
	UserRepository
	RoleRepository
	SessionRepository
	ResetTokenRepository
}

// TenantRepository 租户及外部标识
type TenantRepository interface {
	// LockTenant 行锁，租户内的受保护修改以此串行化
	LockTenant(id uuid.UUID) (*models.Tenant, error)
	GetTenant(id uuid.UUID) (*models.Tenant, error)
	TenantNameExists(name string, excludeID *uuid.UUID) (bool, error)
	CreateTenant(t *models.Tenant) error
	SaveTenant(t *models.Tenant) error
	ListTenants(offset, limit int) ([]models.Tenant, int64, error)

	CreateTenantKey(k *models.TenantKey) error
	FindTenantKey(keyType, value string) (*models.TenantKey, error)
	GetTenantKey(tenantID uuid.UUID, keyType string) (*models.TenantKey, error)
	TenantKeyExists(keyType, value string) (bool, error)

	CountUsers(tenantID uuid.UUID) (int64, error)
}

// UserRepository 用户，读取时预加载角色及权限
type UserRepository interface {
	GetUser(tenantID, id uuid.UUID) (*models.User, error)
	LockUser(tenantID, id uuid.UUID) (*models.User, error)
	FindUserByEmail(tenantID uuid.UUID, email string) (*models.User, error)
	EmailTaken(tenantID uuid.UUID, email string, excludeID *uuid.UUID) (bool, error)
	CreateUser(u *models.User) error
	// SaveUser 只保存用户字段，不修改角色关联
	SaveUser(u *models.User) error
	// ReplaceUserRoles 用 u.Roles 覆盖角色关联
	ReplaceUserRoles(u *models.User) error
	ListUsers(tenantID uuid.UUID, offset, limit int) ([]models.User, int64, error)
	CountActiveUsersWithPermission(tenantID uuid.UUID, perm string) (int64, error)
	ListUserIDsWithRole(tenantID, roleID uuid.UUID) ([]uuid.UUID, error)
}

// RoleRepository 角色及权限
type RoleRepository interface {
	GetRole(tenantID, id uuid.UUID) (*models.Role, error)
	// GetRolesByIDs 只返回属于该租户的角色
	GetRolesByIDs(tenantID uuid.UUID, ids []uuid.UUID) ([]models.Role, error)
	RoleNameExists(tenantID uuid.UUID, name string, excludeID *uuid.UUID) (bool, error)
	CreateRole(r *models.Role) error
	// SaveRole 保存名称并整体替换权限
	SaveRole(r *models.Role) error
	ListRoles(tenantID uuid.UUID) ([]models.Role, error)
}

// SessionRepository 会话
type SessionRepository interface {
	CreateSession(s *models.UserSession) error
	FindSessionByHash(tokenHash string) (*models.UserSession, error)
	// TouchSession 刷新 last_seen_at，已撤销的会话保持不变
	TouchSession(id uuid.UUID, now time.Time) error
	// RevokeSession 撤销单个会话，会话已被撤销时返回 false
	RevokeSession(id uuid.UUID, now time.Time, actorID *uuid.UUID) (bool, error)
	// RevokeSessionsForUsers 撤销这些用户所有未撤销的会话，返回受影响数量
	RevokeSessionsForUsers(tenantID uuid.UUID, userIDs []uuid.UUID, now time.Time, actorID *uuid.UUID) (int64, error)
	// DeleteExpiredSessions 删除在 before 之前过期或撤销的会话
	DeleteExpiredSessions(before time.Time) (int64, error)
}

// ResetTokenRepository 重置密码及邀请令牌
type ResetTokenRepository interface {
	CreateResetToken(t *models.PasswordResetToken) error
	// FindUsableResetToken 读取并锁定仍可用的令牌
	FindUsableResetToken(tenantID uuid.UUID, tokenHash, purpose string, now time.Time) (*models.PasswordResetToken, error)
	// InvalidateUsableResetTokens 将用户该用途下仍可用的令牌标记为已使用
	InvalidateUsableResetTokens(tenantID, userID uuid.UUID, purpose string, now time.Time) (int64, error)
	// ConsumeResetToken 令牌仍可用时标记为已使用，并发兑换只有一个返回 true
	ConsumeResetToken(id uuid.UUID, now time.Time) (bool, error)
	// DeleteStaleResetTokens 删除在 before 之前过期或已使用的令牌
	DeleteStaleResetTokens(before time.Time) (int64, error)
}
