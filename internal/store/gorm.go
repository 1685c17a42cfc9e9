package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantgate/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

// countActiveWithPermissionSQL 持有某权限的 ACTIVE 用户数，最后管理员校验使用
const countActiveWithPermissionSQL = `SELECT COUNT(DISTINCT users.id) FROM users
JOIN user_roles ur ON ur.user_id = users.id
JOIN roles r ON r.id = ur.role_id
JOIN role_permissions rp ON rp.role_id = r.id
WHERE users.tenant_id = ? AND users.status = ? AND rp.permission_code = ?`

// GormStore 基于 gorm/postgres 的存储实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithinTx 在数据库事务中执行 fn
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

type gormTx struct {
	db *gorm.DB
}

// translateError 统一转换为存储层哨兵错误
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func excludeID(q *gorm.DB, id *uuid.UUID) *gorm.DB {
	if id != nil {
		return q.Where("id <> ?", *id)
	}
	return q
}

// ========== 租户 ==========

func (t *gormTx) LockTenant(id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&tenant).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &tenant, nil
}

func (t *gormTx) GetTenant(id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := t.db.Where("id = ?", id).First(&tenant).Error; err != nil {
		return nil, translateError(err)
	}
	return &tenant, nil
}

func (t *gormTx) TenantNameExists(name string, exclude *uuid.UUID) (bool, error) {
	var count int64
	q := t.db.Model(&models.Tenant{}).Where("LOWER(name) = LOWER(?)", name)
	if err := excludeID(q, exclude).Count(&count).Error; err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (t *gormTx) CreateTenant(tenant *models.Tenant) error {
	return translateError(t.db.Create(tenant).Error)
}

func (t *gormTx) SaveTenant(tenant *models.Tenant) error {
	return translateError(t.db.Save(tenant).Error)
}

func (t *gormTx) ListTenants(offset, limit int) ([]models.Tenant, int64, error) {
	var total int64
	if err := t.db.Model(&models.Tenant{}).Count(&total).Error; err != nil {
		return nil, 0, translateError(err)
	}
	var tenants []models.Tenant
	if err := t.db.Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&tenants).Error; err != nil {
		return nil, 0, translateError(err)
	}
	return tenants, total, nil
}

func (t *gormTx) CreateTenantKey(k *models.TenantKey) error {
	return translateError(t.db.Create(k).Error)
}

func (t *gormTx) FindTenantKey(keyType, value string) (*models.TenantKey, error) {
	var key models.TenantKey
	if err := t.db.Where("key_type = ? AND key_value = LOWER(?)", keyType, value).First(&key).Error; err != nil {
		return nil, translateError(err)
	}
	return &key, nil
}

func (t *gormTx) GetTenantKey(tenantID uuid.UUID, keyType string) (*models.TenantKey, error) {
	var key models.TenantKey
	if err := t.db.Where("tenant_id = ? AND key_type = ?", tenantID, keyType).First(&key).Error; err != nil {
		return nil, translateError(err)
	}
	return &key, nil
}

func (t *gormTx) TenantKeyExists(keyType, value string) (bool, error) {
	var count int64
	err := t.db.Model(&models.TenantKey{}).Where("key_type = ? AND key_value = LOWER(?)", keyType, value).Count(&count).Error
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (t *gormTx) CountUsers(tenantID uuid.UUID) (int64, error) {
	var count int64
	if err := t.db.Model(&models.User{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

// ========== 用户 ==========

func (t *gormTx) GetUser(tenantID, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := t.db.Preload("Roles.Permissions").Where("tenant_id = ? AND id = ?", tenantID, id).First(&user).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (t *gormTx) LockUser(tenantID, id uuid.UUID) (*models.User, error) {
	var locked models.User
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").Where("tenant_id = ? AND id = ?", tenantID, id).First(&locked).Error
	if err != nil {
		return nil, translateError(err)
	}
	return t.GetUser(tenantID, id)
}

func (t *gormTx) FindUserByEmail(tenantID uuid.UUID, email string) (*models.User, error) {
	var user models.User
	err := t.db.Preload("Roles.Permissions").
		Where("tenant_id = ? AND email = ?", tenantID, models.NormalizeEmail(email)).First(&user).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (t *gormTx) EmailTaken(tenantID uuid.UUID, email string, exclude *uuid.UUID) (bool, error) {
	var count int64
	q := t.db.Model(&models.User{}).Where("tenant_id = ? AND email = ?", tenantID, models.NormalizeEmail(email))
	if err := excludeID(q, exclude).Count(&count).Error; err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (t *gormTx) CreateUser(u *models.User) error {
	if err := t.db.Omit(clause.Associations).Create(u).Error; err != nil {
		return translateError(err)
	}
	return t.insertUserRoles(u)
}

func (t *gormTx) SaveUser(u *models.User) error {
	return translateError(t.db.Omit(clause.Associations).Save(u).Error)
}

func (t *gormTx) ReplaceUserRoles(u *models.User) error {
	if err := t.db.Where("user_id = ?", u.ID).Delete(&models.UserRole{}).Error; err != nil {
		return translateError(err)
	}
	return t.insertUserRoles(u)
}

func (t *gormTx) insertUserRoles(u *models.User) error {
	if len(u.Roles) == 0 {
		return nil
	}
	links := make([]models.UserRole, 0, len(u.Roles))
	for _, r := range u.Roles {
		links = append(links, models.UserRole{UserID: u.ID, RoleID: r.ID})
	}
	return translateError(t.db.Create(&links).Error)
}

func (t *gormTx) ListUsers(tenantID uuid.UUID, offset, limit int) ([]models.User, int64, error) {
	var total int64
	if err := t.db.Model(&models.User{}).Where("tenant_id = ?", tenantID).Count(&total).Error; err != nil {
		return nil, 0, translateError(err)
	}
	var users []models.User
	err := t.db.Preload("Roles.Permissions").Where("tenant_id = ?", tenantID).
		Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&users).Error
	if err != nil {
		return nil, 0, translateError(err)
	}
	return users, total, nil
}

func (t *gormTx) CountActiveUsersWithPermission(tenantID uuid.UUID, perm string) (int64, error) {
	var count int64
	err := t.db.Raw(countActiveWithPermissionSQL, tenantID, models.UserStatusActive, perm).Scan(&count).Error
	if err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

func (t *gormTx) ListUserIDsWithRole(tenantID, roleID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := t.db.Model(&models.UserRole{}).
		Joins("JOIN users ON users.id = user_roles.user_id").
		Where("users.tenant_id = ? AND user_roles.role_id = ?", tenantID, roleID).
		Pluck("user_roles.user_id", &ids).Error
	if err != nil {
		return nil, translateError(err)
	}
	return ids, nil
}

// ========== 角色 ==========

func (t *gormTx) GetRole(tenantID, id uuid.UUID) (*models.Role, error) {
	var role models.Role
	if err := t.db.Preload("Permissions").Where("tenant_id = ? AND id = ?", tenantID, id).First(&role).Error; err != nil {
		return nil, translateError(err)
	}
	return &role, nil
}

func (t *gormTx) GetRolesByIDs(tenantID uuid.UUID, ids []uuid.UUID) ([]models.Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var roles []models.Role
	if err := t.db.Preload("Permissions").Where("tenant_id = ? AND id IN ?", tenantID, ids).Find(&roles).Error; err != nil {
		return nil, translateError(err)
	}
	return roles, nil
}

func (t *gormTx) RoleNameExists(tenantID uuid.UUID, name string, exclude *uuid.UUID) (bool, error) {
	var count int64
	q := t.db.Model(&models.Role{}).Where("tenant_id = ? AND name = ?", tenantID, name)
	if err := excludeID(q, exclude).Count(&count).Error; err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (t *gormTx) CreateRole(r *models.Role) error {
	if err := t.db.Omit(clause.Associations).Create(r).Error; err != nil {
		return translateError(err)
	}
	return t.insertRolePermissions(r)
}

func (t *gormTx) SaveRole(r *models.Role) error {
	if err := t.db.Omit(clause.Associations).Save(r).Error; err != nil {
		return translateError(err)
	}
	if err := t.db.Where("role_id = ?", r.ID).Delete(&models.RolePermission{}).Error; err != nil {
		return translateError(err)
	}
	return t.insertRolePermissions(r)
}

func (t *gormTx) insertRolePermissions(r *models.Role) error {
	if len(r.Permissions) == 0 {
		return nil
	}
	for i := range r.Permissions {
		r.Permissions[i].RoleID = r.ID
	}
	return translateError(t.db.Create(&r.Permissions).Error)
}

func (t *gormTx) ListRoles(tenantID uuid.UUID) ([]models.Role, error) {
	var roles []models.Role
	if err := t.db.Preload("Permissions").Where("tenant_id = ?", tenantID).Order("name ASC").Find(&roles).Error; err != nil {
		return nil, translateError(err)
	}
	return roles, nil
}

// ========== 会话 ==========

func (t *gormTx) CreateSession(s *models.UserSession) error {
	return translateError(t.db.Create(s).Error)
}

func (t *gormTx) FindSessionByHash(tokenHash string) (*models.UserSession, error) {
	var session models.UserSession
	if err := t.db.Where("token_hash = ?", tokenHash).First(&session).Error; err != nil {
		return nil, translateError(err)
	}
	return &session, nil
}

func (t *gormTx) TouchSession(id uuid.UUID, now time.Time) error {
	err := t.db.Model(&models.UserSession{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]interface{}{
			"last_seen_at": now,
			"updated_at":   now,
		}).Error
	return translateError(err)
}

func (t *gormTx) RevokeSession(id uuid.UUID, now time.Time, actorID *uuid.UUID) (bool, error) {
	res := t.db.Model(&models.UserSession{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]interface{}{
			"revoked_at": now,
			"revoked_by": actorID,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) RevokeSessionsForUsers(tenantID uuid.UUID, userIDs []uuid.UUID, now time.Time, actorID *uuid.UUID) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := t.db.Model(&models.UserSession{}).
		Where("tenant_id = ? AND user_id IN ? AND revoked_at IS NULL", tenantID, userIDs).
		Updates(map[string]interface{}{
			"revoked_at": now,
			"revoked_by": actorID,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	return res.RowsAffected, nil
}

func (t *gormTx) DeleteExpiredSessions(before time.Time) (int64, error) {
	res := t.db.Where("expires_at < ? OR revoked_at < ?", before, before).Delete(&models.UserSession{})
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	return res.RowsAffected, nil
}

// ========== 重置令牌 ==========

func (t *gormTx) CreateResetToken(tok *models.PasswordResetToken) error {
	return translateError(t.db.Create(tok).Error)
}

func (t *gormTx) FindUsableResetToken(tenantID uuid.UUID, tokenHash, purpose string, now time.Time) (*models.PasswordResetToken, error) {
	var tok models.PasswordResetToken
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND token_hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?",
			tenantID, tokenHash, purpose, now).First(&tok).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &tok, nil
}

func (t *gormTx) InvalidateUsableResetTokens(tenantID, userID uuid.UUID, purpose string, now time.Time) (int64, error) {
	res := t.db.Model(&models.PasswordResetToken{}).
		Where("tenant_id = ? AND user_id = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?",
			tenantID, userID, purpose, now).
		Updates(map[string]interface{}{"used_at": now, "updated_at": now})
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	return res.RowsAffected, nil
}

func (t *gormTx) ConsumeResetToken(id uuid.UUID, now time.Time) (bool, error) {
	res := t.db.Model(&models.PasswordResetToken{}).
		Where("id = ? AND used_at IS NULL AND expires_at > ?", id, now).
		Updates(map[string]interface{}{"used_at": now, "updated_at": now})
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) DeleteStaleResetTokens(before time.Time) (int64, error) {
	res := t.db.Where("expires_at < ? OR used_at < ?", before, before).Delete(&models.PasswordResetToken{})
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	return res.RowsAffected, nil
}
