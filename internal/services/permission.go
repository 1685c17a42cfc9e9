package services

import (
	"errors"
	"fmt"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	apperrors "tenantgate/pkg/errors"

	"github.com/google/uuid"
)

// Clock 当前时间，测试中可替换
type Clock func() time.Time

// SystemClock 使用 UTC 的系统时间
func SystemClock() time.Time {
	return time.Now().UTC()
}

func orSystemClock(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}

// 自我锁定校验覆盖的管理权限
var selfLockoutPermissions = []string{
	models.PermIdentityRolesManage,
	models.PermIdentityUsersManage,
}

// RequireSubset 目标权限必须全部为操作者已持有
func RequireSubset(target, actor models.PermissionSet) error {
	missing := target.Missing(actor)
	if len(missing) > 0 {
		return apperrors.BusinessRule(apperrors.ErrCodePermOutOfBounds,
			fmt.Sprintf("不能授予自己未持有的权限: %s", missing[0]))
	}
	return nil
}

// requirePermission 已认证但缺少权限时可以指明缺少哪一个
func requirePermission(perms models.PermissionSet, perm string) error {
	if perm == "" || perms.Has(perm) {
		return nil
	}
	return apperrors.Forbidden(apperrors.ErrCodeForbidden, fmt.Sprintf("缺少权限: %s", perm))
}

// checkSelfLockout 操作者编辑自己持有的角色时，不能去掉自己赖以管理角色或用户的权限，
// 除非另一个角色仍然提供该权限
func checkSelfLockout(actor *models.User, role *models.Role, next models.PermissionSet) error {
	if !actor.HasRole(role.ID) {
		return nil
	}
	current := role.PermissionSet()
	for _, perm := range selfLockoutPermissions {
		if !current.Has(perm) || next.Has(perm) {
			continue
		}
		if heldElsewhere(actor, role.ID, perm) {
			continue
		}
		return apperrors.BusinessRule(apperrors.ErrCodeSelfLockout,
			fmt.Sprintf("不能从自己唯一的管理角色中移除权限: %s", perm))
	}
	return nil
}

func heldElsewhere(actor *models.User, roleID uuid.UUID, perm string) bool {
	for i := range actor.Roles {
		if actor.Roles[i].ID == roleID {
			continue
		}
		if actor.Roles[i].PermissionSet().Has(perm) {
			return true
		}
	}
	return false
}

// ensureAdminRemains 在同一事务内统计仍持有用户管理权限的 ACTIVE 用户，为 0 时回滚
func ensureAdminRemains(tx store.Tx, tenantID uuid.UUID) error {
	count, err := tx.CountActiveUsersWithPermission(tenantID, models.PermIdentityUsersManage)
	if err != nil {
		return apperrors.Internal(err)
	}
	if count == 0 {
		return apperrors.BusinessRule(apperrors.ErrCodeLastAdmin, "租户至少需要保留一名可管理用户的活跃管理员")
	}
	return nil
}

// loadActor 事务内重新加载操作者，权限以当前角色为准
func loadActor(tx store.Tx, p *Principal, perm string) (*models.User, models.PermissionSet, error) {
	actor, err := tx.GetUser(p.TenantID, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errNoSession
	}
	if err != nil {
		return nil, nil, apperrors.Internal(err)
	}
	if !actor.IsActive() {
		return nil, nil, errNoSession
	}
	perms := actor.Permissions()
	if err := requirePermission(perms, perm); err != nil {
		return nil, nil, err
	}
	return actor, perms, nil
}

// actorFunc 受保护修改的主体，actorPerms 已在事务内重新计算
type actorFunc func(tx store.Tx, actor *models.User, actorPerms models.PermissionSet) error

// guarded 锁定租户后执行修改，提交前校验最后管理员约束
func guarded(tx store.Tx, p *Principal, perm string, fn actorFunc) error {
	if _, err := tx.LockTenant(p.TenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNoSession
		}
		return apperrors.Internal(err)
	}
	actor, perms, err := loadActor(tx, p, perm)
	if err != nil {
		return err
	}
	if err := fn(tx, actor, perms); err != nil {
		return err
	}
	return ensureAdminRemains(tx, p.TenantID)
}

// readOnly 只读操作：校验操作者和权限
func readOnly(tx store.Tx, p *Principal, perm string) error {
	_, _, err := loadActor(tx, p, perm)
	return err
}

// storeErr 把存储层错误转换为业务错误，已是业务错误的原样返回
func storeErr(err error, notFoundCode, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(notFoundCode, notFoundMsg)
	}
	if errors.Is(err, store.ErrConflict) {
		return apperrors.Wrap(apperrors.KindConflict, apperrors.ErrCodeConflict, "数据已存在", err)
	}
	return apperrors.Internal(err)
}
