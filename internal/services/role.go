package services

import (
	"context"
	"errors"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RoleView 角色信息
type RoleView struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleInput 创建或更新角色，Permissions 为 nil 时更新不修改权限
type RoleInput struct {
	Name        *string
	Permissions []string
}

// RoleService 角色管理
type RoleService struct {
	store    store.Store
	sessions *SessionService
	events   events.Publisher
	now      Clock
}

// NewRoleService 创建角色服务
func NewRoleService(st store.Store, sessions *SessionService, pub events.Publisher, now Clock) *RoleService {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &RoleService{
		store:    st,
		sessions: sessions,
		events:   pub,
		now:      orSystemClock(now),
	}
}

// Create 创建角色，只能授予操作者自己持有的权限
func (s *RoleService) Create(ctx context.Context, p *Principal, name string, perms []string) (*RoleView, error) {
	roleName, err := models.NormalizeRoleName(name)
	if err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
	}
	set := models.NewPermissionSet(perms...)
	now := s.now()

	var view *RoleView
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		return guarded(tx, p, models.PermIdentityRolesManage, func(tx store.Tx, _ *models.User, actorPerms models.PermissionSet) error {
			if err := RequireSubset(set, actorPerms); err != nil {
				return err
			}
			if err := ensureRoleNameFree(tx, p.TenantID, roleName, nil); err != nil {
				return err
			}
			role, err := models.NewRole(p.TenantID, roleName, set, now)
			if err != nil {
				return apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
			}
			if err := tx.CreateRole(role); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return apperrors.Conflict(apperrors.ErrCodeRoleDuplicate, "角色名称已存在")
				}
				return apperrors.Internal(err)
			}
			view = toRoleView(role)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeRoleNotFound, "角色不存在")
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": p.TenantID,
		"role_id":   view.ID,
		"name":      view.Name,
	}).Info("角色创建成功")
	return view, nil
}

// Update 修改名称或权限；权限变化时撤销持有该角色的所有用户的会话
func (s *RoleService) Update(ctx context.Context, p *Principal, id uuid.UUID, in RoleInput) (*RoleView, error) {
	var newName string
	if in.Name != nil {
		n, err := models.NormalizeRoleName(*in.Name)
		if err != nil {
			return nil, apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
		}
		newName = n
	}
	now := s.now()

	var (
		view         *RoleView
		permsChanged bool
		revoked      int64
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return guarded(tx, p, models.PermIdentityRolesManage, func(tx store.Tx, actor *models.User, actorPerms models.PermissionSet) error {
			role, err := tx.GetRole(p.TenantID, id)
			if err != nil {
				return err
			}
			if newName != "" && newName != role.Name {
				if err := ensureRoleNameFree(tx, p.TenantID, newName, &role.ID); err != nil {
					return err
				}
				role.Name = newName
			}

			if in.Permissions != nil {
				next := models.NewPermissionSet(in.Permissions...)
				if err := RequireSubset(next, actorPerms); err != nil {
					return err
				}
				if err := checkSelfLockout(actor, role, next); err != nil {
					return err
				}
				permsChanged = !next.Equal(role.PermissionSet())
				role.ReplacePermissions(next)
			}

			role.UpdatedAt = now
			if err := tx.SaveRole(role); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return apperrors.Conflict(apperrors.ErrCodeRoleDuplicate, "角色名称已存在")
				}
				return apperrors.Internal(err)
			}
			if permsChanged {
				if revoked, err = s.sessions.RevokeAllForRole(tx, p.TenantID, role.ID, now, &p.UserID); err != nil {
					return err
				}
			}
			view = toRoleView(role)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeRoleNotFound, "角色不存在")
	}

	if permsChanged {
		logger.GetLogger().WithFields(logrus.Fields{
			"tenant_id": p.TenantID,
			"role_id":   id,
			"revoked":   revoked,
		}).Info("角色权限已变更")
		publish(ctx, s.events, events.Event{
			Type:       events.RolePermsChanged,
			TenantID:   p.TenantID.String(),
			ActorID:    p.UserID.String(),
			OccurredAt: now,
			Data:       map[string]string{"role_id": id.String()},
		})
	}
	return view, nil
}

// Get 获取角色
func (s *RoleService) Get(ctx context.Context, p *Principal, id uuid.UUID) (*RoleView, error) {
	var view *RoleView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := readOnly(tx, p, models.PermIdentityRead); err != nil {
			return err
		}
		role, err := tx.GetRole(p.TenantID, id)
		if err != nil {
			return err
		}
		view = toRoleView(role)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeRoleNotFound, "角色不存在")
	}
	return view, nil
}

// List 租户内全部角色
func (s *RoleService) List(ctx context.Context, p *Principal) ([]RoleView, error) {
	var views []RoleView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := readOnly(tx, p, models.PermIdentityRead); err != nil {
			return err
		}
		roles, err := tx.ListRoles(p.TenantID)
		if err != nil {
			return err
		}
		views = make([]RoleView, 0, len(roles))
		for i := range roles {
			views = append(views, *toRoleView(&roles[i]))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeRoleNotFound, "角色不存在")
	}
	return views, nil
}

func ensureRoleNameFree(tx store.Tx, tenantID uuid.UUID, name string, excludeID *uuid.UUID) error {
	exists, err := tx.RoleNameExists(tenantID, name, excludeID)
	if err != nil {
		return apperrors.Internal(err)
	}
	if exists {
		return apperrors.Conflict(apperrors.ErrCodeRoleDuplicate, "角色名称已存在")
	}
	return nil
}

func toRoleView(r *models.Role) *RoleView {
	return &RoleView{
		ID:          r.ID,
		Name:        r.Name,
		Permissions: r.PermissionSet().Slice(),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
