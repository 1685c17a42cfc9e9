package services

import (
	"context"
	"errors"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/pagination"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RoleLite 用户视图中的角色摘要
type RoleLite struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// UserView 用户信息，不含密码和安全戳
type UserView struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	Phone       *string    `json:"phone"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"last_login_at"`
	Roles       []RoleLite `json:"roles"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateUserInput 创建用户参数，Password 为空时发送邀请
type CreateUserInput struct {
	Email    string
	Password string
	FullName string
	Phone    *string
	RoleIDs  []uuid.UUID
}

// UpdateUserInput nil 字段不修改
type UpdateUserInput struct {
	Email    *string
	FullName *string
	Phone    *string
}

// UserService 租户内用户管理
type UserService struct {
	store    store.Store
	sessions *SessionService
	hasher   *credential.Hasher
	notifier *Notifier
	events   events.Publisher
	cfg      config.AuthConfig
	now      Clock
}

// NewUserService 创建用户服务
func NewUserService(st store.Store, sessions *SessionService, hasher *credential.Hasher, notifier *Notifier,
	pub events.Publisher, cfg config.AuthConfig, now Clock) *UserService {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &UserService{
		store:    st,
		sessions: sessions,
		hasher:   hasher,
		notifier: notifier,
		events:   pub,
		cfg:      cfg,
		now:      orSystemClock(now),
	}
}

// Create 创建用户；未提供密码时创建 PENDING 用户并发送邀请令牌
func (s *UserService) Create(ctx context.Context, p *Principal, in CreateUserInput) (*UserView, error) {
	email := models.NormalizeEmail(in.Email)
	if err := models.ValidateEmail(email); err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidEmail, err.Error())
	}
	if len(in.RoleIDs) == 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeUserRoleRequired, "至少需要分配一个角色")
	}

	var hash string
	if in.Password != "" {
		if err := credential.ValidatePassword(in.Password); err != nil {
			return nil, apperrors.Validation(apperrors.ErrCodeInvalidPassword, err.Error())
		}
		var err error
		if hash, err = s.hasher.Hash(ctx, in.Password); err != nil {
			return nil, apperrors.Internal(err)
		}
	}

	now := s.now()
	var (
		view      *UserView
		inviteRaw string
		inviteExp = now.Add(s.cfg.InviteTokenTTL)
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return guarded(tx, p, models.PermIdentityUsersManage, func(tx store.Tx, _ *models.User, actorPerms models.PermissionSet) error {
			roles, err := loadRoles(tx, p.TenantID, in.RoleIDs)
			if err != nil {
				return err
			}
			if err := RequireSubset(models.UnionRolePermissions(roles), actorPerms); err != nil {
				return err
			}
			taken, err := tx.EmailTaken(p.TenantID, email, nil)
			if err != nil {
				return apperrors.Internal(err)
			}
			if taken {
				return apperrors.Conflict(apperrors.ErrCodeEmailDuplicate, "邮箱已被使用")
			}

			var u *models.User
			if hash == "" {
				u, err = models.NewInvitedUser(p.TenantID, email, in.FullName, in.Phone, roles, now)
			} else {
				u, err = models.NewRegisteredUser(p.TenantID, email, hash, in.FullName, in.Phone, roles, now)
			}
			if err != nil {
				return apperrors.Validation(apperrors.ErrCodeInvalidEmail, err.Error())
			}
			if err := tx.CreateUser(u); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return apperrors.Conflict(apperrors.ErrCodeEmailDuplicate, "邮箱已被使用")
				}
				return apperrors.Internal(err)
			}

			if hash == "" {
				inviteRaw, err = credential.NewOpaqueToken()
				if err != nil {
					return apperrors.Internal(err)
				}
				token := models.IssueResetToken(p.TenantID, u.ID, models.TokenPurposeInvite,
					credential.HashToken(inviteRaw), now, inviteExp, &p.UserID)
				if err := tx.CreateResetToken(token); err != nil {
					return apperrors.Internal(err)
				}
			}
			view = toUserView(u)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeUserNotFound, "用户不存在")
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": p.TenantID,
		"user_id":   view.ID,
		"status":    view.Status,
	}).Info("用户创建成功")
	if inviteRaw != "" {
		s.notifier.Invite(ctx, p.TenantID, view.ID, view.Email, inviteRaw, inviteExp)
	}
	return view, nil
}

// Update 修改邮箱会轮换安全戳并撤销会话，资料修改不影响会话。已停用的用户不可修改
func (s *UserService) Update(ctx context.Context, p *Principal, id uuid.UUID, in UpdateUserInput) (*UserView, error) {
	now := s.now()
	emailChanged := false
	view, err := s.mutate(ctx, p, id, models.PermIdentityUsersManage, func(tx store.Tx, _ *models.User, _ models.PermissionSet, target *models.User) error {
		if target.Status == models.UserStatusInactive {
			return apperrors.BusinessRule(apperrors.ErrCodeUserNotActive, "已停用的用户不可修改")
		}
		if in.Email != nil {
			changed, err := target.ChangeEmail(*in.Email)
			if err != nil {
				return apperrors.Validation(apperrors.ErrCodeInvalidEmail, err.Error())
			}
			if changed {
				taken, err := tx.EmailTaken(p.TenantID, target.Email, &target.ID)
				if err != nil {
					return apperrors.Internal(err)
				}
				if taken {
					return apperrors.Conflict(apperrors.ErrCodeEmailDuplicate, "邮箱已被使用")
				}
				emailChanged = true
			}
		}
		target.UpdateProfile(in.FullName, in.Phone)
		if err := s.save(tx, target, now); err != nil {
			return err
		}
		if emailChanged {
			_, err := s.sessions.RevokeAllForUser(tx, p.TenantID, target.ID, now, &p.UserID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if emailChanged {
		s.publishRevoked(ctx, p, id, "email_changed", now)
	}
	return view, nil
}

// Get 获取用户
func (s *UserService) Get(ctx context.Context, p *Principal, id uuid.UUID) (*UserView, error) {
	var view *UserView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := readOnly(tx, p, models.PermIdentityRead); err != nil {
			return err
		}
		u, err := tx.GetUser(p.TenantID, id)
		if err != nil {
			return err
		}
		view = toUserView(u)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeUserNotFound, "用户不存在")
	}
	return view, nil
}

// List 分页获取租户内用户
func (s *UserService) List(ctx context.Context, p *Principal, page, pageSize int) ([]UserView, int64, error) {
	var (
		views []UserView
		total  int64
		params = pagination.New(page, pageSize, pagination.MaxUserPageSize)
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := readOnly(tx, p, models.PermIdentityRead); err != nil {
			return err
		}
		users, n, err := tx.ListUsers(p.TenantID, params.Offset(), params.PageSize)
		if err != nil {
			return err
		}
		total = n
		views = make([]UserView, 0, len(users))
		for i := range users {
			views = append(views, *toUserView(&users[i]))
		}
		return nil
	})
	if err != nil {
		return nil, 0, storeErr(err, apperrors.ErrCodeUserNotFound, "用户不存在")
	}
	return views, total, nil
}

// ResetPassword 管理员为用户设置新密码，撤销其全部会话
func (s *UserService) ResetPassword(ctx context.Context, p *Principal, id uuid.UUID, password string) error {
	if err := credential.ValidatePassword(password); err != nil {
		return apperrors.Validation(apperrors.ErrCodeInvalidPassword, err.Error())
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return apperrors.Internal(err)
	}
	now := s.now()
	_, err = s.mutate(ctx, p, id, models.PermIdentityUsersManage, func(tx store.Tx, _ *models.User, _ models.PermissionSet, target *models.User) error {
		if err := target.SetPasswordHash(hash); err != nil {
			return apperrors.Internal(err)
		}
		target.ClearFailedLogins()
		if err := s.save(tx, target, now); err != nil {
			return err
		}
		_, err := s.sessions.RevokeAllForUser(tx, p.TenantID, target.ID, now, &p.UserID)
		return err
	})
	if err != nil {
		return err
	}
	publish(ctx, s.events, events.Event{
		Type:       events.PasswordChanged,
		TenantID:   p.TenantID.String(),
		UserID:     id.String(),
		ActorID:    p.UserID.String(),
		OccurredAt: now,
	})
	return nil
}

// Block 锁定用户，不能锁定自己
func (s *UserService) Block(ctx context.Context, p *Principal, id uuid.UUID) (*UserView, error) {
	return s.changeStatus(ctx, p, id, func(actor, target *models.User) error {
		if actor.ID == target.ID {
			return apperrors.BusinessRule(apperrors.ErrCodeSelfLockout, "不能锁定自己")
		}
		return target.SetStatus(models.UserStatusLocked)
	})
}

// Activate 激活用户，必须已设置密码
func (s *UserService) Activate(ctx context.Context, p *Principal, id uuid.UUID) (*UserView, error) {
	return s.changeStatus(ctx, p, id, func(_, target *models.User) error {
		if err := target.SetStatus(models.UserStatusActive); err != nil {
			if errors.Is(err, models.ErrActiveRequiresPassword) {
				return apperrors.BusinessRule(apperrors.ErrCodeUserPasswordRequired, "用户尚未设置密码")
			}
			return err
		}
		target.ClearFailedLogins()
		return nil
	})
}

// Deactivate 停用 ACTIVE 用户，不能停用自己
func (s *UserService) Deactivate(ctx context.Context, p *Principal, id uuid.UUID) (*UserView, error) {
	return s.changeStatus(ctx, p, id, func(actor, target *models.User) error {
		if actor.ID == target.ID {
			return apperrors.BusinessRule(apperrors.ErrCodeSelfLockout, "不能停用自己")
		}
		switch target.Status {
		case models.UserStatusActive:
		case models.UserStatusInactive:
			return apperrors.BusinessRule(apperrors.ErrCodeUserAlreadyInactive, "用户已停用")
		default:
			return apperrors.BusinessRule(apperrors.ErrCodeUserNotActive, "只能停用活跃用户")
		}
		return target.SetStatus(models.UserStatusInactive)
	})
}

func (s *UserService) changeStatus(ctx context.Context, p *Principal, id uuid.UUID, apply func(actor, target *models.User) error) (*UserView, error) {
	now := s.now()
	view, err := s.mutate(ctx, p, id, models.PermIdentityUsersManage, func(tx store.Tx, actor *models.User, _ models.PermissionSet, target *models.User) error {
		if err := apply(actor, target); err != nil {
			if _, ok := apperrors.As(err); ok {
				return err
			}
			return apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
		}
		if err := s.save(tx, target, now); err != nil {
			return err
		}
		_, err := s.sessions.RevokeAllForUser(tx, p.TenantID, target.ID, now, &p.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": p.TenantID,
		"user_id":   id,
		"actor_id":  p.UserID,
		"status":    view.Status,
	}).Info("用户状态已变更")
	publish(ctx, s.events, events.Event{
		Type:       events.UserStatusChanged,
		TenantID:   p.TenantID.String(),
		UserID:     id.String(),
		ActorID:    p.UserID.String(),
		OccurredAt: now,
		Data:       map[string]string{"status": view.Status},
	})
	return view, nil
}

// AssignRoles 整体替换用户角色，目标必须为 ACTIVE
func (s *UserService) AssignRoles(ctx context.Context, p *Principal, id uuid.UUID, roleIDs []uuid.UUID) (*UserView, error) {
	if len(roleIDs) == 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeUserRoleRequired, "至少需要分配一个角色")
	}
	now := s.now()
	view, err := s.mutate(ctx, p, id, models.PermIdentityRolesManage, func(tx store.Tx, actor *models.User, actorPerms models.PermissionSet, target *models.User) error {
		if !target.IsActive() {
			return apperrors.BusinessRule(apperrors.ErrCodeUserNotActive, "只能为活跃用户分配角色")
		}
		roles, err := loadRoles(tx, p.TenantID, roleIDs)
		if err != nil {
			return err
		}
		next := models.UnionRolePermissions(roles)
		if err := RequireSubset(next, actorPerms); err != nil {
			return err
		}
		if actor.ID == target.ID {
			for _, perm := range selfLockoutPermissions {
				if actorPerms.Has(perm) && !next.Has(perm) {
					return apperrors.BusinessRule(apperrors.ErrCodeSelfLockout, "不能移除自己的管理权限: "+perm)
				}
			}
		}

		target.SetRoles(roles)
		if err := tx.ReplaceUserRoles(target); err != nil {
			return apperrors.Internal(err)
		}
		if err := s.save(tx, target, now); err != nil {
			return err
		}
		_, err = s.sessions.RevokeAllForUser(tx, p.TenantID, target.ID, now, &p.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishRevoked(ctx, p, id, "roles_assigned", now)
	return view, nil
}

// RevokeSessions 强制下线用户的全部会话
func (s *UserService) RevokeSessions(ctx context.Context, p *Principal, id uuid.UUID) (int64, error) {
	now := s.now()
	var revoked int64
	_, err := s.mutate(ctx, p, id, models.PermIdentityUsersManage, func(tx store.Tx, _ *models.User, _ models.PermissionSet, target *models.User) error {
		n, err := s.sessions.RevokeAllForUser(tx, p.TenantID, target.ID, now, &p.UserID)
		revoked = n
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publishRevoked(ctx, p, id, "admin_sweep", now)
	return revoked, nil
}

type targetFunc func(tx store.Tx, actor *models.User, actorPerms models.PermissionSet, target *models.User) error

// mutate 在受保护事务内锁定目标用户后执行修改
func (s *UserService) mutate(ctx context.Context, p *Principal, id uuid.UUID, perm string, fn targetFunc) (*UserView, error) {
	var view *UserView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return guarded(tx, p, perm, func(tx store.Tx, actor *models.User, actorPerms models.PermissionSet) error {
			target, err := tx.LockUser(p.TenantID, id)
			if err != nil {
				return err
			}
			if err := fn(tx, actor, actorPerms, target); err != nil {
				return err
			}
			view = toUserView(target)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeUserNotFound, "用户不存在")
	}
	return view, nil
}

func (s *UserService) save(tx store.Tx, u *models.User, now time.Time) error {
	u.UpdatedAt = now
	if err := tx.SaveUser(u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperrors.Conflict(apperrors.ErrCodeEmailDuplicate, "邮箱已被使用")
		}
		return apperrors.Internal(err)
	}
	return nil
}

func (s *UserService) publishRevoked(ctx context.Context, p *Principal, userID uuid.UUID, reason string, now time.Time) {
	publish(ctx, s.events, events.Event{
		Type:       events.SessionsRevoked,
		TenantID:   p.TenantID.String(),
		UserID:     userID.String(),
		ActorID:    p.UserID.String(),
		OccurredAt: now,
		Data:       map[string]string{"reason": reason},
	})
}

// loadRoles 去重后加载角色，任何一个不属于该租户都视为不存在
func loadRoles(tx store.Tx, tenantID uuid.UUID, ids []uuid.UUID) ([]models.Role, error) {
	if len(ids) == 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeUserRoleRequired, "至少需要分配一个角色")
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	roles, err := tx.GetRolesByIDs(tenantID, unique)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if len(roles) != len(unique) {
		return nil, apperrors.NotFound(apperrors.ErrCodeRoleNotFound, "角色不存在")
	}
	return roles, nil
}

func toUserView(u *models.User) *UserView {
	roles := make([]RoleLite, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, RoleLite{ID: r.ID, Name: r.Name})
	}
	return &UserView{
		ID:          u.ID,
		TenantID:    u.TenantID,
		Email:       u.Email,
		FullName:    u.FullName,
		Phone:       u.Phone,
		Status:      u.Status,
		LastLoginAt: u.LastLoginAt,
		Roles:       roles,
		Permissions: u.Permissions().Slice(),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}
