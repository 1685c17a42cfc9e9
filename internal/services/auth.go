package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	errInvalidCredentials = apperrors.Unauthenticated(apperrors.ErrCodeInvalidCredentials, "账号或密码错误")
	errResetTokenInvalid  = apperrors.BusinessRule(apperrors.ErrCodeResetTokenInvalid, "令牌无效或已过期")
)

// LoginInput 登录参数
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	IP         string
	UserAgent  string
}

// LoginResult 登录结果，Token 只在此返回一次
type LoginResult struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	SessionID   uuid.UUID `json:"session_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
}

// MeView 当前用户
type MeView struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	UserID      uuid.UUID `json:"user_id"`
	FullName    string    `json:"full_name"`
	Email       string    `json:"email"`
	Status      string    `json:"status"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthService 登录、登出、重置密码和接受邀请
type AuthService struct {
	store    store.Store
	sessions *SessionService
	hasher   *credential.Hasher
	notifier *Notifier
	events   events.Publisher
	cfg      config.AuthConfig
	now      Clock
	// 后台签发中的重置请求
	pending sync.WaitGroup
}

// NewAuthService 创建认证服务
func NewAuthService(st store.Store, sessions *SessionService, hasher *credential.Hasher, notifier *Notifier,
	pub events.Publisher, cfg config.AuthConfig, now Clock) *AuthService {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &AuthService{
		store:    st,
		sessions: sessions,
		hasher:   hasher,
		notifier: notifier,
		events:   pub,
		cfg:      cfg,
		now:      orSystemClock(now),
	}
}

// Login 校验顺序：租户、软锁定、状态、密码、登录权限；所有失败返回同一个错误
func (s *AuthService) Login(ctx context.Context, tenantID uuid.UUID, in LoginInput) (*LoginResult, error) {
	log := logger.GetLogger().WithField("tenant_id", tenantID)
	email := models.NormalizeEmail(in.Email)
	now := s.now()

	var user *models.User
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tenant, err := tx.GetTenant(tenantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return apperrors.Internal(err)
		}
		if tenant == nil || !tenant.IsActive() {
			return nil
		}
		u, err := tx.FindUserByEmail(tenantID, email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return apperrors.Internal(err)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	if user == nil || user.IsSoftLocked(now) || !user.IsActive() {
		// 与正常校验耗时一致
		s.verify(ctx, "", in.Password)
		metrics.LoginAttempts.WithLabelValues(metrics.LoginFailed).Inc()
		return nil, errInvalidCredentials
	}

	ok, err := s.verify(ctx, user.PasswordHash, in.Password)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !ok {
		s.recordFailure(ctx, user, now, in.IP, log)
		return nil, errInvalidCredentials
	}

	var result *LoginResult
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(tenantID, user.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errInvalidCredentials
			}
			return apperrors.Internal(err)
		}
		// 校验期间账号可能已被修改
		if u.PasswordHash != user.PasswordHash || u.IsSoftLocked(now) || !u.IsActive() {
			return errInvalidCredentials
		}
		perms := u.Permissions()
		if len(perms) == 0 || !perms.Has(models.PermIdentityLogin) {
			return errInvalidCredentials
		}

		u.ClearFailedLogins()
		u.MarkLogin(now)
		u.UpdatedAt = now
		if err := tx.SaveUser(u); err != nil {
			return apperrors.Internal(err)
		}

		raw, session, err := s.sessions.Open(tx, u, in.RememberMe, in.IP, in.UserAgent, now)
		if err != nil {
			return err
		}
		result = &LoginResult{
			Token:       raw,
			ExpiresAt:   session.ExpiresAt,
			SessionID:   session.ID,
			TenantID:    u.TenantID,
			UserID:      u.ID,
			Email:       u.Email,
			FullName:    u.FullName,
			Roles:       roleNames(u.Roles),
			Permissions: perms.Slice(),
		}
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidCredentials) {
			metrics.LoginAttempts.WithLabelValues(metrics.LoginFailed).Inc()
		}
		return nil, err
	}

	metrics.LoginAttempts.WithLabelValues(metrics.LoginSucceeded).Inc()
	log.WithField("user_id", result.UserID).Info("用户登录成功")
	s.publish(ctx, events.Event{
		Type:       events.LoginSucceeded,
		TenantID:   tenantID.String(),
		UserID:     result.UserID.String(),
		IP:         in.IP,
		OccurredAt: now,
		Data:       map[string]string{"session_id": result.SessionID.String()},
	})
	return result, nil
}

func (s *AuthService) verify(ctx context.Context, hash, password string) (bool, error) {
	start := time.Now()
	defer metrics.ObserveHash(start)
	return s.hasher.Verify(ctx, hash, password)
}

// recordFailure 密码错误时累计失败次数，计数先于错误返回提交
func (s *AuthService) recordFailure(ctx context.Context, user *models.User, now time.Time, ip string, log *logrus.Entry) {
	locked := false
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(user.TenantID, user.ID)
		if err != nil {
			return err
		}
		locked = u.RegisterFailedLogin(now, s.cfg.MaxFailedLogins, s.cfg.LockDuration)
		u.UpdatedAt = now
		return tx.SaveUser(u)
	})
	if err != nil {
		log.WithField("user_id", user.ID).Errorf("记录登录失败次数失败: %v", err)
	}

	if locked {
		metrics.LoginAttempts.WithLabelValues(metrics.LoginLocked).Inc()
		log.WithField("user_id", user.ID).Warn("连续登录失败，账号已临时锁定")
		s.publish(ctx, events.Event{
			Type:       events.LoginLocked,
			TenantID:   user.TenantID.String(),
			UserID:     user.ID.String(),
			IP:         ip,
			OccurredAt: now,
		})
		return
	}
	metrics.LoginAttempts.WithLabelValues(metrics.LoginFailed).Inc()
}

// Logout 撤销当前会话，重复调用不报错；令牌属于其他用户时视为不存在
func (s *AuthService) Logout(ctx context.Context, p *Principal, rawToken string) error {
	if p == nil || strings.TrimSpace(rawToken) == "" {
		return nil
	}
	now := s.now()
	hash := credential.HashToken(rawToken)

	revoked := false
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.FindSessionByHash(hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return apperrors.Internal(err)
		}
		if session.TenantID != p.TenantID || session.UserID != p.UserID {
			return apperrors.NotFound(apperrors.ErrCodeSessionNotFound, "会话不存在")
		}
		ok, err := tx.RevokeSession(session.ID, now, &p.UserID)
		if err != nil {
			return apperrors.Internal(err)
		}
		revoked = ok
		return nil
	})
	if err != nil {
		return storeErr(err, apperrors.ErrCodeSessionNotFound, "会话不存在")
	}
	if revoked {
		metrics.SessionsRevoked.WithLabelValues("logout").Inc()
		s.publish(ctx, events.Event{
			Type:       events.Logout,
			TenantID:   p.TenantID.String(),
			UserID:     p.UserID.String(),
			OccurredAt: now,
		})
	}
	return nil
}

// Me 当前用户信息，角色和权限从存储重新读取
func (s *AuthService) Me(ctx context.Context, p *Principal) (*MeView, error) {
	var view *MeView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(p.TenantID, p.UserID)
		if err != nil {
			return storeErr(err, apperrors.ErrCodeUserNotFound, "用户不存在")
		}
		view = &MeView{
			TenantID:    u.TenantID,
			UserID:      u.ID,
			FullName:    u.FullName,
			Email:       u.Email,
			Status:      u.Status,
			Roles:       roleNames(u.Roles),
			Permissions: u.Permissions().Slice(),
			ExpiresAt:   p.ExpiresAt,
		}
		return nil
	})
	return view, err
}

// RequestPasswordReset 无论邮箱是否存在都立即返回成功，令牌签发和发信在后台完成
func (s *AuthService) RequestPasswordReset(ctx context.Context, tenantID uuid.UUID, email string) error {
	metrics.ResetRequests.Inc()
	now := s.now()
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil
	}

	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.issueReset(bg, tenantID, email, now); err != nil {
			logger.GetLogger().WithField("tenant_id", tenantID).Errorf("签发重置令牌失败: %v", err)
		}
	}()
	return nil
}

// Wait 等待后台的重置请求处理完成，关闭服务时调用
func (s *AuthService) Wait() {
	s.pending.Wait()
}

func (s *AuthService) issueReset(ctx context.Context, tenantID uuid.UUID, email string, now time.Time) error {
	var (
		raw       string
		target    *models.User
		expiresAt = now.Add(s.cfg.ResetTokenTTL)
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tenant, err := tx.GetTenant(tenantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !tenant.IsActive() {
			return nil
		}
		u, err := tx.FindUserByEmail(tenantID, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if u.Status == models.UserStatusInactive {
			return nil
		}

		// 同一用户同时只保留一个可用的重置令牌
		if _, err := tx.InvalidateUsableResetTokens(tenantID, u.ID, models.TokenPurposeReset, now); err != nil {
			return err
		}
		raw, err = credential.NewOpaqueToken()
		if err != nil {
			return err
		}
		token := models.IssueResetToken(tenantID, u.ID, models.TokenPurposeReset, credential.HashToken(raw), now, expiresAt, nil)
		if err := tx.CreateResetToken(token); err != nil {
			return err
		}
		target = u
		return nil
	})
	if err != nil || target == nil {
		return err
	}

	s.notifier.PasswordReset(ctx, tenantID, target.ID, target.Email, raw, expiresAt)
	s.publish(ctx, events.Event{
		Type:       events.PasswordResetRequest,
		TenantID:   tenantID.String(),
		UserID:     target.ID.String(),
		OccurredAt: now,
	})
	return nil
}

// ConfirmPasswordReset 使用重置令牌设置新密码
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, tenantID uuid.UUID, rawToken, newPassword string) error {
	return s.redeem(ctx, tenantID, rawToken, newPassword, models.TokenPurposeReset)
}

// AcceptInvite 使用邀请令牌设置密码，PENDING 用户随之激活
func (s *AuthService) AcceptInvite(ctx context.Context, tenantID uuid.UUID, rawToken, password string) error {
	return s.redeem(ctx, tenantID, rawToken, password, models.TokenPurposeInvite)
}

// redeem 任何令牌问题都返回同一个错误
func (s *AuthService) redeem(ctx context.Context, tenantID uuid.UUID, rawToken, password, purpose string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || password == "" {
		return errResetTokenInvalid
	}
	if err := credential.ValidatePassword(password); err != nil {
		return apperrors.Validation(apperrors.ErrCodeInvalidPassword, err.Error())
	}

	start := time.Now()
	hash, err := s.hasher.Hash(ctx, password)
	metrics.ObserveHash(start)
	if err != nil {
		return apperrors.Internal(err)
	}

	now := s.now()
	var userID uuid.UUID
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		token, err := tx.FindUsableResetToken(tenantID, credential.HashToken(rawToken), purpose, now)
		if errors.Is(err, store.ErrNotFound) {
			return errResetTokenInvalid
		}
		if err != nil {
			return apperrors.Internal(err)
		}
		consumed, err := tx.ConsumeResetToken(token.ID, now)
		if err != nil {
			return apperrors.Internal(err)
		}
		if !consumed {
			return errResetTokenInvalid
		}
		u, err := tx.LockUser(tenantID, token.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return errResetTokenInvalid
		}
		if err != nil {
			return apperrors.Internal(err)
		}

		if err := u.SetPasswordHash(hash); err != nil {
			return apperrors.Internal(err)
		}
		u.UpdatedAt = now
		if err := tx.SaveUser(u); err != nil {
			return apperrors.Internal(err)
		}
		if _, err := s.sessions.RevokeAllForUser(tx, tenantID, u.ID, now, &u.ID); err != nil {
			return err
		}
		userID = u.ID
		return nil
	})
	if err != nil {
		return err
	}

	eventType := events.PasswordChanged
	if purpose == models.TokenPurposeInvite {
		eventType = events.InviteAccepted
	}
	s.publish(ctx, events.Event{
		Type:       eventType,
		TenantID:   tenantID.String(),
		UserID:     userID.String(),
		OccurredAt: now,
	})
	return nil
}

func (s *AuthService) publish(ctx context.Context, e events.Event) {
	publish(ctx, s.events, e)
}

// publish 事件发布失败只记录日志
func publish(ctx context.Context, pub events.Publisher, e events.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), e); err != nil {
		logger.GetLogger().WithField("event", e.Type).Warnf("安全事件发布失败: %v", err)
	}
}

func roleNames(roles []models.Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}
