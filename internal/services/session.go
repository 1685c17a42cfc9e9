package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PlatformPathPrefix 仅平台租户会话可访问的路径前缀
const PlatformPathPrefix = "/api/v1/platform/"

// 认证失败统一返回，不区分过期、撤销或租户不符
var errNoSession = apperrors.Unauthenticated(apperrors.ErrCodeUnauthenticated, "未登录或会话已失效")

// Principal 认证后的请求主体，权限每次请求重新计算
type Principal struct {
	SessionID   uuid.UUID
	TenantID    uuid.UUID
	UserID      uuid.UUID
	Email       string
	FullName    string
	Permissions models.PermissionSet
	ExpiresAt   time.Time
	IsPlatform  bool
}

// Has 是否持有权限
func (p *Principal) Has(perm string) bool {
	return p != nil && p.Permissions.Has(perm)
}

// AuthRequest 认证所需的请求信息
type AuthRequest struct {
	Token        string // 原始令牌
	Path         string // 请求路径
	TenantHeader string // 可选的 X-Tenant-Id
}

// SessionService 会话签发、认证和撤销
type SessionService struct {
	store            store.Store
	cfg              config.AuthConfig
	platformTenantID uuid.UUID
	now              Clock
}

// NewSessionService 创建会话服务
func NewSessionService(st store.Store, cfg config.AuthConfig, now Clock) *SessionService {
	platformID, err := uuid.Parse(cfg.PlatformTenantID)
	if err != nil {
		platformID = models.DefaultPlatformTenantID
	}
	return &SessionService{
		store:            st,
		cfg:              cfg,
		platformTenantID: platformID,
		now:              orSystemClock(now),
	}
}

// PlatformTenantID 平台租户ID
func (s *SessionService) PlatformTenantID() uuid.UUID {
	return s.platformTenantID
}

// IsPlatformPath 是否为平台专用路径
func IsPlatformPath(path string) bool {
	return strings.HasPrefix(path, PlatformPathPrefix)
}

// TTL 会话有效期
func (s *SessionService) TTL(rememberMe bool) time.Duration {
	if rememberMe {
		return s.cfg.RememberMeTTL
	}
	return s.cfg.SessionTTL
}

// Open 在调用方事务内签发会话，事务提交后原始令牌才可返回给客户端
func (s *SessionService) Open(tx store.Tx, u *models.User, rememberMe bool, ip, userAgent string, now time.Time) (string, *models.UserSession, error) {
	raw, err := credential.NewOpaqueToken()
	if err != nil {
		return "", nil, apperrors.Internal(err)
	}
	session := models.OpenSession(u.TenantID, u.ID, u.SecurityStamp, credential.HashToken(raw),
		now, now.Add(s.TTL(rememberMe)), ip, userAgent)
	if err := tx.CreateSession(session); err != nil {
		return "", nil, apperrors.Internal(err)
	}
	return raw, session, nil
}

// Authenticate 根据原始令牌认证请求
func (s *SessionService) Authenticate(ctx context.Context, req AuthRequest) (*Principal, error) {
	if req.Token == "" {
		return nil, errNoSession
	}
	hash := credential.HashToken(req.Token)
	now := s.now()

	var principal *Principal
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		session, err := tx.FindSessionByHash(hash)
		if errors.Is(err, store.ErrNotFound) {
			return errNoSession
		}
		if err != nil {
			return apperrors.Internal(err)
		}
		if !session.IsActiveAt(now) {
			return errNoSession
		}

		tenant, err := tx.GetTenant(session.TenantID)
		if err != nil || !tenant.IsActive() {
			return errNoSession
		}
		user, err := tx.GetUser(session.TenantID, session.UserID)
		if err != nil || !user.IsActive() || !session.IsValidFor(user, now) {
			return errNoSession
		}

		// 以下失败发生在身份确认之后，可以返回明确原因
		isPlatform := session.TenantID == s.platformTenantID
		if IsPlatformPath(req.Path) && !isPlatform {
			return apperrors.Forbidden(apperrors.ErrCodePlatformOnly, "仅平台租户可访问")
		}
		if req.TenantHeader != "" {
			headerID, err := uuid.Parse(strings.TrimSpace(req.TenantHeader))
			if err != nil || headerID != session.TenantID {
				return apperrors.Forbidden(apperrors.ErrCodeTenantMismatch, "请求租户与会话租户不一致")
			}
		}

		if session.TouchIfStale(now, s.cfg.TouchThreshold) {
			if err := tx.TouchSession(session.ID, now); err != nil {
				return apperrors.Internal(err)
			}
		}

		principal = &Principal{
			SessionID:   session.ID,
			TenantID:    session.TenantID,
			UserID:      user.ID,
			Email:       user.Email,
			FullName:    user.FullName,
			Permissions: user.Permissions(),
			ExpiresAt:   session.ExpiresAt,
			IsPlatform:  isPlatform,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return principal, nil
}

// RevokeAllForUser 撤销用户全部会话
func (s *SessionService) RevokeAllForUser(tx store.Tx, tenantID, userID uuid.UUID, now time.Time, actorID *uuid.UUID) (int64, error) {
	return s.revoke(tx, tenantID, []uuid.UUID{userID}, now, actorID, "user_change")
}

// RevokeAllForRole 撤销持有该角色的所有用户的会话
func (s *SessionService) RevokeAllForRole(tx store.Tx, tenantID, roleID uuid.UUID, now time.Time, actorID *uuid.UUID) (int64, error) {
	userIDs, err := tx.ListUserIDsWithRole(tenantID, roleID)
	if err != nil {
		return 0, apperrors.Internal(err)
	}
	return s.revoke(tx, tenantID, userIDs, now, actorID, "role_change")
}

func (s *SessionService) revoke(tx store.Tx, tenantID uuid.UUID, userIDs []uuid.UUID, now time.Time, actorID *uuid.UUID, reason string) (int64, error) {
	n, err := tx.RevokeSessionsForUsers(tenantID, userIDs, now, actorID)
	if err != nil {
		return 0, apperrors.Internal(err)
	}
	if n > 0 {
		metrics.SessionsRevoked.WithLabelValues(reason).Add(float64(n))
		logger.GetLogger().WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"users":     len(userIDs),
			"revoked":   n,
			"reason":    reason,
		}).Info("会话已批量撤销")
	}
	return n, nil
}
