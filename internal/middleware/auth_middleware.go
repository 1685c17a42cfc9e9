package middleware

import (
	"strings"

	"tenantgate/internal/services"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 上下文键与请求头
const (
	ContextPrincipal = "principal"
	ContextToken     = "session_token"
	ContextTenantID  = "tenant_id"
	ContextUserID    = "user_id"

	HeaderTenantID  = "X-Tenant-Id"
	HeaderTenantKey = "X-Tenant-Key"
)

// AuthMiddleware 会话认证中间件
type AuthMiddleware struct {
	sessions   *services.SessionService
	cookieName string
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(sessions *services.SessionService, cookieName string) *AuthMiddleware {
	if cookieName == "" {
		cookieName = "SESSION"
	}
	return &AuthMiddleware{sessions: sessions, cookieName: cookieName}
}

// CookieName 会话 Cookie 名称
func (m *AuthMiddleware) CookieName() string {
	return m.cookieName
}

// RequireLogin 每个请求都从存储重新认证，权限以当前角色为准
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c, m.cookieName)
		if token == "" {
			response.Unauthorized(c, "请先登录")
			return
		}

		principal, err := m.sessions.Authenticate(c.Request.Context(), services.AuthRequest{
			Token:        token,
			Path:         c.Request.URL.Path,
			TenantHeader: c.GetHeader(HeaderTenantID),
		})
		if err != nil {
			response.FromError(c, err)
			return
		}

		c.Set(ContextPrincipal, principal)
		c.Set(ContextToken, token)
		c.Set(ContextTenantID, principal.TenantID)
		c.Set(ContextUserID, principal.UserID)
		c.Next()
	}
}

// RequirePermission 要求当前主体持有权限，必须在 RequireLogin 之后使用
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if p == nil {
			response.Unauthorized(c, "请先登录")
			return
		}
		if !p.Has(perm) {
			response.Forbidden(c, apperrors.ErrCodeForbidden, "缺少权限: "+perm)
			return
		}
		c.Next()
	}
}

// ExtractToken 非空的 Bearer 令牌优先，否则取会话 Cookie
func ExtractToken(c *gin.Context, cookieName string) string {
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return token
		}
	}
	if cookie, err := c.Cookie(cookieName); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}

// GetPrincipal 当前认证主体
func GetPrincipal(c *gin.Context) *services.Principal {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return nil
	}
	p, _ := v.(*services.Principal)
	return p
}

// GetSessionToken 当前请求使用的原始令牌
func GetSessionToken(c *gin.Context) string {
	return c.GetString(ContextToken)
}

// GetTenantID 已解析的租户ID
func GetTenantID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(ContextTenantID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// ResolveTenant 未登录接口根据 X-Tenant-Key 或 X-Tenant-Id 解析租户
func ResolveTenant(tenants *services.TenantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenants.ResolveFromHeaders(c.Request.Context(), c.GetHeader(HeaderTenantKey), c.GetHeader(HeaderTenantID))
		if err != nil {
			response.FromError(c, err)
			return
		}
		c.Set(ContextTenantID, id)
		c.Next()
	}
}
