package handlers

import (
	"net/http"

	"tenantgate/internal/middleware"
	"tenantgate/internal/services"
	"tenantgate/pkg/config"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
)

// LoginRequest 登录请求
type LoginRequest struct {
	Email      string `json:"email" binding:"required,notblank,max=180"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"remember_me"`
}

// ResetRequest 申请重置密码
type ResetRequest struct {
	Email string `json:"email" binding:"required,notblank"`
}

// ResetConfirmRequest 确认重置密码
type ResetConfirmRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// AcceptInviteRequest 接受邀请
type AcceptInviteRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CookieSettings 会话 Cookie 属性
type CookieSettings struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// NewCookieSettings 从认证配置读取 Cookie 属性
func NewCookieSettings(cfg config.AuthConfig) CookieSettings {
	name := cfg.CookieName
	if name == "" {
		name = "SESSION"
	}
	return CookieSettings{
		Name:     name,
		Domain:   cfg.CookieDomain,
		Secure:   cfg.CookieSecure,
		SameSite: ParseSameSite(cfg.CookieSameSite),
	}
}

type AuthHandler struct {
	service *services.AuthService
	cookie  CookieSettings
	now     services.Clock
}

func NewAuthHandler(service *services.AuthService, cookie CookieSettings, now services.Clock) *AuthHandler {
	if now == nil {
		now = services.SystemClock
	}
	return &AuthHandler{service: service, cookie: cookie, now: now}
}

// Login 用户登录，令牌同时通过响应体和 HttpOnly Cookie 返回
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Login(c.Request.Context(), middleware.GetTenantID(c), services.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		IP:         c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	maxAge := int(result.ExpiresAt.Sub(h.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	h.setCookie(c, result.Token, maxAge)
	response.SuccessWithMessage(c, "登录成功", result)
}

// Logout 撤销当前会话并清除 Cookie
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.service.Logout(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetSessionToken(c)); err != nil {
		response.FromError(c, err)
		return
	}
	h.setCookie(c, "", -1)
	response.SuccessWithMessage(c, "已退出登录", nil)
}

// Me 当前用户
func (h *AuthHandler) Me(c *gin.Context) {
	me, err := h.service.Me(c.Request.Context(), middleware.GetPrincipal(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, me)
}

// RequestPasswordReset 无论邮箱是否存在都返回相同结果
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req ResetRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.RequestPasswordReset(c.Request.Context(), middleware.GetTenantID(c), req.Email); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "如果该邮箱已注册，将收到重置密码邮件", nil)
}

// ConfirmPasswordReset 使用令牌设置新密码
func (h *AuthHandler) ConfirmPasswordReset(c *gin.Context) {
	var req ResetConfirmRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.ConfirmPasswordReset(c.Request.Context(), middleware.GetTenantID(c), req.Token, req.NewPassword); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "密码已重置，请重新登录", nil)
}

// AcceptInvite 接受邀请并设置密码
func (h *AuthHandler) AcceptInvite(c *gin.Context) {
	var req AcceptInviteRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.AcceptInvite(c.Request.Context(), middleware.GetTenantID(c), req.Token, req.Password); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "账号已激活，请登录", nil)
}

func (h *AuthHandler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(h.cookie.SameSite)
	c.SetCookie(h.cookie.Name, value, maxAge, "/", h.cookie.Domain, h.cookie.Secure, true)
}
