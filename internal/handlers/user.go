package handlers

import (
	"context"

	"tenantgate/internal/middleware"
	"tenantgate/internal/services"
	"tenantgate/pkg/pagination"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CreateUserRequest struct {
	Email    string   `json:"email" binding:"required,notblank,max=180"`
	Password string   `json:"password"` // 为空时发送邀请
	FullName string   `json:"full_name" binding:"max=160"`
	Phone    *string  `json:"phone" binding:"omitempty,max=40"`
	RoleIDs  []string `json:"role_ids" binding:"required"`
}

type UpdateUserRequest struct {
	Email    *string `json:"email" binding:"omitempty,notblank,max=180"`
	FullName *string `json:"full_name" binding:"omitempty,max=160"`
	Phone    *string `json:"phone" binding:"omitempty,max=40"`
}

type ResetUserPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

type AssignRolesRequest struct {
	RoleIDs []string `json:"role_ids" binding:"required"`
}

type UserHandler struct {
	service *services.UserService
}

func NewUserHandler(service *services.UserService) *UserHandler {
	return &UserHandler{service: service}
}

// Create 创建用户
func (h *UserHandler) Create(c *gin.Context) {
	var req CreateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	roleIDs, ok := parseIDs(c, req.RoleIDs)
	if !ok {
		return
	}

	user, err := h.service.Create(c.Request.Context(), middleware.GetPrincipal(c), services.CreateUserInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Phone:    req.Phone,
		RoleIDs:  roleIDs,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", user)
}

// List 用户列表
func (h *UserHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c, pagination.MaxUserPageSize)
	users, total, err := h.service.List(c.Request.Context(), middleware.GetPrincipal(c), params.Page, params.PageSize)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithPage(c, users, params.Info(total))
}

// GetByID 获取用户
func (h *UserHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	user, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, user)
}

// Update 更新邮箱或资料
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.service.Update(c.Request.Context(), middleware.GetPrincipal(c), id, services.UpdateUserInput{
		Email:    req.Email,
		FullName: req.FullName,
		Phone:    req.Phone,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", user)
}

// Block 锁定用户
func (h *UserHandler) Block(c *gin.Context) {
	h.status(c, h.service.Block, "用户已锁定")
}

// Activate 激活用户
func (h *UserHandler) Activate(c *gin.Context) {
	h.status(c, h.service.Activate, "用户已激活")
}

// Deactivate 停用用户
func (h *UserHandler) Deactivate(c *gin.Context) {
	h.status(c, h.service.Deactivate, "用户已停用")
}

func (h *UserHandler) status(c *gin.Context, op func(ctx context.Context, p *services.Principal, id uuid.UUID) (*services.UserView, error), msg string) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	user, err := op(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, msg, user)
}

// ResetPassword 管理员重置用户密码
func (h *UserHandler) ResetPassword(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ResetUserPasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.ResetPassword(c.Request.Context(), middleware.GetPrincipal(c), id, req.Password); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "密码已重置", nil)
}

// AssignRoles 替换用户角色
func (h *UserHandler) AssignRoles(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req AssignRolesRequest
	if !bindJSON(c, &req) {
		return
	}
	roleIDs, ok := parseIDs(c, req.RoleIDs)
	if !ok {
		return
	}
	user, err := h.service.AssignRoles(c.Request.Context(), middleware.GetPrincipal(c), id, roleIDs)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "角色分配成功", user)
}

// RevokeSessions 强制用户下线
func (h *UserHandler) RevokeSessions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	n, err := h.service.RevokeSessions(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "会话已撤销", gin.H{"revoked": n})
}
