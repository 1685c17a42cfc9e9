package handlers

import (
	"tenantgate/internal/middleware"
	"tenantgate/internal/services"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
)

type CreateRoleRequest struct {
	Name        string   `json:"name" binding:"required,notblank,max=80"`
	Permissions []string `json:"permissions"`
}

// UpdateRoleRequest permissions 缺省时不修改权限，传空数组表示清空
type UpdateRoleRequest struct {
	Name        *string  `json:"name" binding:"omitempty,notblank,max=80"`
	Permissions []string `json:"permissions"`
}

type RoleHandler struct {
	service *services.RoleService
}

func NewRoleHandler(service *services.RoleService) *RoleHandler {
	return &RoleHandler{
		service: service,
	}
}

// Create 创建角色
func (h *RoleHandler) Create(c *gin.Context) {
	var req CreateRoleRequest
	if !bindJSON(c, &req) {
		return
	}

	role, err := h.service.Create(c.Request.Context(), middleware.GetPrincipal(c), req.Name, req.Permissions)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", role)
}

// List 当前租户的所有角色
func (h *RoleHandler) List(c *gin.Context) {
	roles, err := h.service.List(c.Request.Context(), middleware.GetPrincipal(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, roles)
}

// GetByID 获取角色
func (h *RoleHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	role, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, role)
}

// Update 重命名或替换权限
func (h *RoleHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !bindJSON(c, &req) {
		return
	}
	role, err := h.service.Update(c.Request.Context(), middleware.GetPrincipal(c), id, services.RoleInput{
		Name:        req.Name,
		Permissions: req.Permissions,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", role)
}
