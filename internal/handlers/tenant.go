package handlers

import (
	"encoding/json"

	"tenantgate/internal/middleware"
	"tenantgate/internal/services"
	"tenantgate/pkg/pagination"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
)

type CreateTenantRequest struct {
	Name     string          `json:"name" binding:"required,notblank,max=200"`
	Plan     string          `json:"plan"`
	Settings json.RawMessage `json:"settings"`
}

type UpdateTenantRequest struct {
	Name     *string         `json:"name" binding:"omitempty,notblank,max=200"`
	Settings json.RawMessage `json:"settings"`
}

type TenantStatusRequest struct {
	Status string `json:"status" binding:"required,notblank"`
}

type TenantPlanRequest struct {
	Plan string `json:"plan" binding:"required,notblank"`
}

type BootstrapAdminRequest struct {
	Email    string `json:"email" binding:"required,notblank,max=180"`
	Password string `json:"password" binding:"required"`
	FullName string `json:"full_name" binding:"max=160"`
}

// TenantHandler 平台租户管理
type TenantHandler struct {
	service *services.TenantService
}

func NewTenantHandler(service *services.TenantService) *TenantHandler {
	return &TenantHandler{service: service}
}

// Create 创建租户
func (h *TenantHandler) Create(c *gin.Context) {
	var req CreateTenantRequest
	if !bindJSON(c, &req) {
		return
	}

	tenant, err := h.service.Create(c.Request.Context(), middleware.GetPrincipal(c), services.CreateTenantInput{
		Name:     req.Name,
		Plan:     req.Plan,
		Settings: req.Settings,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "创建成功", tenant)
}

// List 租户列表
func (h *TenantHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c, pagination.MaxTenantPageSize)
	tenants, total, err := h.service.List(c.Request.Context(), params.Page, params.PageSize)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithPage(c, tenants, params.Info(total))
}

// GetByID 获取租户
func (h *TenantHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tenant, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, tenant)
}

// Update 更新名称或设置
func (h *TenantHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateTenantRequest
	if !bindJSON(c, &req) {
		return
	}
	tenant, err := h.service.Update(c.Request.Context(), id, services.UpdateTenantInput{
		Name:     req.Name,
		Settings: req.Settings,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "更新成功", tenant)
}

// UpdateStatus 启用、停用或暂停租户
func (h *TenantHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req TenantStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	tenant, err := h.service.ChangeStatus(c.Request.Context(), middleware.GetPrincipal(c), id, req.Status)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "状态已更新", tenant)
}

// UpdatePlan 修改套餐
func (h *TenantHandler) UpdatePlan(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req TenantPlanRequest
	if !bindJSON(c, &req) {
		return
	}
	tenant, err := h.service.ChangePlan(c.Request.Context(), id, req.Plan)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "套餐已更新", tenant)
}

// BootstrapAdmin 为新租户创建第一个管理员，只能执行一次
func (h *TenantHandler) BootstrapAdmin(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req BootstrapAdminRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.service.BootstrapAdmin(c.Request.Context(), id, services.BootstrapAdminInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "管理员已创建", user)
}
