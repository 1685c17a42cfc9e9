package handlers

import (
	"tenantgate/internal/models"
	"tenantgate/pkg/response"

	"github.com/gin-gonic/gin"
)

// PermissionInfo 权限目录条目
type PermissionInfo struct {
	Code   string `json:"code"`
	Module string `json:"module"`
}

type PermissionHandler struct{}

func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// GetAll 内置权限目录，角色可授予的权限不限于此列表
func (h *PermissionHandler) GetAll(c *gin.Context) {
	codes := models.BuiltinPermissions()
	items := make([]PermissionInfo, 0, len(codes))
	for _, code := range codes {
		items = append(items, PermissionInfo{Code: code, Module: models.PermissionModule(code)})
	}
	response.Success(c, items)
}
