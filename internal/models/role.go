package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	RoleNameMaxLength = 80
	RoleAdmin         = "ADMIN" // 租户初始化创建的管理员角色
)

var ErrInvalidRoleName = errors.New("角色名称不能为空且不能超过80个字符")

// Role 角色模型，同一租户内名称唯一
type Role struct {
	BaseModel
	TenantID    uuid.UUID        `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:uk_role_tenant_name"`
	Name        string           `json:"name" gorm:"size:80;not null;uniqueIndex:uk_role_tenant_name"`
	Permissions []RolePermission `json:"-" gorm:"foreignKey:RoleID;constraint:OnDelete:CASCADE"`
}

// TableName 表名
func (Role) TableName() string {
	return "roles"
}

// NormalizeRoleName 去空格并转大写
func NormalizeRoleName(name string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" || utf8.RuneCountInString(n) > RoleNameMaxLength {
		return "", ErrInvalidRoleName
	}
	return n, nil
}

// NewRole 创建角色，权限在写入前规范化
func NewRole(tenantID uuid.UUID, name string, perms PermissionSet, now time.Time) (*Role, error) {
	n, err := NormalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	r := &Role{
		BaseModel: newBaseModel(now),
		TenantID:  tenantID,
		Name:      n,
	}
	r.ReplacePermissions(perms)
	return r, nil
}

// Rename 重命名
func (r *Role) Rename(name string) error {
	n, err := NormalizeRoleName(name)
	if err != nil {
		return err
	}
	r.Name = n
	return nil
}

// ReplacePermissions 整体替换权限集合
func (r *Role) ReplacePermissions(perms PermissionSet) {
	codes := perms.Slice()
	r.Permissions = make([]RolePermission, 0, len(codes))
	for _, p := range codes {
		r.Permissions = append(r.Permissions, RolePermission{RoleID: r.ID, PermissionCode: p})
	}
}

// PermissionSet 角色的规范化权限，历史脏数据会被过滤
func (r *Role) PermissionSet() PermissionSet {
	codes := make([]string, 0, len(r.Permissions))
	for _, rp := range r.Permissions {
		codes = append(codes, rp.PermissionCode)
	}
	return NewPermissionSet(codes...)
}
