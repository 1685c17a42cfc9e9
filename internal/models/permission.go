package models

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// 权限代码常量
const (
	PermPlatformTenantsManage = "platform.tenants.manage"
	PermIdentityLogin         = "identity.login"
	PermIdentityRead          = "identity.read"
	PermIdentityUsersManage   = "identity.users.manage"
	PermIdentityRolesManage   = "identity.roles.manage"
)

// AdminPermissions 租户初始化时 ADMIN 角色拥有的权限
var AdminPermissions = []string{
	PermIdentityLogin,
	PermIdentityRead,
	PermIdentityUsersManage,
	PermIdentityRolesManage,
}

// BuiltinPermissions 系统内置的权限代码
func BuiltinPermissions() []string {
	return []string{
		PermPlatformTenantsManage,
		PermIdentityLogin,
		PermIdentityRead,
		PermIdentityUsersManage,
		PermIdentityRolesManage,
	}
}

// PermissionModule 权限代码的第一段
func PermissionModule(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return code
}

// 至少两段，小写字母和数字，点号分隔
var canonicalPermission = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)+$`)

// RolePermission 角色权限关联表
type RolePermission struct {
	RoleID         uuid.UUID `json:"-" gorm:"type:uuid;primaryKey"`
	PermissionCode string    `json:"permission_code" gorm:"primaryKey;size:80"`
}

// TableName 表名
func (RolePermission) TableName() string {
	return "role_permissions"
}

// CanonicalizePermission 去空格、转小写，不合法时返回 false
func CanonicalizePermission(raw string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if !canonicalPermission.MatchString(p) {
		return "", false
	}
	return p, true
}

// IsCanonicalPermission 是否已是规范形式
func IsCanonicalPermission(p string) bool {
	return canonicalPermission.MatchString(p)
}

// PermissionSet 规范化后的权限集合
type PermissionSet map[string]struct{}

// NewPermissionSet 规范化输入，丢弃不合法的条目
func NewPermissionSet(raw ...string) PermissionSet {
	set := make(PermissionSet, len(raw))
	for _, r := range raw {
		if p, ok := CanonicalizePermission(r); ok {
			set[p] = struct{}{}
		}
	}
	return set
}

// Has 是否包含权限
func (s PermissionSet) Has(perm string) bool {
	p, ok := CanonicalizePermission(perm)
	if !ok {
		return false
	}
	_, found := s[p]
	return found
}

// Add 合并另一个集合
func (s PermissionSet) Add(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Missing 返回 s 中不被 held 包含的权限（已排序）
func (s PermissionSet) Missing(held PermissionSet) []string {
	var out []string
	for p := range s {
		if _, ok := held[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Equal 集合是否相等
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

// Slice 排序后的切片
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// UnionRolePermissions 汇总角色权限并规范化
func UnionRolePermissions(roles []Role) PermissionSet {
	set := make(PermissionSet)
	for i := range roles {
		set.Add(roles[i].PermissionSet())
	}
	return set
}
