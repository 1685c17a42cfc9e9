package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 用户状态常量
const (
	UserStatusPending  = "PENDING"
	UserStatusActive   = "ACTIVE"
	UserStatusInactive = "INACTIVE"
	UserStatusLocked   = "LOCKED"
)

const EmailMaxLength = 180

var (
	ErrActiveRequiresPassword = errors.New("未设置密码的用户不能激活")
	ErrInvalidEmail           = errors.New("邮箱格式不正确")
	ErrInvalidUserStatus      = errors.New("用户状态不合法")
)

// User 用户模型，邮箱在租户内唯一且以小写保存
type User struct {
	BaseModel
	TenantID          uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:uk_user_tenant_email"`
	Email             string     `json:"email" gorm:"size:180;not null;uniqueIndex:uk_user_tenant_email"`
	PasswordHash      string     `json:"-" gorm:"size:255"`
	FullName          string     `json:"full_name" gorm:"size:160"`
	Phone             *string    `json:"phone" gorm:"size:40"`
	Status            string     `json:"status" gorm:"size:20;not null;index"`
	LastLoginAt       *time.Time `json:"last_login_at"`
	FailedLoginCount  int        `json:"-" gorm:"not null;default:0"`
	LockedUntil       *time.Time `json:"-"`
	LastFailedLoginAt *time.Time `json:"-"`
	SecurityStamp     string     `json:"-" gorm:"size:64;not null"`

	// 多对多关联
	Roles []Role `json:"roles,omitempty" gorm:"many2many:user_roles;"`
}

// UserRole 用户角色关联表
type UserRole struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}

// TableName 表名
func (UserRole) TableName() string {
	return "user_roles"
}

// NormalizeEmail 去空格并转小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 校验规范化后的邮箱
func ValidateEmail(email string) error {
	if email == "" || len(email) > EmailMaxLength || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	return nil
}

// IsValidUserStatus 检查用户状态是否有效
func IsValidUserStatus(status string) bool {
	switch status {
	case UserStatusPending, UserStatusActive, UserStatusInactive, UserStatusLocked:
		return true
	default:
		return false
	}
}

// NewInvitedUser 邀请用户，无密码，状态为 PENDING
func NewInvitedUser(tenantID uuid.UUID, email, fullName string, phone *string, roles []Role, now time.Time) (*User, error) {
	return newUser(tenantID, email, "", fullName, phone, roles, now)
}

// NewRegisteredUser 直接注册的用户，状态为 ACTIVE
func NewRegisteredUser(tenantID uuid.UUID, email, passwordHash, fullName string, phone *string, roles []Role, now time.Time) (*User, error) {
	if passwordHash == "" {
		return nil, ErrActiveRequiresPassword
	}
	return newUser(tenantID, email, passwordHash, fullName, phone, roles, now)
}

func newUser(tenantID uuid.UUID, email, passwordHash, fullName string, phone *string, roles []Role, now time.Time) (*User, error) {
	e := NormalizeEmail(email)
	if err := ValidateEmail(e); err != nil {
		return nil, err
	}
	status := UserStatusPending
	if passwordHash != "" {
		status = UserStatusActive
	}
	return &User{
		BaseModel:     newBaseModel(now),
		TenantID:      tenantID,
		Email:         e,
		PasswordHash:  passwordHash,
		FullName:      strings.TrimSpace(fullName),
		Phone:         trimPtr(phone),
		Status:        status,
		SecurityStamp: uuid.NewString(),
		Roles:         roles,
	}, nil
}

// RotateSecurityStamp 生成新的安全戳，使之前签发的会话失效
func (u *User) RotateSecurityStamp() {
	u.SecurityStamp = uuid.NewString()
}

// HasPassword 是否已设置密码
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// IsActive 是否为 ACTIVE
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// SetPasswordHash 设置密码，PENDING 用户自动激活
func (u *User) SetPasswordHash(hash string) error {
	if hash == "" {
		return ErrActiveRequiresPassword
	}
	u.PasswordHash = hash
	if u.Status == UserStatusPending {
		u.Status = UserStatusActive
	}
	u.RotateSecurityStamp()
	return nil
}

// SetStatus 直接覆盖状态，激活时必须已设置密码
func (u *User) SetStatus(status string) error {
	if !IsValidUserStatus(status) {
		return ErrInvalidUserStatus
	}
	if status == UserStatusActive && !u.HasPassword() {
		return ErrActiveRequiresPassword
	}
	u.Status = status
	u.RotateSecurityStamp()
	return nil
}

// SetRoles 替换角色集合
func (u *User) SetRoles(roles []Role) {
	u.Roles = roles
	u.RotateSecurityStamp()
}

// ChangeEmail 修改邮箱，返回是否发生变化
func (u *User) ChangeEmail(email string) (bool, error) {
	e := NormalizeEmail(email)
	if err := ValidateEmail(e); err != nil {
		return false, err
	}
	if e == u.Email {
		return false, nil
	}
	u.Email = e
	u.RotateSecurityStamp()
	return true, nil
}

// UpdateProfile 更新资料，不影响会话
func (u *User) UpdateProfile(fullName, phone *string) {
	if fullName != nil {
		u.FullName = strings.TrimSpace(*fullName)
	}
	if phone != nil {
		u.Phone = trimPtr(phone)
	}
}

// IsSoftLocked 是否处于失败次数触发的临时锁定中
func (u *User) IsSoftLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// RegisterFailedLogin 记录一次失败登录，达到阈值时锁定 lockFor，返回是否触发锁定
func (u *User) RegisterFailedLogin(now time.Time, maxAttempts int, lockFor time.Duration) bool {
	t := now
	u.LastFailedLoginAt = &t
	if u.FailedLoginCount < 0 {
		u.FailedLoginCount = 0
	}
	u.FailedLoginCount++

	if maxAttempts > 0 && u.FailedLoginCount >= maxAttempts {
		if lockFor < time.Minute {
			lockFor = time.Minute
		}
		until := now.Add(lockFor)
		u.LockedUntil = &until
		return true
	}
	return false
}

// ClearFailedLogins 清除失败计数和临时锁定
func (u *User) ClearFailedLogins() {
	u.FailedLoginCount = 0
	u.LockedUntil = nil
	u.LastFailedLoginAt = nil
}

// MarkLogin 记录登录时间
func (u *User) MarkLogin(now time.Time) {
	t := now
	u.LastLoginAt = &t
}

// HasRole 是否持有角色
func (u *User) HasRole(roleID uuid.UUID) bool {
	for _, r := range u.Roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}

// Permissions 当前角色汇总的规范化权限
func (u *User) Permissions() PermissionSet {
	return UnionRolePermissions(u.Roles)
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
