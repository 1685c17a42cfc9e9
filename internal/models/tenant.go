package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// 租户状态常量
const (
	TenantStatusActive    = "ACTIVE"
	TenantStatusSuspended = "SUSPENDED"
	TenantStatusCanceled  = "CANCELED"
)

// 租户套餐常量
const (
	TenantPlanBasic      = "BASIC"
	TenantPlanPro        = "PRO"
	TenantPlanEnterprise = "ENTERPRISE"
)

const (
	TenantKeyTypeSlug = "SLUG"
	slugBaseMaxLength = 100
)

// DefaultPlatformTenantID 平台租户，只有它的会话可以访问平台接口
var DefaultPlatformTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

var (
	ErrInvalidTenantName = errors.New("租户名称长度必须在2-160个字符之间")
	ErrInvalidSettings   = errors.New("settings 必须是 JSON 对象")
	nonSlugChars         = regexp.MustCompile(`[^a-z0-9]+`)
)

// Tenant 租户模型
type Tenant struct {
	BaseModel
	Name     string         `json:"name" gorm:"not null;size:160"`
	Status   string         `json:"status" gorm:"not null;size:20"`
	Plan     string         `json:"plan" gorm:"not null;size:20"`
	Settings datatypes.JSON `json:"settings" gorm:"type:jsonb;not null"`
}

// TableName 表名
func (Tenant) TableName() string {
	return "tenants"
}

// TenantKey 租户外部标识，(key_type, key_value) 全局唯一，值以小写保存
type TenantKey struct {
	BaseModel
	TenantID uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:uk_tenant_key_tenant_type"`
	KeyType  string    `json:"key_type" gorm:"size:30;not null;uniqueIndex:uk_tenant_key_type_value;uniqueIndex:uk_tenant_key_tenant_type"`
	KeyValue string    `json:"key_value" gorm:"size:120;not null;uniqueIndex:uk_tenant_key_type_value"`
}

// TableName 表名
func (TenantKey) TableName() string {
	return "tenant_keys"
}

// NewTenant 创建租户，状态默认为 ACTIVE
func NewTenant(name, plan string, settings datatypes.JSON, now time.Time) (*Tenant, error) {
	n, err := NormalizeTenantName(name)
	if err != nil {
		return nil, err
	}
	if plan == "" {
		plan = TenantPlanBasic
	}
	if !IsValidTenantPlan(plan) {
		return nil, fmt.Errorf("套餐不合法: %s", plan)
	}
	return &Tenant{
		BaseModel: newBaseModel(now),
		Name:      n,
		Status:    TenantStatusActive,
		Plan:      plan,
		Settings:  settings,
	}, nil
}

// NewTenantKey 创建外部标识
func NewTenantKey(tenantID uuid.UUID, keyType, value string, now time.Time) *TenantKey {
	if keyType == "" {
		keyType = TenantKeyTypeSlug
	}
	return &TenantKey{
		BaseModel: newBaseModel(now),
		TenantID:  tenantID,
		KeyType:   keyType,
		KeyValue:  strings.ToLower(strings.TrimSpace(value)),
	}
}

// IsActive 检查租户是否激活
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// NormalizeTenantName 校验并去除首尾空格
func NormalizeTenantName(name string) (string, error) {
	n := strings.TrimSpace(name)
	count := utf8.RuneCountInString(n)
	if count < 2 || count > 160 {
		return "", ErrInvalidTenantName
	}
	return n, nil
}

// IsValidTenantStatus 检查租户状态是否有效
func IsValidTenantStatus(status string) bool {
	switch status {
	case TenantStatusActive, TenantStatusSuspended, TenantStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValidTenantPlan 检查套餐是否有效
func IsValidTenantPlan(plan string) bool {
	switch plan {
	case TenantPlanBasic, TenantPlanPro, TenantPlanEnterprise:
		return true
	default:
		return false
	}
}

// NormalizeSettings 空值保存为 {}，其余必须是 JSON 对象
func NormalizeSettings(raw []byte) (datatypes.JSON, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return datatypes.JSON("{}"), nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, ErrInvalidSettings
	}
	return datatypes.JSON(trimmed), nil
}

// Slugify 名称转换为 slug：非字母数字替换为 "-"，为空时返回 "tenant"
func Slugify(name string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-")
	if len(s) > slugBaseMaxLength {
		s = strings.TrimRight(s[:slugBaseMaxLength], "-")
	}
	if s == "" {
		return "tenant"
	}
	return s
}

// SlugCandidate 第 n 次尝试的 slug：base、base-2、base-3 ...
func SlugCandidate(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, attempt)
}
