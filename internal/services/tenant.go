package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"
	"tenantgate/pkg/pagination"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// MaxSlugAttempts slug 后缀的最大尝试次数
	MaxSlugAttempts = 10000
	// 插入时与并发请求撞上 slug 的重试次数
	slugRaceRetries = 3
)

var errSlugRace = errors.New("slug reserved concurrently")

// TenantView 租户信息
type TenantView struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Status    string          `json:"status"`
	Plan      string          `json:"plan"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateTenantInput 创建租户参数
type CreateTenantInput struct {
	Name     string
	Plan     string
	Settings json.RawMessage
}

// UpdateTenantInput 更新租户参数，nil 表示不修改
type UpdateTenantInput struct {
	Name     *string
	Settings json.RawMessage
}

// BootstrapAdminInput 租户首个管理员
type BootstrapAdminInput struct {
	Email    string
	Password string
	FullName string
}

// TenantService 租户注册表与平台管理
type TenantService struct {
	store  store.Store
	hasher *credential.Hasher
	events events.Publisher
	now    Clock
}

// NewTenantService 创建租户服务
func NewTenantService(st store.Store, hasher *credential.Hasher, pub events.Publisher, now Clock) *TenantService {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &TenantService{
		store:  st,
		hasher: hasher,
		events: pub,
		now:    orSystemClock(now),
	}
}

// ResolveTenantID 按 slug 查找租户，忽略大小写
func (s *TenantService) ResolveTenantID(ctx context.Context, externalKey string) (uuid.UUID, error) {
	key := strings.ToLower(strings.TrimSpace(externalKey))
	if key == "" {
		return uuid.Nil, apperrors.NotFound(apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	var id uuid.UUID
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		k, err := tx.FindTenantKey(models.TenantKeyTypeSlug, key)
		if err != nil {
			return err
		}
		id = k.TenantID
		return nil
	})
	if err != nil {
		return uuid.Nil, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	return id, nil
}

// RequireActive 租户必须存在且为 ACTIVE
func (s *TenantService) RequireActive(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant *models.Tenant
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTenant(id)
		if err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	if !tenant.IsActive() {
		return nil, apperrors.BusinessRule(apperrors.ErrCodeTenantNotActive, "租户未激活")
	}
	return tenant, nil
}

// ResolveFromHeaders 未登录接口的租户解析：优先 X-Tenant-Key，其次 X-Tenant-Id
func (s *TenantService) ResolveFromHeaders(ctx context.Context, tenantKey, tenantID string) (uuid.UUID, error) {
	if strings.TrimSpace(tenantKey) != "" {
		return s.ResolveTenantID(ctx, tenantKey)
	}
	if strings.TrimSpace(tenantID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(tenantID))
		if err != nil {
			return uuid.Nil, apperrors.Validation(apperrors.ErrCodeTenantRequired, "租户ID格式不正确")
		}
		return id, nil
	}
	return uuid.Nil, apperrors.Validation(apperrors.ErrCodeTenantRequired, "缺少租户标识")
}

// Create 创建租户并分配全局唯一的 slug
func (s *TenantService) Create(ctx context.Context, p *Principal, in CreateTenantInput) (*TenantView, error) {
	name, err := models.NormalizeTenantName(in.Name)
	if err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
	}
	plan := strings.ToUpper(strings.TrimSpace(in.Plan))
	if plan != "" && !models.IsValidTenantPlan(plan) {
		return nil, apperrors.Validation(apperrors.ErrCodeTenantInvalidPlan, "套餐不合法")
	}
	settings, err := models.NormalizeSettings(in.Settings)
	if err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
	}

	var view *TenantView
	for attempt := 0; attempt < slugRaceRetries; attempt++ {
		view, err = s.create(ctx, name, plan, settings)
		if !errors.Is(err, errSlugRace) {
			break
		}
	}
	if errors.Is(err, errSlugRace) {
		return nil, apperrors.Conflict(apperrors.ErrCodeTenantSlugTaken, "无可用的租户标识")
	}
	if err != nil {
		return nil, err
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": view.ID,
		"slug":      view.Slug,
	}).Info("租户创建成功")
	publish(ctx, s.events, events.Event{
		Type:       events.TenantCreated,
		TenantID:   view.ID.String(),
		ActorID:    actorString(p),
		OccurredAt: view.CreatedAt,
		Data:       map[string]string{"slug": view.Slug, "plan": view.Plan},
	})
	return view, nil
}

func (s *TenantService) create(ctx context.Context, name, plan string, settings []byte) (*TenantView, error) {
	now := s.now()
	var view *TenantView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		exists, err := tx.TenantNameExists(name, nil)
		if err != nil {
			return apperrors.Internal(err)
		}
		if exists {
			return apperrors.Conflict(apperrors.ErrCodeTenantDuplicateName, "租户名称已存在")
		}

		tenant, err := models.NewTenant(name, plan, settings, now)
		if err != nil {
			return apperrors.Validation(apperrors.ErrCodeTenantInvalidPlan, err.Error())
		}
		if err := tx.CreateTenant(tenant); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperrors.Conflict(apperrors.ErrCodeTenantDuplicateName, "租户名称已存在")
			}
			return apperrors.Internal(err)
		}

		slug, err := reserveSlug(tx, models.Slugify(name))
		if err != nil {
			return err
		}
		if err := tx.CreateTenantKey(models.NewTenantKey(tenant.ID, models.TenantKeyTypeSlug, slug, now)); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errSlugRace
			}
			return apperrors.Internal(err)
		}
		view = toTenantView(tenant, slug)
		return nil
	})
	return view, err
}

// reserveSlug 依次尝试 base、base-2、base-3 ...
func reserveSlug(tx store.Tx, base string) (string, error) {
	for attempt := 1; attempt <= MaxSlugAttempts; attempt++ {
		candidate := models.SlugCandidate(base, attempt)
		taken, err := tx.TenantKeyExists(models.TenantKeyTypeSlug, candidate)
		if err != nil {
			return "", apperrors.Internal(err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", apperrors.Conflict(apperrors.ErrCodeTenantSlugTaken, "无可用的租户标识")
}

// Get 获取租户
func (s *TenantService) Get(ctx context.Context, id uuid.UUID) (*TenantView, error) {
	var view *TenantView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tenant, err := tx.GetTenant(id)
		if err != nil {
			return err
		}
		view = toTenantView(tenant, slugOf(tx, tenant.ID))
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	return view, nil
}

// List 分页获取租户
func (s *TenantService) List(ctx context.Context, page, pageSize int) ([]TenantView, int64, error) {
	var (
		views []TenantView
		total  int64
		params = pagination.New(page, pageSize, pagination.MaxTenantPageSize)
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tenants, n, err := tx.ListTenants(params.Offset(), params.PageSize)
		if err != nil {
			return err
		}
		total = n
		views = make([]TenantView, 0, len(tenants))
		for i := range tenants {
			views = append(views, *toTenantView(&tenants[i], slugOf(tx, tenants[i].ID)))
		}
		return nil
	})
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	return views, total, nil
}

// Update 修改名称或设置
func (s *TenantService) Update(ctx context.Context, id uuid.UUID, in UpdateTenantInput) (*TenantView, error) {
	return s.mutate(ctx, id, func(tx store.Tx, tenant *models.Tenant) error {
		if in.Name != nil {
			name, err := models.NormalizeTenantName(*in.Name)
			if err != nil {
				return apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
			}
			exists, err := tx.TenantNameExists(name, &tenant.ID)
			if err != nil {
				return apperrors.Internal(err)
			}
			if exists {
				return apperrors.Conflict(apperrors.ErrCodeTenantDuplicateName, "租户名称已存在")
			}
			tenant.Name = name
		}
		if in.Settings != nil {
			settings, err := models.NormalizeSettings(in.Settings)
			if err != nil {
				return apperrors.Validation(apperrors.ErrCodeValidation, err.Error())
			}
			tenant.Settings = settings
		}
		return nil
	})
}

// ChangeStatus 直接覆盖状态，任意状态之间都可切换
func (s *TenantService) ChangeStatus(ctx context.Context, p *Principal, id uuid.UUID, status string) (*TenantView, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if !models.IsValidTenantStatus(status) {
		return nil, apperrors.Validation(apperrors.ErrCodeTenantInvalidStatus, "租户状态不合法")
	}
	view, err := s.mutate(ctx, id, func(_ store.Tx, tenant *models.Tenant) error {
		tenant.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	publish(ctx, s.events, events.Event{
		Type:       events.TenantStatusChanged,
		TenantID:   id.String(),
		ActorID:    actorString(p),
		OccurredAt: view.UpdatedAt,
		Data:       map[string]string{"status": status},
	})
	return view, nil
}

// ChangePlan 只记录套餐
func (s *TenantService) ChangePlan(ctx context.Context, id uuid.UUID, plan string) (*TenantView, error) {
	plan = strings.ToUpper(strings.TrimSpace(plan))
	if !models.IsValidTenantPlan(plan) {
		return nil, apperrors.Validation(apperrors.ErrCodeTenantInvalidPlan, "套餐不合法")
	}
	return s.mutate(ctx, id, func(_ store.Tx, tenant *models.Tenant) error {
		tenant.Plan = plan
		return nil
	})
}

func (s *TenantService) mutate(ctx context.Context, id uuid.UUID, fn func(tx store.Tx, tenant *models.Tenant) error) (*TenantView, error) {
	now := s.now()
	var view *TenantView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tenant, err := tx.LockTenant(id)
		if err != nil {
			return err
		}
		if err := fn(tx, tenant); err != nil {
			return err
		}
		tenant.UpdatedAt = now
		if err := tx.SaveTenant(tenant); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperrors.Conflict(apperrors.ErrCodeTenantDuplicateName, "租户名称已存在")
			}
			return err
		}
		view = toTenantView(tenant, slugOf(tx, tenant.ID))
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	return view, nil
}

// BootstrapAdmin 为没有任何用户的租户创建 ADMIN 角色和首个管理员
func (s *TenantService) BootstrapAdmin(ctx context.Context, tenantID uuid.UUID, in BootstrapAdminInput) (*UserView, error) {
	email := models.NormalizeEmail(in.Email)
	if err := models.ValidateEmail(email); err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidEmail, err.Error())
	}
	if err := credential.ValidatePassword(in.Password); err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidPassword, err.Error())
	}
	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return s.bootstrap(ctx, tenantID, email, hash, in.FullName, models.AdminPermissions)
}

func (s *TenantService) bootstrap(ctx context.Context, tenantID uuid.UUID, email, hash, fullName string, perms []string) (*UserView, error) {
	now := s.now()
	var view *UserView
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockTenant(tenantID); err != nil {
			return err
		}
		count, err := tx.CountUsers(tenantID)
		if err != nil {
			return err
		}
		if count > 0 {
			return apperrors.BusinessRule(apperrors.ErrCodeTenantBootstrapped, "租户已初始化管理员")
		}

		role, err := models.NewRole(tenantID, models.RoleAdmin, models.NewPermissionSet(perms...), now)
		if err != nil {
			return err
		}
		if err := tx.CreateRole(role); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperrors.BusinessRule(apperrors.ErrCodeTenantBootstrapped, "租户已初始化管理员")
			}
			return err
		}
		owner, err := models.NewRegisteredUser(tenantID, email, hash, fullName, nil, []models.Role{*role}, now)
		if err != nil {
			return apperrors.Validation(apperrors.ErrCodeInvalidEmail, err.Error())
		}
		if err := tx.CreateUser(owner); err != nil {
			return err
		}
		view = toUserView(owner)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"user_id":   view.ID,
	}).Info("租户管理员初始化完成")
	return view, nil
}

// EnsurePlatformTenant 平台租户不存在时创建，启动时调用
func (s *TenantService) EnsurePlatformTenant(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	now := s.now()
	created := false
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTenant(id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tenant, err := models.NewTenant(name, models.TenantPlanEnterprise, nil, now)
		if err != nil {
			return err
		}
		tenant.ID = id
		tenant.Settings, _ = models.NormalizeSettings(nil)
		if err := tx.CreateTenant(tenant); err != nil {
			return err
		}
		slug, err := reserveSlug(tx, models.Slugify(name))
		if err != nil {
			return err
		}
		created = true
		return tx.CreateTenantKey(models.NewTenantKey(id, models.TenantKeyTypeSlug, slug, now))
	})
	if err != nil {
		return false, storeErr(err, apperrors.ErrCodeTenantNotFound, "租户不存在")
	}
	return created, nil
}

// BootstrapPlatformAdmin 平台租户的管理员额外持有租户管理权限
func (s *TenantService) BootstrapPlatformAdmin(ctx context.Context, tenantID uuid.UUID, email, password string) (*UserView, error) {
	if err := credential.ValidatePassword(password); err != nil {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidPassword, err.Error())
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	perms := append([]string{models.PermPlatformTenantsManage}, models.AdminPermissions...)
	return s.bootstrap(ctx, tenantID, email, hash, "Platform Admin", perms)
}

func slugOf(tx store.Tx, tenantID uuid.UUID) string {
	k, err := tx.GetTenantKey(tenantID, models.TenantKeyTypeSlug)
	if err != nil {
		return ""
	}
	return k.KeyValue
}

func toTenantView(t *models.Tenant, slug string) *TenantView {
	settings := json.RawMessage(t.Settings)
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	return &TenantView{
		ID:        t.ID,
		Name:      t.Name,
		Slug:      slug,
		Status:    t.Status,
		Plan:      t.Plan,
		Settings:  settings,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func actorString(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.UserID.String()
}

