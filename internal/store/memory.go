package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MemoryStore 内存实现，事务之间完全串行，失败时恢复到事务开始前的快照
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// WithinTx 串行执行 fn，返回错误或 panic 时回滚
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	defer func() {
		if r := recover(); r != nil {
			m.data = snapshot
			panic(r)
		}
		if err != nil {
			m.data = snapshot
		}
	}()
	return fn(&memoryTx{d: m.data})
}

type memData struct {
	tenants   map[uuid.UUID]models.Tenant
	keys      map[uuid.UUID]models.TenantKey
	users     map[uuid.UUID]models.User
	userRoles map[uuid.UUID][]uuid.UUID
	roles     map[uuid.UUID]models.Role
	rolePerms map[uuid.UUID][]string
	sessions  map[uuid.UUID]models.UserSession
	tokens    map[uuid.UUID]models.PasswordResetToken
}

func newMemData() *memData {
	return &memData{
		tenants:   make(map[uuid.UUID]models.Tenant),
		keys:      make(map[uuid.UUID]models.TenantKey),
		users:     make(map[uuid.UUID]models.User),
		userRoles: make(map[uuid.UUID][]uuid.UUID),
		roles:     make(map[uuid.UUID]models.Role),
		rolePerms: make(map[uuid.UUID][]string),
		sessions:  make(map[uuid.UUID]models.UserSession),
		tokens:    make(map[uuid.UUID]models.PasswordResetToken),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.tenants {
		v.Settings = cloneJSON(v.Settings)
		c.tenants[k] = v
	}
	for k, v := range d.keys {
		c.keys[k] = v
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.userRoles {
		c.userRoles[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k, v := range d.rolePerms {
		c.rolePerms[k] = append([]string(nil), v...)
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	return c
}

func cloneJSON(j datatypes.JSON) datatypes.JSON {
	if j == nil {
		return nil
	}
	return datatypes.JSON(bytes.Clone(j))
}

type memoryTx struct {
	d *memData
}

func isExcluded(id uuid.UUID, exclude *uuid.UUID) bool {
	return exclude != nil && *exclude == id
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// ========== 租户 ==========

func (t *memoryTx) LockTenant(id uuid.UUID) (*models.Tenant, error) {
	return t.GetTenant(id)
}

func (t *memoryTx) GetTenant(id uuid.UUID) (*models.Tenant, error) {
	tenant, ok := t.d.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	tenant.Settings = cloneJSON(tenant.Settings)
	return &tenant, nil
}

func (t *memoryTx) TenantNameExists(name string, exclude *uuid.UUID) (bool, error) {
	for id, tenant := range t.d.tenants {
		if !isExcluded(id, exclude) && strings.EqualFold(tenant.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) CreateTenant(tenant *models.Tenant) error {
	if _, exists := t.d.tenants[tenant.ID]; exists {
		return ErrConflict
	}
	return t.SaveTenant(tenant)
}

func (t *memoryTx) SaveTenant(tenant *models.Tenant) error {
	v := *tenant
	v.Settings = cloneJSON(tenant.Settings)
	t.d.tenants[tenant.ID] = v
	return nil
}

func (t *memoryTx) ListTenants(offset, limit int) ([]models.Tenant, int64, error) {
	all := make([]models.Tenant, 0, len(t.d.tenants))
	for _, tenant := range t.d.tenants {
		tenant.Settings = cloneJSON(tenant.Settings)
		all = append(all, tenant)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	return page(all, offset, limit), int64(len(all)), nil
}

func (t *memoryTx) CreateTenantKey(k *models.TenantKey) error {
	for _, existing := range t.d.keys {
		if existing.KeyType == k.KeyType && existing.KeyValue == k.KeyValue {
			return ErrConflict
		}
		if existing.TenantID == k.TenantID && existing.KeyType == k.KeyType {
			return ErrConflict
		}
	}
	t.d.keys[k.ID] = *k
	return nil
}

func (t *memoryTx) FindTenantKey(keyType, value string) (*models.TenantKey, error) {
	v := strings.ToLower(value)
	for _, k := range t.d.keys {
		if k.KeyType == keyType && k.KeyValue == v {
			found := k
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) GetTenantKey(tenantID uuid.UUID, keyType string) (*models.TenantKey, error) {
	for _, k := range t.d.keys {
		if k.TenantID == tenantID && k.KeyType == keyType {
			found := k
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) TenantKeyExists(keyType, value string) (bool, error) {
	_, err := t.FindTenantKey(keyType, value)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *memoryTx) CountUsers(tenantID uuid.UUID) (int64, error) {
	var n int64
	for _, u := range t.d.users {
		if u.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// ========== 用户 ==========

func (t *memoryTx) hydrateRole(r models.Role) models.Role {
	perms := t.d.rolePerms[r.ID]
	r.Permissions = make([]models.RolePermission, 0, len(perms))
	for _, p := range perms {
		r.Permissions = append(r.Permissions, models.RolePermission{RoleID: r.ID, PermissionCode: p})
	}
	return r
}

func (t *memoryTx) hydrateUser(u models.User) *models.User {
	roleIDs := t.d.userRoles[u.ID]
	u.Roles = make([]models.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := t.d.roles[id]; ok {
			u.Roles = append(u.Roles, t.hydrateRole(r))
		}
	}
	sort.Slice(u.Roles, func(i, j int) bool { return u.Roles[i].Name < u.Roles[j].Name })
	return &u
}

func (t *memoryTx) GetUser(tenantID, id uuid.UUID) (*models.User, error) {
	u, ok := t.d.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return t.hydrateUser(u), nil
}

func (t *memoryTx) LockUser(tenantID, id uuid.UUID) (*models.User, error) {
	return t.GetUser(tenantID, id)
}

func (t *memoryTx) FindUserByEmail(tenantID uuid.UUID, email string) (*models.User, error) {
	e := models.NormalizeEmail(email)
	for _, u := range t.d.users {
		if u.TenantID == tenantID && u.Email == e {
			return t.hydrateUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) EmailTaken(tenantID uuid.UUID, email string, exclude *uuid.UUID) (bool, error) {
	e := models.NormalizeEmail(email)
	for id, u := range t.d.users {
		if !isExcluded(id, exclude) && u.TenantID == tenantID && u.Email == e {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) CreateUser(u *models.User) error {
	if _, exists := t.d.users[u.ID]; exists {
		return ErrConflict
	}
	if err := t.SaveUser(u); err != nil {
		return err
	}
	return t.ReplaceUserRoles(u)
}

func (t *memoryTx) SaveUser(u *models.User) error {
	taken, _ := t.EmailTaken(u.TenantID, u.Email, &u.ID)
	if taken {
		return ErrConflict
	}
	v := *u
	v.Roles = nil
	t.d.users[u.ID] = v
	return nil
}

func (t *memoryTx) ReplaceUserRoles(u *models.User) error {
	ids := make([]uuid.UUID, 0, len(u.Roles))
	seen := make(map[uuid.UUID]bool, len(u.Roles))
	for _, r := range u.Roles {
		if seen[r.ID] {
			return ErrConflict
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)
	}
	t.d.userRoles[u.ID] = ids
	return nil
}

func (t *memoryTx) ListUsers(tenantID uuid.UUID, offset, limit int) ([]models.User, int64, error) {
	var all []models.User
	for _, u := range t.d.users {
		if u.TenantID == tenantID {
			all = append(all, *t.hydrateUser(u))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	return page(all, offset, limit), int64(len(all)), nil
}

func (t *memoryTx) CountActiveUsersWithPermission(tenantID uuid.UUID, perm string) (int64, error) {
	var n int64
	for _, u := range t.d.users {
		if u.TenantID != tenantID || u.Status != models.UserStatusActive {
			continue
		}
		if t.userHoldsRaw(u.ID, perm) {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) userHoldsRaw(userID uuid.UUID, perm string) bool {
	for _, roleID := range t.d.userRoles[userID] {
		for _, p := range t.d.rolePerms[roleID] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

func (t *memoryTx) ListUserIDsWithRole(tenantID, roleID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for userID, roleIDs := range t.d.userRoles {
		u, ok := t.d.users[userID]
		if !ok || u.TenantID != tenantID {
			continue
		}
		for _, id := range roleIDs {
			if id == roleID {
				ids = append(ids, userID)
				break
			}
		}
	}
	return ids, nil
}

// ========== 角色 ==========

func (t *memoryTx) GetRole(tenantID, id uuid.UUID) (*models.Role, error) {
	r, ok := t.d.roles[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	role := t.hydrateRole(r)
	return &role, nil
}

func (t *memoryTx) GetRolesByIDs(tenantID uuid.UUID, ids []uuid.UUID) ([]models.Role, error) {
	var roles []models.Role
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := t.d.roles[id]; ok && r.TenantID == tenantID {
			roles = append(roles, t.hydrateRole(r))
		}
	}
	return roles, nil
}

func (t *memoryTx) RoleNameExists(tenantID uuid.UUID, name string, exclude *uuid.UUID) (bool, error) {
	for id, r := range t.d.roles {
		if !isExcluded(id, exclude) && r.TenantID == tenantID && r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) CreateRole(r *models.Role) error {
	if _, exists := t.d.roles[r.ID]; exists {
		return ErrConflict
	}
	return t.SaveRole(r)
}

func (t *memoryTx) SaveRole(r *models.Role) error {
	taken, _ := t.RoleNameExists(r.TenantID, r.Name, &r.ID)
	if taken {
		return ErrConflict
	}
	perms := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, p.PermissionCode)
	}
	v := *r
	v.Permissions = nil
	t.d.roles[r.ID] = v
	t.d.rolePerms[r.ID] = perms
	return nil
}

func (t *memoryTx) ListRoles(tenantID uuid.UUID) ([]models.Role, error) {
	var roles []models.Role
	for _, r := range t.d.roles {
		if r.TenantID == tenantID {
			roles = append(roles, t.hydrateRole(r))
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// ========== 会话 ==========

func (t *memoryTx) CreateSession(s *models.UserSession) error {
	if _, exists := t.d.sessions[s.ID]; exists {
		return ErrConflict
	}
	for _, existing := range t.d.sessions {
		if existing.TokenHash == s.TokenHash {
			return ErrConflict
		}
	}
	t.d.sessions[s.ID] = *s
	return nil
}

func (t *memoryTx) FindSessionByHash(tokenHash string) (*models.UserSession, error) {
	for _, s := range t.d.sessions {
		if s.TokenHash == tokenHash {
			found := s
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) TouchSession(id uuid.UUID, now time.Time) error {
	s, ok := t.d.sessions[id]
	if !ok || s.RevokedAt != nil {
		return nil
	}
	s.LastSeenAt = now
	s.UpdatedAt = now
	t.d.sessions[id] = s
	return nil
}

func (t *memoryTx) RevokeSession(id uuid.UUID, now time.Time, actorID *uuid.UUID) (bool, error) {
	s, ok := t.d.sessions[id]
	if !ok || !s.Revoke(now, actorID) {
		return false, nil
	}
	s.UpdatedAt = now
	t.d.sessions[id] = s
	return true, nil
}

func (t *memoryTx) RevokeSessionsForUsers(tenantID uuid.UUID, userIDs []uuid.UUID, now time.Time, actorID *uuid.UUID) (int64, error) {
	targets := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		targets[id] = true
	}
	var n int64
	for id, s := range t.d.sessions {
		if s.TenantID != tenantID || !targets[s.UserID] {
			continue
		}
		if s.Revoke(now, actorID) {
			s.UpdatedAt = now
			t.d.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) DeleteExpiredSessions(before time.Time) (int64, error) {
	var n int64
	for id, s := range t.d.sessions {
		if s.ExpiresAt.Before(before) || (s.RevokedAt != nil && s.RevokedAt.Before(before)) {
			delete(t.d.sessions, id)
			n++
		}
	}
	return n, nil
}

// ========== 重置令牌 ==========

func (t *memoryTx) CreateResetToken(tok *models.PasswordResetToken) error {
	if _, exists := t.d.tokens[tok.ID]; exists {
		return ErrConflict
	}
	t.d.tokens[tok.ID] = *tok
	return nil
}

func (t *memoryTx) FindUsableResetToken(tenantID uuid.UUID, tokenHash, purpose string, now time.Time) (*models.PasswordResetToken, error) {
	for _, tok := range t.d.tokens {
		if tok.TenantID == tenantID && tok.TokenHash == tokenHash && tok.Purpose == purpose && tok.IsUsableAt(now) {
			found := tok
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) InvalidateUsableResetTokens(tenantID, userID uuid.UUID, purpose string, now time.Time) (int64, error) {
	var n int64
	for id, tok := range t.d.tokens {
		if tok.TenantID == tenantID && tok.UserID == userID && tok.Purpose == purpose && tok.IsUsableAt(now) {
			tok.MarkUsed(now)
			tok.UpdatedAt = now
			t.d.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) ConsumeResetToken(id uuid.UUID, now time.Time) (bool, error) {
	tok, ok := t.d.tokens[id]
	if !ok || !tok.IsUsableAt(now) {
		return false, nil
	}
	tok.MarkUsed(now)
	tok.UpdatedAt = now
	t.d.tokens[id] = tok
	return true, nil
}

func (t *memoryTx) DeleteStaleResetTokens(before time.Time) (int64, error) {
	var n int64
	for id, tok := range t.d.tokens {
		if tok.ExpiresAt.Before(before) || (tok.UsedAt != nil && tok.UsedAt.Before(before)) {
			delete(t.d.tokens, id)
			n++
		}
	}
	return n, nil
}
