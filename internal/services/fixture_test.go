package services

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminEmail    = "admin@acme.test"
	adminPassword = "admin-password-1"
)

func TestMain(m *testing.M) {
	logger.Silence()
	os.Exit(m.Run())
}

type recordingMailer struct {
	mu    sync.Mutex
	mails []Mail
	err   error
	gate  chan struct{} // 非空时 Send 阻塞到关闭
}

func (r *recordingMailer) Send(_ context.Context, m Mail) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.mails = append(r.mails, m)
	return nil
}

func (r *recordingMailer) sent() []Mail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mail(nil), r.mails...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.MemoryStore
	cfg      config.AuthConfig
	mu       sync.Mutex
	now      time.Time
	mailer   *recordingMailer
	recorder *events.Recorder

	tenants  *TenantService
	sessions *SessionService
	auth     *AuthService
	users    *UserService
	roles    *RoleService

	tenantID uuid.UUID
	admin    *Principal
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SessionTTL:       8 * time.Hour,
		RememberMeTTL:    30 * 24 * time.Hour,
		TouchThreshold:   5 * time.Minute,
		MaxFailedLogins:  5,
		LockDuration:     15 * time.Minute,
		ResetTokenTTL:    30 * time.Minute,
		InviteTokenTTL:   72 * time.Hour,
		BcryptCost:       bcrypt.MinCost,
		HashWorkers:      4,
		PlatformTenantID: models.DefaultPlatformTenantID.String(),
	}
}

// newFixture 创建一个已初始化管理员的租户 Acme
func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := credential.NewHasher(bcrypt.MinCost, 4)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemoryStore(),
		cfg:      testAuthConfig(),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		mailer:   &recordingMailer{},
		recorder: &events.Recorder{},
	}
	notifier := NewNotifier(f.mailer, config.MailConfig{
		From:      "noreply@acme.test",
		ResetURL:  "https://app.test/reset#",
		InviteURL: "https://app.test/invite#",
	})
	f.sessions = NewSessionService(f.store, f.cfg, f.clock)
	f.tenants = NewTenantService(f.store, hasher, f.recorder, f.clock)
	f.auth = NewAuthService(f.store, f.sessions, hasher, notifier, f.recorder, f.cfg, f.clock)
	f.users = NewUserService(f.store, f.sessions, hasher, notifier, f.recorder, f.cfg, f.clock)
	f.roles = NewRoleService(f.store, f.sessions, f.recorder, f.clock)

	f.tenantID = f.createTenant("Acme")
	f.admin = f.login(f.tenantID, adminEmail, adminPassword)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// createTenant 创建租户并用固定账号初始化管理员
func (f *fixture) createTenant(name string) uuid.UUID {
	f.t.Helper()
	tenant, err := f.tenants.Create(f.ctx, nil, CreateTenantInput{Name: name})
	if err != nil {
		f.t.Fatalf("create tenant %s: %v", name, err)
	}
	if _, err := f.tenants.BootstrapAdmin(f.ctx, tenant.ID, BootstrapAdminInput{
		Email:    adminEmail,
		Password: adminPassword,
		FullName: "Admin",
	}); err != nil {
		f.t.Fatalf("bootstrap %s: %v", name, err)
	}
	return tenant.ID
}

func (f *fixture) loginResult(tenantID uuid.UUID, email, password string) *LoginResult {
	f.t.Helper()
	res, err := f.auth.Login(f.ctx, tenantID, LoginInput{Email: email, Password: password, IP: "10.0.0.1"})
	if err != nil {
		f.t.Fatalf("login %s: %v", email, err)
	}
	return res
}

func (f *fixture) login(tenantID uuid.UUID, email, password string) *Principal {
	f.t.Helper()
	res := f.loginResult(tenantID, email, password)
	p, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token, Path: "/api/v1/auth/me"})
	if err != nil {
		f.t.Fatalf("authenticate %s: %v", email, err)
	}
	return p
}

func (f *fixture) roleID(name string) uuid.UUID {
	f.t.Helper()
	roles, err := f.roles.List(f.ctx, f.admin)
	if err != nil {
		f.t.Fatalf("list roles: %v", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return r.ID
		}
	}
	f.t.Fatalf("role %s not found", name)
	return uuid.Nil
}

func (f *fixture) createRole(name string, perms ...string) uuid.UUID {
	f.t.Helper()
	role, err := f.roles.Create(f.ctx, f.admin, name, perms)
	if err != nil {
		f.t.Fatalf("create role %s: %v", name, err)
	}
	return role.ID
}

func (f *fixture) createUser(email, password string, roleIDs ...uuid.UUID) *UserView {
	f.t.Helper()
	u, err := f.users.Create(f.ctx, f.admin, CreateUserInput{
		Email:    email,
		Password: password,
		FullName: strings.Split(email, "@")[0],
		RoleIDs:  roleIDs,
	})
	if err != nil {
		f.t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (f *fixture) storedUser(tenantID, id uuid.UUID) *models.User {
	f.t.Helper()
	var u *models.User
	err := f.store.WithinTx(f.ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.GetUser(tenantID, id)
		return err
	})
	if err != nil {
		f.t.Fatalf("load user: %v", err)
	}
	return u
}

// lastToken 从最近一封邮件中取出令牌
func (f *fixture) lastToken(kind string) string {
	f.t.Helper()
	f.auth.Wait()
	mails := f.mailer.sent()
	for i := len(mails) - 1; i >= 0; i-- {
		if mails[i].Kind != kind {
			continue
		}
		for _, line := range strings.Split(mails[i].Body, "\n") {
			if idx := strings.Index(line, "#"); idx >= 0 && strings.HasPrefix(line, "https://") {
				return line[idx+1:]
			}
		}
	}
	f.t.Fatalf("no %s mail sent", kind)
	return ""
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if !apperrors.HasCode(err, code) {
		t.Fatalf("expected error %s, got %v", code, err)
	}
}
