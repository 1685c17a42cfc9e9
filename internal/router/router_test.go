package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"tenantgate/internal/handlers"
	"tenantgate/internal/models"
	"tenantgate/internal/services"
	"tenantgate/internal/store"
	"tenantgate/pkg/config"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"
	"tenantgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	platformEmail    = "root@platform.test"
	platformPassword = "platform-pass-1"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.Silence()
	if err := handlers.RegisterValidators(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type envelope struct {
	Code      int             `json:"code"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	PageInfo  struct {
		Total int64 `json:"total"`
	} `json:"page_info"`
}

type api struct {
	t      *testing.T
	engine *gin.Engine
}

type header map[string]string

func bearer(token string) header {
	return header{"Authorization": "Bearer " + token}
}

func (a *api) do(method, path string, body interface{}, h header) (*httptest.ResponseRecorder, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		if k == "Cookie" {
			req.AddCookie(&http.Cookie{Name: "SESSION", Value: v})
			continue
		}
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, env
}

// expect 断言状态码并把 data 解码到 out
func (a *api) expect(method, path string, body interface{}, h header, status int, out interface{}) envelope {
	a.t.Helper()
	w, env := a.do(method, path, body, h)
	if w.Code != status {
		a.t.Fatalf("%s %s: status = %d, want %d, body %s", method, path, w.Code, status, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			a.t.Fatalf("%s %s: decode data %s: %v", method, path, env.Data, err)
		}
	}
	return env
}

func (a *api) expectError(method, path string, body interface{}, h header, status int, code string) {
	a.t.Helper()
	w, env := a.do(method, path, body, h)
	if w.Code != status || env.ErrorCode != code {
		a.t.Fatalf("%s %s: got %d %s, want %d %s", method, path, w.Code, env.ErrorCode, status, code)
	}
}

func (a *api) login(tenantHeader header, email, password string) string {
	a.t.Helper()
	var result services.LoginResult
	a.expect(http.MethodPost, "/api/v1/auth/login", gin.H{"email": email, "password": password}, tenantHeader, http.StatusOK, &result)
	if result.Token == "" {
		a.t.Fatal("login returned empty token")
	}
	return result.Token
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			SessionTTL:       8 * time.Hour,
			RememberMeTTL:    30 * 24 * time.Hour,
			TouchThreshold:   5 * time.Minute,
			MaxFailedLogins:  5,
			LockDuration:     15 * time.Minute,
			ResetTokenTTL:    30 * time.Minute,
			InviteTokenTTL:   72 * time.Hour,
			BcryptCost:       bcrypt.MinCost,
			HashWorkers:      4,
			CookieName:       "SESSION",
			PlatformTenantID: models.DefaultPlatformTenantID.String(),
			LoginRatePerSec:  100,
			LoginRateBurst:   100,
		},
	}
}

func newAPI(t *testing.T, health map[string]handlers.Pinger) *api {
	t.Helper()
	cfg := testConfig()
	st := store.NewMemoryStore()
	hasher, err := credential.NewHasher(bcrypt.MinCost, 4)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	pub := &events.Recorder{}
	notifier := services.NewNotifier(services.LogMailer{}, config.MailConfig{ResetURL: "https://app.test/reset#"})
	sessions := services.NewSessionService(st, cfg.Auth, nil)
	svc := Services{
		Sessions: sessions,
		Auth:     services.NewAuthService(st, sessions, hasher, notifier, pub, cfg.Auth, nil),
		Tenants:  services.NewTenantService(st, hasher, pub, nil),
		Users:    services.NewUserService(st, sessions, hasher, notifier, pub, cfg.Auth, nil),
		Roles:    services.NewRoleService(st, sessions, pub, nil),
		Health:   health,
	}

	ctx := context.Background()
	if _, err := svc.Tenants.EnsurePlatformTenant(ctx, models.DefaultPlatformTenantID, "Platform"); err != nil {
		t.Fatalf("EnsurePlatformTenant: %v", err)
	}
	if _, err := svc.Tenants.BootstrapPlatformAdmin(ctx, models.DefaultPlatformTenantID, platformEmail, platformPassword); err != nil {
		t.Fatalf("BootstrapPlatformAdmin: %v", err)
	}
	return &api{t: t, engine: SetupRouter(cfg, svc)}
}

func TestIdentityFlow(t *testing.T) {
	a := newAPI(t, nil)
	platformHeader := header{"X-Tenant-Id": models.DefaultPlatformTenantID.String()}

	// 平台管理员创建租户并初始化管理员
	root := a.login(platformHeader, platformEmail, platformPassword)
	var tenant services.TenantView
	a.expect(http.MethodPost, "/api/v1/platform/tenants", gin.H{"name": "Acme Corp"}, bearer(root), http.StatusOK, &tenant)
	if tenant.Slug != "acme-corp" || tenant.Status != models.TenantStatusActive {
		t.Fatalf("tenant = %+v", tenant)
	}
	bootstrap := gin.H{"email": "admin@acme.test", "password": "admin-password-1"}
	a.expect(http.MethodPost, "/api/v1/platform/tenants/"+tenant.ID.String()+"/bootstrap-admin", bootstrap, bearer(root), http.StatusOK, nil)
	a.expectError(http.MethodPost, "/api/v1/platform/tenants/"+tenant.ID.String()+"/bootstrap-admin", bootstrap, bearer(root),
		http.StatusUnprocessableEntity, apperrors.ErrCodeTenantBootstrapped)

	acme := header{"X-Tenant-Key": "ACME-CORP"}
	admin := a.login(acme, "admin@acme.test", "admin-password-1")

	// 租户会话不能访问平台接口
	a.expectError(http.MethodGet, "/api/v1/platform/tenants", nil, bearer(admin), http.StatusForbidden, apperrors.ErrCodePlatformOnly)

	// 创建只读角色和用户
	var viewer services.RoleView
	a.expect(http.MethodPost, "/api/v1/identity/roles",
		gin.H{"name": "viewer", "permissions": []string{"identity.login", "Identity.Read "}}, bearer(admin), http.StatusOK, &viewer)
	if viewer.Name != "VIEWER" || len(viewer.Permissions) != 2 {
		t.Fatalf("viewer = %+v", viewer)
	}
	a.expectError(http.MethodPost, "/api/v1/identity/roles",
		gin.H{"name": "super", "permissions": []string{models.PermPlatformTenantsManage}}, bearer(admin),
		http.StatusUnprocessableEntity, apperrors.ErrCodePermOutOfBounds)

	var bob services.UserView
	a.expect(http.MethodPost, "/api/v1/identity/users", gin.H{
		"email":    "Bob@Acme.test",
		"password": "bob-password-1",
		"role_ids": []string{viewer.ID.String()},
	}, bearer(admin), http.StatusOK, &bob)
	if bob.Email != "bob@acme.test" || bob.Status != models.UserStatusActive {
		t.Fatalf("bob = %+v", bob)
	}

	// 只读用户通过 Cookie 访问
	bobToken := a.login(acme, "bob@acme.test", "bob-password-1")
	cookie := header{"Cookie": bobToken}
	env := a.expect(http.MethodGet, "/api/v1/identity/users?page=1&page_size=10", nil, cookie, http.StatusOK, nil)
	if env.PageInfo.Total != 2 {
		t.Errorf("total = %d, want 2", env.PageInfo.Total)
	}
	a.expectError(http.MethodPost, "/api/v1/identity/users",
		gin.H{"email": "eve@acme.test", "password": "eve-password-1", "role_ids": []string{viewer.ID.String()}},
		cookie, http.StatusForbidden, apperrors.ErrCodeForbidden)

	// 锁定后会话立即失效
	a.expect(http.MethodPost, "/api/v1/identity/users/"+bob.ID.String()+"/block", nil, bearer(admin), http.StatusOK, nil)
	a.expectError(http.MethodGet, "/api/v1/auth/me", nil, cookie, http.StatusUnauthorized, apperrors.ErrCodeUnauthenticated)

	// 登出后令牌不可再用
	var me services.MeView
	a.expect(http.MethodGet, "/api/v1/auth/me", nil, bearer(admin), http.StatusOK, &me)
	if me.Email != "admin@acme.test" || me.TenantID != tenant.ID {
		t.Fatalf("me = %+v", me)
	}
	a.expect(http.MethodPost, "/api/v1/auth/logout", nil, bearer(admin), http.StatusOK, nil)
	a.expectError(http.MethodGet, "/api/v1/auth/me", nil, bearer(admin), http.StatusUnauthorized, apperrors.ErrCodeUnauthenticated)
}

func TestLoginSetsSessionCookie(t *testing.T) {
	a := newAPI(t, nil)
	w, _ := a.do(http.MethodPost, "/api/v1/auth/login",
		gin.H{"email": platformEmail, "password": platformPassword},
		header{"X-Tenant-Id": models.DefaultPlatformTenantID.String()})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	setCookie := w.Header().Get("Set-Cookie")
	if !strings.HasPrefix(setCookie, "SESSION=") || !strings.Contains(setCookie, "HttpOnly") {
		t.Errorf("Set-Cookie = %q", setCookie)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestRequestValidation(t *testing.T) {
	a := newAPI(t, nil)
	platformHeader := header{"X-Tenant-Id": models.DefaultPlatformTenantID.String()}
	root := a.login(platformHeader, platformEmail, platformPassword)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		h      header
		status int
		code   string
	}{
		{"login without tenant", http.MethodPost, "/api/v1/auth/login",
			gin.H{"email": platformEmail, "password": platformPassword}, nil, http.StatusBadRequest, apperrors.ErrCodeTenantRequired},
		{"login unknown tenant key", http.MethodPost, "/api/v1/auth/login",
			gin.H{"email": platformEmail, "password": platformPassword}, header{"X-Tenant-Key": "nope"}, http.StatusNotFound, apperrors.ErrCodeTenantNotFound},
		{"login wrong password", http.MethodPost, "/api/v1/auth/login",
			gin.H{"email": platformEmail, "password": "wrong-password"}, platformHeader, http.StatusUnauthorized, apperrors.ErrCodeInvalidCredentials},
		{"blank email", http.MethodPost, "/api/v1/auth/login",
			gin.H{"email": "   ", "password": "x"}, platformHeader, http.StatusBadRequest, ""},
		{"bad path id", http.MethodGet, "/api/v1/identity/users/not-a-uuid", nil, bearer(root), http.StatusBadRequest, ""},
		{"bad role id", http.MethodPost, "/api/v1/identity/users",
			gin.H{"email": "x@platform.test", "password": "x-password-1", "role_ids": []string{"bad"}}, bearer(root), http.StatusBadRequest, ""},
		{"unknown tenant status", http.MethodPut, "/api/v1/platform/tenants/" + models.DefaultPlatformTenantID.String() + "/status",
			gin.H{"status": "GONE"}, bearer(root), http.StatusBadRequest, apperrors.ErrCodeTenantInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.t = t
			w, env := a.do(tt.method, tt.path, tt.body, tt.h)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tt.status, w.Body.String())
			}
			if tt.code != "" && env.ErrorCode != tt.code {
				t.Errorf("error_code = %s, want %s", env.ErrorCode, tt.code)
			}
		})
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndMetrics(t *testing.T) {
	healthy := newAPI(t, map[string]handlers.Pinger{"store": pingFunc(func(context.Context) error { return nil })})
	if w, _ := healthy.do(http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("healthy status = %d", w.Code)
	}

	broken := newAPI(t, map[string]handlers.Pinger{"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") })})
	w, _ := broken.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("broken health = %d %s", w.Code, w.Body.String())
	}

	w, _ = healthy.do(http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("metrics status = %d", w.Code)
	}
}
