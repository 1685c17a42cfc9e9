package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	"tenantgate/pkg/credential"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"

	"github.com/google/uuid"
)

func TestLoginReturnsSessionWithFreshPermissions(t *testing.T) {
	f := newFixture(t)

	res := f.loginResult(f.tenantID, "  ADMIN@Acme.TEST ", adminPassword)
	if res.Token == "" || res.SessionID == uuid.Nil {
		t.Fatalf("login result missing token or session: %+v", res)
	}
	if want := f.clock().Add(8 * time.Hour); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
	if len(res.Roles) != 1 || res.Roles[0] != models.RoleAdmin {
		t.Errorf("Roles = %v", res.Roles)
	}
	if len(res.Permissions) != len(models.AdminPermissions) {
		t.Errorf("Permissions = %v", res.Permissions)
	}

	remember, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: adminEmail, Password: adminPassword, RememberMe: true})
	if err != nil {
		t.Fatalf("remember-me login: %v", err)
	}
	if want := f.clock().Add(30 * 24 * time.Hour); !remember.ExpiresAt.Equal(want) {
		t.Errorf("remember-me ExpiresAt = %v, want %v", remember.ExpiresAt, want)
	}

	u := f.storedUser(f.tenantID, res.UserID)
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(f.clock()) {
		t.Errorf("LastLoginAt = %v", u.LastLoginAt)
	}
	if got := f.recorder.Types(); got[len(got)-1] != events.LoginSucceeded {
		t.Errorf("last event = %v", got)
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	f := newFixture(t)
	other := f.createTenant("Other")
	if _, err := f.tenants.ChangeStatus(f.ctx, nil, other, models.TenantStatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	tests := []struct {
		name     string
		tenantID uuid.UUID
		email    string
		password string
	}{
		{"wrong password", f.tenantID, adminEmail, "wrong-password"},
		{"unknown email", f.tenantID, "ghost@acme.test", adminPassword},
		{"unknown tenant", uuid.New(), adminEmail, adminPassword},
		{"suspended tenant", other, adminEmail, adminPassword},
		{"empty password", f.tenantID, adminEmail, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.auth.Login(f.ctx, tt.tenantID, LoginInput{Email: tt.email, Password: tt.password})
			requireCode(t, err, apperrors.ErrCodeInvalidCredentials)
			if !apperrors.IsKind(err, apperrors.KindUnauthenticated) {
				t.Errorf("kind = %v", err)
			}
		})
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 5; i++ {
		_, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: adminEmail, Password: "wrong-password"})
		requireCode(t, err, apperrors.ErrCodeInvalidCredentials)
		u := f.storedUser(f.tenantID, f.admin.UserID)
		if u.FailedLoginCount != i {
			t.Fatalf("after %d failures count = %d", i, u.FailedLoginCount)
		}
	}

	u := f.storedUser(f.tenantID, f.admin.UserID)
	if !u.IsSoftLocked(f.clock()) {
		t.Fatal("user should be soft locked after 5 failures")
	}

	_, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: adminEmail, Password: adminPassword})
	requireCode(t, err, apperrors.ErrCodeInvalidCredentials)

	f.advance(15*time.Minute + time.Second)
	f.loginResult(f.tenantID, adminEmail, adminPassword)
	u = f.storedUser(f.tenantID, f.admin.UserID)
	if u.FailedLoginCount != 0 || u.LockedUntil != nil {
		t.Errorf("counters not cleared: count=%d lockedUntil=%v", u.FailedLoginCount, u.LockedUntil)
	}

	found := false
	for _, typ := range f.recorder.Types() {
		if typ == events.LoginLocked {
			found = true
		}
	}
	if !found {
		t.Error("expected login.locked event")
	}
}

func TestLoginRequiresLoginPermission(t *testing.T) {
	f := newFixture(t)
	viewer := f.createRole("viewer", models.PermIdentityRead)
	f.createUser("viewer@acme.test", "viewer-password", viewer)

	_, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: "viewer@acme.test", Password: "viewer-password"})
	requireCode(t, err, apperrors.ErrCodeInvalidCredentials)
}

func TestLoginRejectsInactiveUsers(t *testing.T) {
	f := newFixture(t)
	staff := f.createUser("staff@acme.test", "staff-password", f.roleID(models.RoleAdmin))
	if _, err := f.users.Block(f.ctx, f.admin, staff.ID); err != nil {
		t.Fatalf("block: %v", err)
	}

	_, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: "staff@acme.test", Password: "staff-password"})
	requireCode(t, err, apperrors.ErrCodeInvalidCredentials)
	if u := f.storedUser(f.tenantID, staff.ID); u.FailedLoginCount != 0 {
		t.Errorf("blocked user failure count = %d, want 0", u.FailedLoginCount)
	}
}

func TestAuthenticateFailsClosed(t *testing.T) {
	f := newFixture(t)

	res := f.loginResult(f.tenantID, adminEmail, adminPassword)
	if _, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token}); err != nil {
		t.Fatalf("fresh session: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"unknown token", "not-a-real-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: tt.token})
			requireCode(t, err, apperrors.ErrCodeUnauthenticated)
		})
	}

	t.Run("expired", func(t *testing.T) {
		f.advance(8*time.Hour + time.Second)
		_, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token})
		requireCode(t, err, apperrors.ErrCodeUnauthenticated)
	})
}

func TestAuthenticateRejectsStampMismatch(t *testing.T) {
	f := newFixture(t)
	res := f.loginResult(f.tenantID, adminEmail, adminPassword)

	// 只轮换安全戳，不撤销会话
	err := f.store.WithinTx(f.ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(f.tenantID, res.UserID)
		if err != nil {
			return err
		}
		u.RotateSecurityStamp()
		return tx.SaveUser(u)
	})
	if err != nil {
		t.Fatalf("rotate stamp: %v", err)
	}

	_, err = f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token})
	requireCode(t, err, apperrors.ErrCodeUnauthenticated)
}

func TestAuthenticateRejectsSuspendedTenant(t *testing.T) {
	f := newFixture(t)
	res := f.loginResult(f.tenantID, adminEmail, adminPassword)
	if _, err := f.tenants.ChangeStatus(f.ctx, nil, f.tenantID, models.TenantStatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token})
	requireCode(t, err, apperrors.ErrCodeUnauthenticated)

	if _, err := f.tenants.ChangeStatus(f.ctx, nil, f.tenantID, models.TenantStatusActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token}); err != nil {
		t.Fatalf("session should be valid again: %v", err)
	}
}

func TestAuthenticatePlatformPathAndTenantHeader(t *testing.T) {
	f := newFixture(t)
	res := f.loginResult(f.tenantID, adminEmail, adminPassword)

	_, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token, Path: "/api/v1/platform/tenants"})
	requireCode(t, err, apperrors.ErrCodePlatformOnly)

	_, err = f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token, TenantHeader: uuid.NewString()})
	requireCode(t, err, apperrors.ErrCodeTenantMismatch)

	_, err = f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token, TenantHeader: "garbage"})
	requireCode(t, err, apperrors.ErrCodeTenantMismatch)

	p, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token, TenantHeader: f.tenantID.String()})
	if err != nil {
		t.Fatalf("matching header: %v", err)
	}
	if p.IsPlatform {
		t.Error("tenant session must not be platform")
	}

	platformID := models.DefaultPlatformTenantID
	created, err := f.tenants.EnsurePlatformTenant(f.ctx, platformID, "Platform")
	if err != nil || !created {
		t.Fatalf("EnsurePlatformTenant: created=%v err=%v", created, err)
	}
	if created, _ := f.tenants.EnsurePlatformTenant(f.ctx, platformID, "Platform"); created {
		t.Error("second EnsurePlatformTenant should be a no-op")
	}
	if _, err := f.tenants.BootstrapPlatformAdmin(f.ctx, platformID, "root@platform.test", "root-password"); err != nil {
		t.Fatalf("BootstrapPlatformAdmin: %v", err)
	}
	rootRes := f.loginResult(platformID, "root@platform.test", "root-password")
	root, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: rootRes.Token, Path: "/api/v1/platform/tenants"})
	if err != nil {
		t.Fatalf("platform session on platform path: %v", err)
	}
	if !root.IsPlatform || !root.Has(models.PermPlatformTenantsManage) {
		t.Errorf("platform principal = %+v", root)
	}
}

func TestAuthenticateTouchesStaleSessions(t *testing.T) {
	f := newFixture(t)
	res := f.loginResult(f.tenantID, adminEmail, adminPassword)
	issued := f.clock()

	lastSeen := func() time.Time {
		var seen time.Time
		_ = f.store.WithinTx(f.ctx, func(tx store.Tx) error {
			s, err := tx.FindSessionByHash(credential.HashToken(res.Token))
			if err != nil {
				return err
			}
			seen = s.LastSeenAt
			return nil
		})
		return seen
	}

	f.advance(time.Minute)
	if _, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token}); err != nil {
		t.Fatal(err)
	}
	if got := lastSeen(); !got.Equal(issued) {
		t.Errorf("fresh session touched: %v", got)
	}

	f.advance(5 * time.Minute)
	if _, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token}); err != nil {
		t.Fatal(err)
	}
	if got := lastSeen(); !got.Equal(f.clock()) {
		t.Errorf("stale session last seen = %v, want %v", got, f.clock())
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	res := f.loginResult(f.tenantID, adminEmail, adminPassword)
	p, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := f.auth.Logout(f.ctx, p, res.Token); err != nil {
			t.Fatalf("logout #%d: %v", i+1, err)
		}
	}
	_, err = f.sessions.Authenticate(f.ctx, AuthRequest{Token: res.Token})
	requireCode(t, err, apperrors.ErrCodeUnauthenticated)

	// 其他用户的令牌视为不存在
	staff := f.createUser("staff@acme.test", "staff-password", f.roleID(models.RoleAdmin))
	staffRes := f.loginResult(f.tenantID, "staff@acme.test", "staff-password")
	err = f.auth.Logout(f.ctx, f.admin, staffRes.Token)
	requireCode(t, err, apperrors.ErrCodeSessionNotFound)
	if _, err := f.sessions.Authenticate(f.ctx, AuthRequest{Token: staffRes.Token}); err != nil {
		t.Errorf("staff session %s should survive: %v", staff.ID, err)
	}
}

func TestMeReflectsCurrentRoles(t *testing.T) {
	f := newFixture(t)
	me, err := f.auth.Me(f.ctx, f.admin)
	if err != nil {
		t.Fatal(err)
	}
	if me.Email != adminEmail || me.Status != models.UserStatusActive || len(me.Roles) != 1 {
		t.Errorf("me = %+v", me)
	}
}

func TestPasswordResetRoundTrip(t *testing.T) {
	f := newFixture(t)
	oldSession := f.loginResult(f.tenantID, adminEmail, adminPassword)

	if err := f.auth.RequestPasswordReset(f.ctx, f.tenantID, "Admin@Acme.test"); err != nil {
		t.Fatalf("request: %v", err)
	}
	first := f.lastToken(MailKindPasswordReset)
	if err := f.auth.RequestPasswordReset(f.ctx, f.tenantID, adminEmail); err != nil {
		t.Fatalf("second request: %v", err)
	}
	token := f.lastToken(MailKindPasswordReset)
	if token == first {
		t.Fatal("each request must issue a new token")
	}

	err := f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, first, "brand-new-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)

	err = f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, token, "short")
	requireCode(t, err, apperrors.ErrCodeInvalidPassword)

	if err := f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, token, "brand-new-password"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	err = f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, token, "another-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)

	_, err = f.sessions.Authenticate(f.ctx, AuthRequest{Token: oldSession.Token})
	requireCode(t, err, apperrors.ErrCodeUnauthenticated)

	_, err = f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: adminEmail, Password: adminPassword})
	requireCode(t, err, apperrors.ErrCodeInvalidCredentials)
	f.loginResult(f.tenantID, adminEmail, "brand-new-password")
}

func TestPasswordResetTokenExpires(t *testing.T) {
	f := newFixture(t)
	if err := f.auth.RequestPasswordReset(f.ctx, f.tenantID, adminEmail); err != nil {
		t.Fatal(err)
	}
	token := f.lastToken(MailKindPasswordReset)

	f.advance(30*time.Minute + time.Second)
	err := f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, token, "brand-new-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)

	other := f.createTenant("Other")
	f.advance(-time.Hour)
	err = f.auth.ConfirmPasswordReset(f.ctx, other, token, "brand-new-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)
}

func TestPasswordResetRequestAlwaysSucceeds(t *testing.T) {
	f := newFixture(t)
	staff := f.createUser("staff@acme.test", "staff-password", f.roleID(models.RoleAdmin))
	if _, err := f.users.Deactivate(f.ctx, f.admin, staff.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		tenantID uuid.UUID
		email    string
	}{
		{"unknown email", f.tenantID, "ghost@acme.test"},
		{"unknown tenant", uuid.New(), adminEmail},
		{"inactive user", f.tenantID, "staff@acme.test"},
		{"blank email", f.tenantID, "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.auth.RequestPasswordReset(f.ctx, tt.tenantID, tt.email); err != nil {
				t.Fatalf("err = %v", err)
			}
		})
	}
	f.auth.Wait()
	if n := len(f.mailer.sent()); n != 0 {
		t.Errorf("mails sent = %d, want 0", n)
	}

	f.mailer.err = errors.New("smtp down")
	if err := f.auth.RequestPasswordReset(f.ctx, f.tenantID, adminEmail); err != nil {
		t.Fatalf("mail failure must not surface: %v", err)
	}
	f.auth.Wait()
}

func TestPasswordResetRequestReturnsBeforeIssuing(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.mailer.mu.Lock()
	f.mailer.gate = gate
	f.mailer.mu.Unlock()

	// 调用方取消 ctx 后后台签发仍需完成
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	for _, email := range []string{adminEmail, "ghost@acme.test"} {
		if err := f.auth.RequestPasswordReset(ctx, f.tenantID, email); err != nil {
			t.Fatalf("%s: err = %v", email, err)
		}
	}
	if n := len(f.mailer.sent()); n != 0 {
		t.Fatalf("mail sent before request returned: %d", n)
	}

	close(gate)
	f.auth.Wait()
	mails := f.mailer.sent()
	if len(mails) != 1 || mails[0].To != adminEmail {
		t.Fatalf("mails = %+v", mails)
	}
	resets := 0
	for _, typ := range f.recorder.Types() {
		if typ == events.PasswordResetRequest {
			resets++
		}
	}
	if resets != 1 {
		t.Errorf("reset events = %d, want 1", resets)
	}
}

func TestAcceptInviteActivatesPendingUser(t *testing.T) {
	f := newFixture(t)
	invited := f.createUser("new@acme.test", "", f.roleID(models.RoleAdmin))
	if invited.Status != models.UserStatusPending {
		t.Fatalf("status = %s, want PENDING", invited.Status)
	}
	token := f.lastToken(MailKindInvite)

	_, err := f.auth.Login(f.ctx, f.tenantID, LoginInput{Email: "new@acme.test", Password: "whatever-pass"})
	requireCode(t, err, apperrors.ErrCodeInvalidCredentials)

	err = f.auth.ConfirmPasswordReset(f.ctx, f.tenantID, token, "invitee-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)

	if err := f.auth.AcceptInvite(f.ctx, f.tenantID, token, "invitee-password"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if u := f.storedUser(f.tenantID, invited.ID); u.Status != models.UserStatusActive {
		t.Errorf("status = %s, want ACTIVE", u.Status)
	}
	f.loginResult(f.tenantID, "new@acme.test", "invitee-password")

	err = f.auth.AcceptInvite(f.ctx, f.tenantID, token, "invitee-password")
	requireCode(t, err, apperrors.ErrCodeResetTokenInvalid)
}
