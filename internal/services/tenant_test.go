package services

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"tenantgate/internal/models"
	"tenantgate/internal/store"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/events"

	"github.com/google/uuid"
)

func TestCreateTenantAllocatesUniqueSlugs(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		slug string
	}{
		{"Acme Corp", "acme-corp"},
		{"Acme-Corp!", "acme-corp-2"},
		{"ACME  corp.", "acme-corp-3"},
		{"!!!", "tenant"},
		{"???", "tenant-2"},
	}
	for _, tt := range tests {
		view, err := f.tenants.Create(f.ctx, nil, CreateTenantInput{Name: tt.name})
		if err != nil {
			t.Fatalf("create %q: %v", tt.name, err)
		}
		if view.Slug != tt.slug {
			t.Errorf("slug for %q = %s, want %s", tt.name, view.Slug, tt.slug)
		}
		if view.Plan != models.TenantPlanBasic || view.Status != models.TenantStatusActive || string(view.Settings) != "{}" {
			t.Errorf("defaults for %q = %+v", tt.name, view)
		}

		id, err := f.tenants.ResolveTenantID(f.ctx, "  "+tt.slug+" ")
		if err != nil || id != view.ID {
			t.Errorf("ResolveTenantID(%s) = %v, %v", tt.slug, id, err)
		}
	}

	found := 0
	for _, typ := range f.recorder.Types() {
		if typ == events.TenantCreated {
			found++
		}
	}
	if found != len(tests)+1 {
		t.Errorf("tenant.created events = %d", found)
	}
}

func TestCreateTenantValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   CreateTenantInput
		code string
	}{
		{"duplicate name", CreateTenantInput{Name: "  acme "}, apperrors.ErrCodeTenantDuplicateName},
		{"short name", CreateTenantInput{Name: "A"}, apperrors.ErrCodeValidation},
		{"bad plan", CreateTenantInput{Name: "Globex", Plan: "GOLD"}, apperrors.ErrCodeTenantInvalidPlan},
		{"settings array", CreateTenantInput{Name: "Globex", Settings: json.RawMessage(`[1,2]`)}, apperrors.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tenants.Create(f.ctx, nil, tt.in)
			requireCode(t, err, tt.code)
		})
	}

	view, err := f.tenants.Create(f.ctx, nil, CreateTenantInput{
		Name:     "Globex",
		Plan:     "pro",
		Settings: json.RawMessage(`{"locale":"zh-CN"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if view.Plan != models.TenantPlanPro || string(view.Settings) != `{"locale":"zh-CN"}` {
		t.Errorf("view = %+v", view)
	}
}

func TestSlugExhaustion(t *testing.T) {
	f := newFixture(t)
	err := f.store.WithinTx(f.ctx, func(tx store.Tx) error {
		for i := 1; i <= MaxSlugAttempts; i++ {
			key := models.NewTenantKey(uuid.New(), models.TenantKeyTypeSlug, models.SlugCandidate("globex", i), f.clock())
			if err := tx.CreateTenantKey(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.tenants.Create(f.ctx, nil, CreateTenantInput{Name: "Globex"})
	requireCode(t, err, apperrors.ErrCodeTenantSlugTaken)
}

func TestTenantUpdateStatusAndPlan(t *testing.T) {
	f := newFixture(t)
	other := f.createTenant("Other")

	name := "Acme Holdings"
	view, err := f.tenants.Update(f.ctx, f.tenantID, UpdateTenantInput{Name: &name, Settings: json.RawMessage(`{"theme":"dark"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if view.Name != name || view.Slug != "acme" {
		t.Errorf("view = %+v", view)
	}

	dup := "OTHER"
	_, err = f.tenants.Update(f.ctx, f.tenantID, UpdateTenantInput{Name: &dup})
	requireCode(t, err, apperrors.ErrCodeTenantDuplicateName)

	_, err = f.tenants.ChangeStatus(f.ctx, nil, other, "PAUSED")
	requireCode(t, err, apperrors.ErrCodeTenantInvalidStatus)

	for _, status := range []string{models.TenantStatusCanceled, models.TenantStatusSuspended, models.TenantStatusActive} {
		view, err := f.tenants.ChangeStatus(f.ctx, nil, other, status)
		if err != nil {
			t.Fatalf("status %s: %v", status, err)
		}
		if view.Status != status {
			t.Errorf("status = %s, want %s", view.Status, status)
		}
	}

	view, err = f.tenants.ChangePlan(f.ctx, other, "enterprise")
	if err != nil || view.Plan != models.TenantPlanEnterprise {
		t.Fatalf("ChangePlan = %+v, %v", view, err)
	}
	_, err = f.tenants.ChangePlan(f.ctx, other, "")
	requireCode(t, err, apperrors.ErrCodeTenantInvalidPlan)

	_, err = f.tenants.Get(f.ctx, uuid.New())
	requireCode(t, err, apperrors.ErrCodeTenantNotFound)
}

func TestRequireActive(t *testing.T) {
	f := newFixture(t)
	if _, err := f.tenants.RequireActive(f.ctx, f.tenantID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tenants.ChangeStatus(f.ctx, nil, f.tenantID, models.TenantStatusCanceled); err != nil {
		t.Fatal(err)
	}
	_, err := f.tenants.RequireActive(f.ctx, f.tenantID)
	requireCode(t, err, apperrors.ErrCodeTenantNotActive)

	_, err = f.tenants.RequireActive(f.ctx, uuid.New())
	requireCode(t, err, apperrors.ErrCodeTenantNotFound)
}

func TestBootstrapAdminOnlyOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.tenants.BootstrapAdmin(f.ctx, f.tenantID, BootstrapAdminInput{Email: "second@acme.test", Password: "second-password"})
	requireCode(t, err, apperrors.ErrCodeTenantBootstrapped)

	fresh, err := f.tenants.Create(f.ctx, nil, CreateTenantInput{Name: "Fresh"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.tenants.BootstrapAdmin(f.ctx, fresh.ID, BootstrapAdminInput{Email: "owner@fresh.test", Password: "short"})
	requireCode(t, err, apperrors.ErrCodeInvalidPassword)

	owner, err := f.tenants.BootstrapAdmin(f.ctx, fresh.ID, BootstrapAdminInput{Email: "Owner@Fresh.test", Password: "owner-password"})
	if err != nil {
		t.Fatal(err)
	}
	if owner.Email != "owner@fresh.test" || owner.Status != models.UserStatusActive {
		t.Errorf("owner = %+v", owner)
	}
	if len(owner.Roles) != 1 || owner.Roles[0].Name != models.RoleAdmin {
		t.Errorf("roles = %+v", owner.Roles)
	}

	_, err = f.tenants.BootstrapAdmin(f.ctx, uuid.New(), BootstrapAdminInput{Email: "x@x.test", Password: "owner-password"})
	requireCode(t, err, apperrors.ErrCodeTenantNotFound)
}

func TestResolveFromHeaders(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		key  string
		id   string
		want uuid.UUID
		code string
	}{
		{"slug", "ACME", "", f.tenantID, ""},
		{"slug wins over id", "acme", uuid.NewString(), f.tenantID, ""},
		{"id", "", f.tenantID.String(), f.tenantID, ""},
		{"unknown slug", "nope", "", uuid.Nil, apperrors.ErrCodeTenantNotFound},
		{"bad id", "", "not-a-uuid", uuid.Nil, apperrors.ErrCodeTenantRequired},
		{"missing", " ", "", uuid.Nil, apperrors.ErrCodeTenantRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.tenants.ResolveFromHeaders(f.ctx, tt.key, tt.id)
			if tt.code != "" {
				requireCode(t, err, tt.code)
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %v, %v", got, err)
			}
		})
	}
}

func TestListTenants(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.advance(time.Second)
		if _, err := f.tenants.Create(f.ctx, nil, CreateTenantInput{Name: fmt.Sprintf("Tenant %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	page, total, err := f.tenants.List(f.ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total = %d, len = %d", total, len(page))
	}
	for _, v := range page {
		if v.Slug == "" {
			t.Errorf("tenant %s has no slug", v.ID)
		}
	}
}
