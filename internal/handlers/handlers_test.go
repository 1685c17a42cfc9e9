package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tenantgate/pkg/config"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseSameSite(t *testing.T) {
	tests := map[string]http.SameSite{
		"strict":  http.SameSiteStrictMode,
		" None ":  http.SameSiteNoneMode,
		"lax":     http.SameSiteLaxMode,
		"":        http.SameSiteLaxMode,
		"unknown": http.SameSiteLaxMode,
	}
	for in, want := range tests {
		if got := ParseSameSite(in); got != want {
			t.Errorf("ParseSameSite(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewCookieSettingsDefaultsName(t *testing.T) {
	s := NewCookieSettings(config.AuthConfig{CookieSecure: true, CookieSameSite: "strict"})
	if s.Name != "SESSION" || !s.Secure || s.SameSite != http.SameSiteStrictMode {
		t.Errorf("settings = %+v", s)
	}
}

func TestBindJSONRejectsBlank(t *testing.T) {
	if err := RegisterValidators(); err != nil {
		t.Fatalf("RegisterValidators: %v", err)
	}
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"email":"a@b.test","password":"x"}`, true},
		{"blank email", `{"email":"  ","password":"x"}`, false},
		{"missing password", `{"email":"a@b.test"}`, false},
		{"malformed", `{"email":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req LoginRequest
			if got := bindJSON(c, &req); got != tt.ok {
				t.Fatalf("bindJSON = %v, want %v", got, tt.ok)
			}
			if !tt.ok && w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ids, ok := parseIDs(c, []string{" 00000000-0000-0000-0000-000000000001 "})
	if !ok || len(ids) != 1 {
		t.Fatalf("parseIDs = %v, %v", ids, ok)
	}
	if _, ok := parseIDs(c, []string{"nope"}); ok || w.Code != http.StatusBadRequest {
		t.Errorf("invalid id accepted, status %d", w.Code)
	}
}
