package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nimbusd/pkg/config"
	"nimbusd/pkg/models"
)

func signFor(key, userID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

func setSigningKeys(t *testing.T, keys ...string) {
	t.Helper()
	m := map[string]struct{}{}
	for _, k := range keys {
		m[k] = struct{}{}
	}
	config.SetRuntime(&config.RuntimeConfig{BackendKeys: m, SigningKeys: m})
	t.Cleanup(func() { config.SetRuntime(nil) })
}

func TestRequireSignedUserVerifiesSignature(t *testing.T) {
	setSigningKeys(t, "sekrit")

	var gotUser string
	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Signature", signFor("sekrit", "alice"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotUser != "alice" {
		t.Fatalf("expected verified user alice, got %q", gotUser)
	}
}

func TestRequireSignedUserRejectsBadSignature(t *testing.T) {
	setSigningKeys(t, "sekrit")

	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Signature", signFor("wrong-key", "alice"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid signature") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestRequireSignedUserPassesUnsignedGuests(t *testing.T) {
	setSigningKeys(t, "sekrit")

	called := false
	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if id := UserIDFromContext(r.Context()); id != "" {
			t.Fatalf("unsigned request must not carry a verified user, got %q", id)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !called {
		t.Fatalf("expected guest pass-through, got %d called=%v", rr.Code, called)
	}
}

func TestOwnerFromRequestPrecedence(t *testing.T) {
	setSigningKeys(t, "sekrit")

	// signature-verified user wins
	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, status, msg := OwnerFromRequest(r)
		if status != 0 {
			t.Fatalf("resolve failed: %d %s", status, msg)
		}
		if owner.Kind != models.OwnerUser || owner.ID != "alice" {
			t.Fatalf("expected user:alice, got %+v", owner)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Signature", signFor("sekrit", "alice"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	// backend may name a user without a signature
	req = httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("X-User-ID", "bob")
	owner, status, _ := OwnerFromRequest(req)
	if status != 0 || owner.Kind != models.OwnerUser || owner.ID != "bob" {
		t.Fatalf("expected user:bob, got %+v status=%d", owner, status)
	}

	// guest header next, normalized
	req = httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Guest-ID", "203.0.113.9")
	owner, status, _ = OwnerFromRequest(req)
	if status != 0 || owner.Kind != models.OwnerGuest || owner.ID != "203_0_113_9" {
		t.Fatalf("expected guest:203_0_113_9, got %+v status=%d", owner, status)
	}

	// remote address is the last resort
	req = httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.RemoteAddr = "198.51.100.7:55000"
	owner, status, _ = OwnerFromRequest(req)
	if status != 0 || owner.Kind != models.OwnerGuest || owner.ID != "198_51_100_7" {
		t.Fatalf("expected guest:198_51_100_7, got %+v status=%d", owner, status)
	}
}

func TestOwnerFromRequestRejectsHeaderMismatch(t *testing.T) {
	setSigningKeys(t, "sekrit")

	h := RequireSignedUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-User-ID", "mallory")
		_, status, _ := OwnerFromRequest(r)
		if status != http.StatusForbidden {
			t.Fatalf("expected 403 on mismatch, got %d", status)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Signature", signFor("sekrit", "alice"))
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestAuthenticateRequestMiddlewareRoles(t *testing.T) {
	cfg := SecConfig{
		BackendKeys:  map[string]struct{}{"bk": {}},
		FrontendKeys: map[string]struct{}{"fk": {}},
		AdminKeys:    map[string]struct{}{"ak": {}},
		RPS:          100,
		Burst:        100,
	}
	var seenRole string
	h := AuthenticateRequestMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRole = r.Header.Get("X-Role-Name")
	}))

	cases := []struct {
		key      string
		path     string
		wantCode int
		wantRole string
	}{
		{"bk", "/v1/threads", http.StatusOK, "backend"},
		{"ak", "/v1/threads", http.StatusOK, "admin"},
		{"fk", "/v1/generate", http.StatusOK, "frontend"},
		{"fk", "/admin/anything", http.StatusForbidden, ""},
		{"nope", "/v1/threads", http.StatusUnauthorized, ""},
		{"", "/v1/threads", http.StatusUnauthorized, ""},
	}
	for _, c := range cases {
		seenRole = ""
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		if c.key != "" {
			req.Header.Set("X-API-Key", c.key)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != c.wantCode {
			t.Fatalf("key=%q path=%s: expected %d, got %d", c.key, c.path, c.wantCode, rr.Code)
		}
		if c.wantRole != "" && seenRole != c.wantRole {
			t.Fatalf("key=%q: expected role %q, got %q", c.key, c.wantRole, seenRole)
		}
	}
}

func TestHealthProbesBypassAuth(t *testing.T) {
	h := AuthenticateRequestMiddleware(SecConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, p := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 without key, got %d", p, rr.Code)
		}
	}
}
