package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"nimbusd/pkg/config"
	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

type ctxUserKey struct{}

// RequireSignedUser verifies HMAC signature headers and injects the
// verified user id into the request context. Backend/admin callers may
// omit the signature and supply X-User-ID directly; everyone else needs
// X-User-ID plus X-User-Signature signed with a configured signing key.
func RequireSignedUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Role-Name")
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))

		if role == "backend" || role == "admin" {
			if sig == "" {
				// trusted caller, no signature to verify
				next.ServeHTTP(w, r)
				return
			}
			// signature present -> verify it like anyone else's
		}

		if sig == "" {
			// unsigned frontend request: the caller stays a guest; owner
			// resolution falls back to the guest identifier
			next.ServeHTTP(w, r)
			return
		}
		if userID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		keys := config.GetSigningKeys()
		if len(keys) == 0 {
			logger.Error("no_signing_keys_configured")
			utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
			return
		}

		ok := false
		for k := range keys {
			mac := hmac.New(sha256.New, []byte(k))
			mac.Write([]byte(userID))
			expected := hex.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(expected), []byte(sig)) {
				ok = true
				break
			}
		}
		if !ok {
			logger.Warn("invalid_signature", "user", userID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		logger.Info("signature_verified", "user", userID)
		ctx := context.WithValue(r.Context(), ctxUserKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the signature-verified user id or empty string.
func UserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxUserKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func validateUserID(id string) (bool, string) {
	if id == "" {
		return false, "user id required"
	}
	if len(id) > 128 {
		return false, "user id too long"
	}
	return true, ""
}

// OwnerFromRequest is the single canonical owner resolver handlers call.
// Precedence:
//
//  1. a signature-verified user id (authoritative; conflicting headers 403)
//  2. for backend/admin roles, an X-User-ID header without a signature
//  3. the X-Guest-ID header, normalized
//  4. the client remote address, normalized
//
// The last two yield a guest owner whose namespace is separate from every
// user namespace. On failure it returns a non-zero status and message.
func OwnerFromRequest(r *http.Request) (models.Owner, int, string) {
	if id := UserIDFromContext(r.Context()); id != "" {
		if h := strings.TrimSpace(r.Header.Get("X-User-ID")); h != "" && h != id {
			logger.Warn("user_mismatch_signature_header", "signature", id, "header", h, "path", r.URL.Path)
			return models.Owner{}, http.StatusForbidden, "user mismatch between signature and header"
		}
		return models.UserOwner(id), 0, ""
	}

	role := r.Header.Get("X-Role-Name")
	if role == "backend" || role == "admin" {
		if h := strings.TrimSpace(r.Header.Get("X-User-ID")); h != "" {
			if ok, msg := validateUserID(h); !ok {
				return models.Owner{}, http.StatusBadRequest, msg
			}
			return models.UserOwner(h), 0, ""
		}
	}

	if g := strings.TrimSpace(r.Header.Get("X-Guest-ID")); g != "" {
		norm := utils.NormalizeAddr(g)
		if ok, msg := validateUserID(norm); !ok {
			return models.Owner{}, http.StatusBadRequest, msg
		}
		return models.GuestOwner(norm), 0, ""
	}

	ip := clientIP(r)
	if ip == "" {
		// cannot derive any identity; hand out a random guest so the
		// request still proceeds with an isolated namespace
		return models.GuestOwner(utils.GenGuestID()), 0, ""
	}
	return models.GuestOwner(utils.NormalizeAddr(ip)), 0, ""
}
