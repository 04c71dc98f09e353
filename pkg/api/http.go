// Package api builds the HTTP surface of the server.
package api

import (
	"net/http"
	"strings"

	"nimbusd/pkg/api/handlers"
	"nimbusd/pkg/auth"
	"nimbusd/pkg/identity"
	"nimbusd/pkg/merge"
	"nimbusd/pkg/session"
	"nimbusd/pkg/store"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// Deps carries everything the API serves from. All collaborators are
// injected at construction.
type Deps struct {
	Store        *store.Store
	Sessions     *session.Manager
	Merger       *merge.Merger
	DefaultModel string
	Models       []string
	Lookup       *identity.IPLookup
	// Identity promotes guest sessions on sign-in; its promote hooks run
	// the guest merge. Optional: nil disables automatic promotion.
	Identity *identity.Registry
}

// Handler returns the versioned API router. Every /v1 route runs behind
// the signed-identity middleware; the gateway middleware (API keys, CORS,
// rate limits) wraps the whole server one level up.
func Handler(d Deps) http.Handler {
	a := &handlers.API{
		Store:        d.Store,
		Sessions:     d.Sessions,
		Merger:       d.Merger,
		DefaultModel: d.DefaultModel,
		Models:       d.Models,
		Lookup:       d.Lookup,
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireSignedUser)
	if d.Identity != nil {
		v1.Use(promoteOnSignIn(d.Identity))
	}
	a.RegisterThreads(v1)
	a.RegisterGenerate(v1)
	a.RegisterSettings(v1)
	a.RegisterMerge(v1)
	a.RegisterIdentity(v1)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		utils.JSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		utils.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// promoteOnSignIn watches for signature-verified requests that still carry
// the guest identifier the caller used before signing in, and promotes
// that guest session. Promotion fires the registry's promote hooks, which
// run the guest merge; the registry guarantees it happens at most once
// per guest.
func promoteOnSignIn(reg *identity.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := auth.UserIDFromContext(r.Context()); userID != "" {
				if g := strings.TrimSpace(r.Header.Get("X-Guest-ID")); g != "" {
					reg.Authenticate(utils.NormalizeAddr(g), userID)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
