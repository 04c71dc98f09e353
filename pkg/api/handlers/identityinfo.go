package handlers

import (
	"net/http"

	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterIdentity registers the identity echo endpoint.
func (a *API) RegisterIdentity(r *mux.Router) {
	r.HandleFunc("/identity", a.identityInfo).Methods(http.MethodGet)
}

type identityResponse struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Key  string `json:"key"`
}

// identityInfo handles GET /identity: tells the caller who the server
// thinks they are. Clients call this once at session start and pin the
// returned guest id via X-Guest-ID on later requests. When the caller is
// a guest whose address the server only sees through a private hop, the
// configured address-echo service supplies the public one instead.
func (a *API) identityInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	if owner.Kind == models.OwnerGuest && r.Header.Get("X-Guest-ID") == "" && a.Lookup != nil {
		if addr, err := a.Lookup.Fetch(r.Context()); err == nil && addr != "" {
			owner = models.GuestOwner(utils.NormalizeAddr(addr))
		}
	}

	kind := "user"
	if owner.Kind == models.OwnerGuest {
		kind = "guest"
	}
	utils.JSONWrite(w, http.StatusOK, identityResponse{Kind: kind, ID: owner.ID, Key: owner.Key()})
}
