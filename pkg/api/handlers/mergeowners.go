package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterMerge registers the guest-merge endpoint.
func (a *API) RegisterMerge(r *mux.Router) {
	r.HandleFunc("/owners/merge", a.mergeOwners).Methods(http.MethodPost)
}

// mergeOwners handles POST /owners/merge. The caller must resolve to an
// authenticated user; the body names the guest namespace to absorb. The
// operation is idempotent, so clients may retry it after any failure.
func (a *API) mergeOwners(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	if owner.Kind != models.OwnerUser {
		utils.JSONError(w, http.StatusForbidden, "merge requires an authenticated user")
		return
	}

	var body struct {
		GuestID string `json:"guest_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	guestID := utils.NormalizeAddr(strings.TrimSpace(body.GuestID))
	if guestID == "" {
		utils.JSONError(w, http.StatusBadRequest, "guest_id required")
		return
	}

	sum, err := a.Merger.Run(models.GuestOwner(guestID), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// the guest session, if any, is finished
	a.Sessions.Drop(models.GuestOwner(guestID))

	utils.JSONWrite(w, http.StatusOK, sum)
}
