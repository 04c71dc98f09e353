package handlers

import (
	"errors"
	"net/http"

	"nimbusd/pkg/auth"
	"nimbusd/pkg/identity"
	"nimbusd/pkg/inference"
	"nimbusd/pkg/merge"
	"nimbusd/pkg/models"
	"nimbusd/pkg/session"
	"nimbusd/pkg/store"
	"nimbusd/pkg/utils"
)

// API bundles the collaborators handlers need. Everything is injected;
// handlers keep no package-level state.
type API struct {
	Store        *store.Store
	Sessions     *session.Manager
	Merger       *merge.Merger
	DefaultModel string
	Models       []string
	// Lookup is optional; nil means guests are always identified by the
	// address the server saw directly.
	Lookup *identity.IPLookup
}

// resolveOwner resolves the request owner or writes the error response,
// returning ok=false.
func resolveOwner(w http.ResponseWriter, r *http.Request) (models.Owner, bool) {
	owner, status, msg := auth.OwnerFromRequest(r)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return models.Owner{}, false
	}
	return owner, true
}

// writeStoreError maps storage and session errors to HTTP responses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrRevisionConflict):
		utils.JSONError(w, http.StatusConflict, "revision conflict")
	case errors.Is(err, session.ErrEmptyInput):
		utils.JSONError(w, http.StatusBadRequest, "nothing to send")
	case errors.Is(err, session.ErrThreadBusy):
		utils.JSONError(w, http.StatusConflict, "request already in flight for this thread")
	case errors.Is(err, inference.ErrUnauthorized):
		utils.JSONError(w, http.StatusBadGateway, "assistant could not authenticate with its model provider")
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}
