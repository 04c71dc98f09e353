package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"nimbusd/pkg/inference"
	"nimbusd/pkg/models"
	"nimbusd/pkg/session"
	"nimbusd/pkg/store"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterGenerate registers the generation endpoints.
func (a *API) RegisterGenerate(r *mux.Router) {
	r.HandleFunc("/generate", a.generate).Methods(http.MethodPost)
	r.HandleFunc("/models", a.listModels).Methods(http.MethodGet)
}

type generateRequest struct {
	Message string              `json:"message"`
	Files   []models.Attachment `json:"files,omitempty"`
	Model   string              `json:"model,omitempty"`
	// Thread targets a specific thread; empty continues the session's
	// active thread, creating one if needed.
	Thread string `json:"thread,omitempty"`
}

type generateResponse struct {
	Thread   models.Thread   `json:"thread"`
	Exchange models.Exchange `json:"exchange"`
	State    string          `json:"state"`
}

// generate handles POST /generate: one full user turn through the owner's
// session. The response is returned whole once generation completes.
func (a *API) generate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctrl := a.Sessions.Get(owner)
	if req.Thread != "" {
		if err := ctrl.SelectThread(req.Thread); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	res, err := ctrl.Submit(r.Context(), req.Message, req.Files, req.Model)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, generateResponse{
		Thread:   res.Thread,
		Exchange: res.Exchange,
		State:    ctrl.State().String(),
	})
}

// createExchange handles POST /threads/{id}/exchanges: like generate, but
// bound to the named thread.
func (a *API) createExchange(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctrl := a.Sessions.Get(owner)
	if err := ctrl.SelectThread(id); err != nil {
		writeStoreError(w, err)
		return
	}
	res, err := ctrl.Submit(r.Context(), req.Message, req.Files, req.Model)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, generateResponse{
		Thread:   res.Thread,
		Exchange: res.Exchange,
		State:    ctrl.State().String(),
	})
}

// listModels handles GET /models.
func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ms := a.Models
	if len(ms) == 0 {
		ms = []string{a.DefaultModel}
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Default string   `json:"default"`
		Models  []string `json:"models"`
	}{Default: a.DefaultModel, Models: ms})
}

// writeSubmitError maps submission failures. Upstream generation problems
// are the upstream's fault, not ours, hence 502.
func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyInput),
		errors.Is(err, session.ErrThreadBusy),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrRevisionConflict):
		writeStoreError(w, err)
	case errors.Is(err, inference.ErrUnauthorized):
		utils.JSONError(w, http.StatusBadGateway, "assistant could not authenticate with its model provider")
	default:
		utils.JSONError(w, http.StatusBadGateway, "assistant could not produce a response")
	}
}
