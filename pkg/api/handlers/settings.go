package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"nimbusd/pkg/models"
	"nimbusd/pkg/store"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterSettings registers the per-owner settings routes.
func (a *API) RegisterSettings(r *mux.Router) {
	r.HandleFunc("/settings", a.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", a.putSettings).Methods(http.MethodPut)
}

// getSettings handles GET /settings. Owners who never saved a profile get
// the defaults rather than a 404.
func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	us, err := a.Store.GetSettings(owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONWrite(w, http.StatusOK, models.DefaultSettings())
			return
		}
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, us)
}

// putSettings handles PUT /settings: a full-document save of the owner's
// profile.
func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	var us models.UserSettings
	if err := json.NewDecoder(r.Body).Decode(&us); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := validateSettings(us); msg != "" {
		utils.JSONError(w, http.StatusBadRequest, msg)
		return
	}
	if err := a.Store.SaveSettings(owner, us); err != nil {
		writeStoreError(w, err)
		return
	}
	saved, err := a.Store.GetSettings(owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, saved)
}

func validateSettings(us models.UserSettings) string {
	if len(us.AIName) > 64 {
		return "ai_name too long"
	}
	p := us.Persona
	if p.HumorLevel < 0 || p.HumorLevel > 10 {
		return "humor_level must be between 0 and 10"
	}
	if p.EmpathyLevel < 0 || p.EmpathyLevel > 10 {
		return "empathy_level must be between 0 and 10"
	}
	if len(p.Rules) > 64 {
		return "too many persona rules"
	}
	for _, rule := range p.Rules {
		if rule.Append == "" && (rule.Replace == nil || rule.Replace.Old == "") {
			return "persona rule needs an append or replace action"
		}
	}
	return ""
}
