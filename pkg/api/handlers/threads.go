package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterThreads registers all thread-related HTTP routes to the provided router.
func (a *API) RegisterThreads(r *mux.Router) {
	// Collection routes
	r.HandleFunc("/threads", a.createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", a.listThreads).Methods(http.MethodGet)

	// Single resource routes
	r.HandleFunc("/threads/{id}", a.getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", a.renameThread).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}", a.deleteThread).Methods(http.MethodDelete)

	// Thread-scoped operations
	r.HandleFunc("/threads/{id}/exchanges", a.createExchange).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/history", a.clearHistory).Methods(http.MethodDelete)
}

// createThread handles POST /threads. The body may carry a title; the
// owner comes from the verified identity, never from the body.
func (a *API) createThread(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// empty body is fine, a thread does not need a title
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	th, err := a.Store.CreateThread(owner, strings.TrimSpace(body.Title))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("thread_created_http", "owner", owner.Key(), "thread", th.ID)
	utils.JSONWrite(w, http.StatusCreated, th)
}

// listThreads handles GET /threads, newest activity first. Optional query
// parameters:
//   - "title": case-insensitive substring filter
//   - "slug": exact slug match
func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	titleQ := r.URL.Query().Get("title")
	slugQ := r.URL.Query().Get("slug")

	threads, err := a.Store.ListThreads(owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]models.Thread, 0, len(threads))
	for _, th := range threads {
		if titleQ != "" && !strings.Contains(strings.ToLower(th.Title), strings.ToLower(titleQ)) {
			continue
		}
		if slugQ != "" && th.Slug != slugQ {
			continue
		}
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTS > out[j].UpdatedTS })

	utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: out})
}

// getThread handles GET /threads/{id}.
func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	th, err := a.Store.GetThread(owner, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, th)
}

// renameThread handles PUT /threads/{id}. The body carries the new title
// and the revision the caller last saw; a stale revision is rejected.
func (a *API) renameThread(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var body struct {
		Title string `json:"title"`
		Rev   uint64 `json:"rev"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		utils.JSONError(w, http.StatusBadRequest, "title required")
		return
	}

	th, err := a.Store.GetThread(owner, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	th.Title = strings.TrimSpace(body.Title)
	th.Slug = utils.MakeSlug(th.Title, th.ID)
	saved, err := a.Store.SaveThread(owner, th, body.Rev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, saved)
}

// deleteThread handles DELETE /threads/{id}. Permanent, no undo.
func (a *API) deleteThread(w http.ResponseWriter, r *http.Request) {
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.Store.DeleteThread(owner, id); err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clearHistory handles DELETE /threads/{id}/history: drops every exchange
// but keeps the thread.
func (a *API) clearHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	th, err := a.Store.ClearHistory(owner, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, th)
}
