// Package merge moves a guest namespace into a user namespace after
// sign-in.
package merge

import (
	"errors"
	"fmt"

	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/store"
)

// Summary reports what one merge run did.
type Summary struct {
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Deleted int `json:"deleted"`
}

// Merger copies guest threads into the authenticated namespace and then
// removes the originals. Copies skip destinations that already exist, so
// a retried run after a partial failure never duplicates or overwrites
// anything.
type Merger struct {
	store *store.Store
}

// New builds a merger over the given store.
func New(st *store.Store) *Merger {
	return &Merger{store: st}
}

// Run merges guest into user. All copies happen before any delete; if any
// copy fails the guest namespace is left intact and the error returned.
// Running against an already-merged (or empty) guest namespace is a no-op.
func (m *Merger) Run(guest, user models.Owner) (Summary, error) {
	var sum Summary
	if guest.Kind != models.OwnerGuest {
		return sum, fmt.Errorf("merge source must be a guest owner, got %s", guest.Key())
	}
	if user.Kind != models.OwnerUser {
		return sum, fmt.Errorf("merge destination must be a user owner, got %s", user.Key())
	}

	threads, err := m.store.ListThreads(guest)
	if err != nil {
		return sum, fmt.Errorf("failed to list guest threads: %w", err)
	}

	for _, th := range threads {
		wrote, err := m.store.PutThreadIfAbsent(user, th)
		if err != nil {
			logger.Error("merge_copy_failed", "guest", guest.Key(), "user", user.Key(), "thread", th.ID, "error", err)
			return sum, fmt.Errorf("failed to copy thread %s: %w", th.ID, err)
		}
		if wrote {
			sum.Copied++
		} else {
			sum.Skipped++
		}
	}

	// settings move only when the user has none of their own
	if gs, err := m.store.GetSettings(guest); err == nil {
		if _, err := m.store.GetSettings(user); errors.Is(err, store.ErrNotFound) {
			if err := m.store.SaveSettings(user, gs); err != nil {
				return sum, fmt.Errorf("failed to copy settings: %w", err)
			}
		}
	}

	// every copy landed; now the originals can go
	for _, th := range threads {
		if err := m.store.DeleteThread(guest, th.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return sum, fmt.Errorf("failed to delete guest thread %s: %w", th.ID, err)
		}
		sum.Deleted++
	}
	if err := m.store.DeleteSettings(guest); err != nil {
		return sum, fmt.Errorf("failed to delete guest settings: %w", err)
	}

	mergesCompleted.Inc()
	logger.Info("guest_merged", "guest", guest.Key(), "user", user.Key(),
		"copied", sum.Copied, "skipped", sum.Skipped, "deleted", sum.Deleted)
	return sum, nil
}
