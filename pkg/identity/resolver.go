package identity

import (
	"context"
	"sync"

	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"
)

// PromoteFunc is called when a guest session authenticates. It receives the
// guest owner whose data should move and the user owner receiving it.
type PromoteFunc func(guest, user models.Owner)

// Resolver decides who a session belongs to. An authenticated user id
// always wins; otherwise the session runs under a guest identifier derived
// from the caller's public address, falling back to a random id when the
// lookup fails. Resolution never blocks a session from starting.
type Resolver struct {
	mu        sync.Mutex
	lookup    *IPLookup
	owner     models.Owner
	resolved  bool
	promoted  bool
	onPromote []PromoteFunc
}

// NewResolver builds a resolver around the given address lookup. A nil
// lookup means guests always get random identifiers.
func NewResolver(lookup *IPLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// OnPromote registers a callback fired when a guest session authenticates.
// Callbacks fire at most once per resolver lifetime.
func (r *Resolver) OnPromote(fn PromoteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPromote = append(r.onPromote, fn)
}

// Current returns the resolved owner. ok is false while resolution has not
// happened yet, which is distinct from having resolved to a guest.
func (r *Resolver) Current() (models.Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner, r.resolved
}

// Resolve determines the session owner and caches the result. Pass the
// authenticated user id when one is known; with an empty id a guest
// identifier is derived from the public address, normalized so it is safe
// inside storage keys. Any lookup failure degrades to a random guest id
// rather than an error.
func (r *Resolver) Resolve(ctx context.Context, authUserID string) models.Owner {
	r.mu.Lock()
	if authUserID != "" {
		guest := r.owner
		wasGuest := r.resolved && guest.Kind == models.OwnerGuest
		r.owner = models.UserOwner(authUserID)
		r.resolved = true
		owner := r.owner
		fire := wasGuest && !r.promoted
		var cbs []PromoteFunc
		if fire {
			r.promoted = true
			cbs = append(cbs, r.onPromote...)
		}
		r.mu.Unlock()
		for _, fn := range cbs {
			fn(guest, owner)
		}
		if fire {
			logger.Info("session_promoted", "guest", guest.Key(), "user", owner.Key())
		}
		return owner
	}
	if r.resolved {
		owner := r.owner
		r.mu.Unlock()
		return owner
	}
	lookup := r.lookup
	r.mu.Unlock()

	var owner models.Owner
	addr, err := lookup.Fetch(ctx)
	if err != nil || addr == "" {
		owner = models.GuestOwner(utils.GenGuestID())
		logger.Warn("guest_id_fallback", "error", err)
	} else {
		owner = models.GuestOwner(utils.NormalizeAddr(addr))
		logger.Info("guest_id_resolved", "guest", owner.Key())
	}

	r.mu.Lock()
	if !r.resolved {
		r.owner = owner
		r.resolved = true
	}
	owner = r.owner
	r.mu.Unlock()
	return owner
}

// AdoptGuest resolves the session to an already-known guest id without
// consulting the lookup. Callers that carry a pinned guest identifier
// (the X-Guest-ID header) use this instead of Resolve. A session that
// already resolved keeps its owner.
func (r *Resolver) AdoptGuest(id string) models.Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolved {
		r.owner = models.GuestOwner(id)
		r.resolved = true
	}
	return r.owner
}

// Authenticate switches the session to the given user id, firing promote
// callbacks when the session previously ran as a guest. This is the
// trigger for the guest-merge process.
func (r *Resolver) Authenticate(userID string) models.Owner {
	return r.Resolve(context.Background(), userID)
}
