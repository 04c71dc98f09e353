package identity

import (
	"sync"

	"nimbusd/pkg/models"
)

// Registry runs the resolve/promote lifecycle across stateless HTTP
// requests: one Resolver per guest identifier, so a guest who signs in
// is promoted exactly once no matter how many requests carry both the
// verified user id and the old guest id.
type Registry struct {
	mu      sync.Mutex
	lookup  *IPLookup
	hooks   []PromoteFunc
	byGuest map[string]*Resolver
}

// NewRegistry builds a registry. lookup may be nil; pinned guest ids do
// not need it.
func NewRegistry(lookup *IPLookup) *Registry {
	return &Registry{lookup: lookup, byGuest: make(map[string]*Resolver)}
}

// OnPromote registers fn on every current and future guest session.
func (g *Registry) OnPromote(fn PromoteFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
	for _, r := range g.byGuest {
		r.OnPromote(fn)
	}
}

// Authenticate promotes the guest session identified by guestID to the
// given user, firing the promote hooks the first time. Safe to call on
// every authenticated request; later calls for the same guest are no-ops.
func (g *Registry) Authenticate(guestID, userID string) models.Owner {
	if userID == "" {
		return models.Owner{}
	}
	if guestID == "" {
		return models.UserOwner(userID)
	}
	return g.resolverFor(guestID).Authenticate(userID)
}

func (g *Registry) resolverFor(guestID string) *Resolver {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byGuest[guestID]
	if !ok {
		r = NewResolver(g.lookup)
		r.AdoptGuest(guestID)
		for _, fn := range g.hooks {
			r.OnPromote(fn)
		}
		g.byGuest[guestID] = r
	}
	return r
}
