package models

// OwnerKind distinguishes the two persistence namespaces.
type OwnerKind int

const (
	// OwnerGuest is keyed by a normalized network-address-derived string.
	OwnerGuest OwnerKind = iota
	// OwnerUser is keyed by a stable account identifier.
	OwnerUser
)

// Owner is the identity under which threads and settings are stored.
// Exactly one Owner is active per session; it determines the persistence
// namespace for all thread operations.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// GuestOwner returns a guest-namespace owner for the given id.
func GuestOwner(id string) Owner { return Owner{Kind: OwnerGuest, ID: id} }

// UserOwner returns an authenticated-namespace owner for the given id.
func UserOwner(id string) Owner { return Owner{Kind: OwnerUser, ID: id} }

// Key returns the namespaced storage key segment for the owner, e.g.
// "guest:203_0_113_7" or "user:alice".
func (o Owner) Key() string {
	if o.Kind == OwnerUser {
		return "user:" + o.ID
	}
	return "guest:" + o.ID
}

// IsZero reports whether the owner is unset.
func (o Owner) IsZero() bool { return o.ID == "" }
