package models

// Attachment is an uploaded file sent alongside a query. Content is an
// opaque encoded payload (typically a data URI); the server never decodes it.
type Attachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Exchange is one user turn and its reply. Response is the empty string
// while the inference call is pending; it is either empty or fully present,
// never partially written.
type Exchange struct {
	Query string       `json:"query"`
	Files []Attachment `json:"files,omitempty"`
	// Response text from the inference endpoint; empty while pending.
	Response string `json:"response"`
	// TS is the creation timestamp (ns), set once and never mutated.
	TS int64 `json:"ts"`
}

// Pending reports whether the exchange is still awaiting its response.
func (e Exchange) Pending() bool { return e.Response == "" }

// Thread is a named, ordered conversation owned by exactly one Owner.
// History is insertion-ordered; exchanges are appended and never reordered
// or removed except by whole-history clear.
type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Slug is generated from title and id for human-friendly URLs.
	Slug    string     `json:"slug,omitempty"`
	History []Exchange `json:"history"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - refreshed on every history mutation
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// Rev is a monotonically increasing revision compared on write so a
	// stale full-document overwrite cannot stomp newer data.
	Rev uint64 `json:"rev"`
}
