package models

// Persona holds the assistant's behavioral parameters. Responses are run
// through a fixed rule interpreter keyed by these values; there is no
// free-form script execution.
type Persona struct {
	Traits       []string `json:"traits,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	HumorLevel   int      `json:"humor_level"`
	EmpathyLevel int      `json:"empathy_level"`
	// Rules is an optional user-supplied transform rule set evaluated
	// after the built-in trait rules.
	Rules []TransformRule `json:"rules,omitempty"`
}

// TransformRule is one declarative response transform. All the When
// conditions that are set must hold for the Action to run.
type TransformRule struct {
	// Conditions
	WhenTrait     string `json:"when_trait,omitempty"`
	WhenTone      string `json:"when_tone,omitempty"`
	MinHumor      int    `json:"min_humor,omitempty"`
	MinEmpathy    int    `json:"min_empathy,omitempty"`
	QueryContains string `json:"query_contains,omitempty"`

	// Action: exactly one of Append or Replace should be set.
	Append  string       `json:"append,omitempty"`
	Replace *Replacement `json:"replace,omitempty"`
}

// Replacement substitutes all occurrences of Old with New in the response.
type Replacement struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// AvatarSpec describes the assistant's avatar. The server stores it
// verbatim; rendering happens client-side.
type AvatarSpec struct {
	ModelURL    string   `json:"model_url,omitempty"`
	TextureURL  string   `json:"texture_url,omitempty"`
	Height      float64  `json:"height,omitempty"`
	SkinTone    string   `json:"skin_tone,omitempty"`
	HairStyle   string   `json:"hair_style,omitempty"`
	HairColor   string   `json:"hair_color,omitempty"`
	EyeColor    string   `json:"eye_color,omitempty"`
	Accessories []string `json:"accessories,omitempty"`
}

// UserSettings is the per-owner profile document: assistant display name,
// voice, persona parameters and avatar description. Read on load, written
// on explicit save.
type UserSettings struct {
	AIName  string     `json:"ai_name,omitempty"`
	Voice   string     `json:"voice,omitempty"`
	Persona Persona    `json:"persona"`
	Avatar  AvatarSpec `json:"avatar,omitempty"`
	// Updated timestamp (ns)
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// DefaultSettings returns the settings used before a user saves a profile.
func DefaultSettings() UserSettings {
	return UserSettings{
		AIName: "Nimbus",
		Voice:  "default",
		Persona: Persona{
			Tone:         "casual",
			HumorLevel:   5,
			EmpathyLevel: 5,
		},
	}
}
