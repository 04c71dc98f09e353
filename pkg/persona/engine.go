// Package persona shapes model responses according to the owner's saved
// persona. Transforms are declarative rules evaluated by a fixed
// interpreter; there is no user-supplied code execution.
package persona

import (
	"math/rand"
	"strings"

	"nimbusd/pkg/models"
)

// Engine applies persona transforms to response text. The zero value is
// not usable; construct with New.
type Engine struct {
	// rnd returns a value in [0,1); injectable so tests are deterministic.
	rnd func() float64
}

// New returns an engine backed by the default random source.
func New() *Engine {
	return &Engine{rnd: rand.Float64}
}

// NewWithRand returns an engine with an injected random source.
func NewWithRand(fn func() float64) *Engine {
	return &Engine{rnd: fn}
}

// BuiltinRules is the fixed trait/tone rule set applied before any
// user-supplied rules.
func BuiltinRules() []models.TransformRule {
	return []models.TransformRule{
		{WhenTrait: "sarcastic", MinHumor: 6,
			Append: " ...or at least, that's what I'd say if I cared enough to be serious!"},
		{WhenTrait: "witty",
			Replace: &models.Replacement{Old: "simple", New: "elementary, my dear user"}},
		{WhenTone: "formal",
			Replace: &models.Replacement{Old: "Hey", New: "Greetings"}},
		{WhenTone: "formal",
			Replace: &models.Replacement{Old: "you", New: "one"}},
		{WhenTone: "casual",
			Replace: &models.Replacement{Old: "Greetings", New: "Hey"}},
		{WhenTone: "casual",
			Replace: &models.Replacement{Old: "one", New: "you"}},
		{MinEmpathy: 8, QueryContains: "sad",
			Append: " I'm really sorry to hear that. How can I help you feel better?"},
	}
}

// jokeChance gates the random humor tagline: fires when the draw
// exceeds this threshold.
const jokeChance = 0.7

const humorTagline = " By the way, did you hear about the computer that became a comedian? It had a great *byte*!"

// Apply runs the built-in rules, then the persona's own rules, then the
// random humor tagline. query is the user input that produced the
// response; some rules condition on it.
func (e *Engine) Apply(response, query string, p models.Persona) string {
	out := response
	for _, r := range BuiltinRules() {
		out = applyRule(out, query, p, r)
	}
	for _, r := range p.Rules {
		out = applyRule(out, query, p, r)
	}
	if p.HumorLevel > 7 && e.rnd() > jokeChance {
		out += humorTagline
	}
	return out
}

func ruleMatches(query string, p models.Persona, r models.TransformRule) bool {
	if r.WhenTrait != "" && !hasTrait(p, r.WhenTrait) {
		return false
	}
	if r.WhenTone != "" && !strings.EqualFold(p.Tone, r.WhenTone) {
		return false
	}
	if r.MinHumor > 0 && p.HumorLevel < r.MinHumor {
		return false
	}
	if r.MinEmpathy > 0 && p.EmpathyLevel < r.MinEmpathy {
		return false
	}
	if r.QueryContains != "" && !strings.Contains(strings.ToLower(query), strings.ToLower(r.QueryContains)) {
		return false
	}
	return true
}

func applyRule(response, query string, p models.Persona, r models.TransformRule) string {
	if !ruleMatches(query, p, r) {
		return response
	}
	if r.Replace != nil && r.Replace.Old != "" {
		response = strings.ReplaceAll(response, r.Replace.Old, r.Replace.New)
	}
	if r.Append != "" {
		response += r.Append
	}
	return response
}

func hasTrait(p models.Persona, trait string) bool {
	for _, t := range p.Traits {
		if strings.EqualFold(t, trait) {
			return true
		}
	}
	return false
}
