// Package promptcheck flags prompt terms that commonly trip provider safety
// filters. The result is advice for the caller and never blocks a job.
package promptcheck

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Advice is the outcome of a prompt check.
type Advice struct {
	Safe        bool     `json:"safe"`
	RiskLevel   string   `json:"risk_level"`
	Warnings    []string `json:"warnings"`
	Blockers    []string `json:"blockers"`
	Suggestions []string `json:"suggestions"`
	Alternative string   `json:"alternative,omitempty"`
}

type category struct {
	blocking   bool
	finding    string
	suggestion string
	terms      []string
}

var categories = []category{
	{
		blocking:   true,
		finding:    "Contains reference to public figure: '%s'",
		suggestion: "Replace '%s' with a generic description like 'a person' or 'an entrepreneur'",
		terms: []string{
			"elon musk", "taylor swift", "beyonce", "trump", "obama", "biden",
			"kardashian", "celebrity", "famous person", "actor", "actress",
		},
	},
	{
		finding:    "Contains brand name: '%s'",
		suggestion: "Replace '%s' with a generic term",
		terms: []string{
			"nike", "adidas", "apple", "google", "microsoft", "coca-cola",
			"pepsi", "disney", "marvel", "star wars", "pokemon", "ferrari",
			"lamborghini", "tesla", "iphone", "android", "playstation", "xbox",
		},
	},
	{
		blocking:   true,
		finding:    "Contains copyrighted character: '%s'",
		suggestion: "Replace '%s' with a generic description",
		terms: []string{
			"mickey mouse", "superman", "batman", "spider-man", "iron man",
			"harry potter", "darth vader", "pikachu", "mario", "sonic",
		},
	},
	{
		blocking:   true,
		finding:    "Contains violent content: '%s'",
		suggestion: "Remove or replace violent reference to '%s'",
		terms: []string{
			"gun", "weapon", "sword", "knife", "blood", "violence", "fight",
			"attack", "war", "battle", "explosion", "shoot", "kill", "death",
			"murder", "assault", "combat",
		},
	},
	{
		blocking:   true,
		finding:    "Contains inappropriate content: '%s'",
		suggestion: "Remove or replace inappropriate reference to '%s'",
		terms: []string{
			"naked", "nude", "sexy", "sexual", "intimate", "erotic",
			"lingerie", "bikini", "underwear", "revealing",
		},
	},
	{
		blocking:   true,
		finding:    "Contains dangerous content: '%s'",
		suggestion: "Remove reference to dangerous activity: '%s'",
		terms: []string{
			"suicide", "self-harm", "overdose", "poison", "drugs", "cocaine",
			"heroin", "methamphetamine", "bomb", "terrorist", "explosion",
		},
	},
}

type replacement struct {
	re   *regexp.Regexp
	with string
}

var replacements = []replacement{
	{regexp.MustCompile(`(?i)\belon musk\b`), "an entrepreneur"},
	{regexp.MustCompile(`(?i)\btaylor swift\b`), "a singer"},
	{regexp.MustCompile(`(?i)\bbeyonce\b`), "a performer"},
	{regexp.MustCompile(`(?i)\btrump\b`), "a business person"},
	{regexp.MustCompile(`(?i)\bobama\b`), "a leader"},
	{regexp.MustCompile(`(?i)\bnike\b`), "athletic shoes"},
	{regexp.MustCompile(`(?i)\btesla\b`), "an electric car"},
	{regexp.MustCompile(`(?i)\biphone\b`), "a smartphone"},
	{regexp.MustCompile(`(?i)\bmcdonald'?s\b`), "a fast food restaurant"},
	{regexp.MustCompile(`(?i)\bmickey mouse\b`), "a cartoon mouse"},
	{regexp.MustCompile(`(?i)\bspider-?man\b`), "a superhero"},
	{regexp.MustCompile(`(?i)\bdarth vader\b`), "a sci-fi character"},
}

type matcher struct {
	category *category
	term     string
	re       *regexp.Regexp
}

var matchers = buildMatchers()

func buildMatchers() []matcher {
	var out []matcher
	for i := range categories {
		c := &categories[i]
		for _, term := range c.terms {
			out = append(out, matcher{
				category: c,
				term:     term,
				re:       regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`),
			})
		}
	}
	return out
}

// Check inspects prompt. More than two brand warnings without blockers is
// still reported as unsafe.
func Check(prompt string) Advice {
	lower := strings.ToLower(prompt)
	a := Advice{Warnings: []string{}, Blockers: []string{}, Suggestions: []string{}}

	for _, m := range matchers {
		if !m.re.MatchString(lower) {
			continue
		}
		finding := fmt.Sprintf(m.category.finding, m.term)
		if m.category.blocking {
			a.Blockers = append(a.Blockers, finding)
		} else {
			a.Warnings = append(a.Warnings, finding)
		}
		if s := fmt.Sprintf(m.category.suggestion, m.term); !slices.Contains(a.Suggestions, s) {
			a.Suggestions = append(a.Suggestions, s)
		}
	}

	switch {
	case len(a.Blockers) > 0:
		a.RiskLevel, a.Safe = RiskHigh, false
	case len(a.Warnings) > 2:
		a.RiskLevel, a.Safe = RiskMedium, false
	case len(a.Warnings) > 0:
		a.RiskLevel, a.Safe = RiskMedium, true
	default:
		a.RiskLevel, a.Safe = RiskLow, true
	}

	if !a.Safe {
		if alt := SafeAlternative(prompt); alt != prompt {
			a.Alternative = alt
		}
	}
	return a
}

// SafeAlternative replaces well-known names with generic descriptions.
func SafeAlternative(prompt string) string {
	for _, r := range replacements {
		prompt = r.re.ReplaceAllString(prompt, r.with)
	}
	return prompt
}
