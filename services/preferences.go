package services

import (
	"regexp"
	"strings"

	"restaurant-recommender/models"
)

// Strong preference codes
const (
	NoBeef     = "no_beef"
	NoSpicy    = "no_spicy"
	Vegetarian = "vegetarian"
	Halal      = "halal"
	NoPork     = "no_pork"
)

type strongRule struct {
	code    string
	pattern *regexp.Regexp
}

// checked in order; the first match wins
var strongRules = []strongRule{
	{NoBeef, regexp.MustCompile(`(不吃|不能).*牛`)},
	{NoSpicy, regexp.MustCompile(`(不吃|不能).*辣`)},
	{Vegetarian, regexp.MustCompile(`(素食|吃素|vegan|vegetarian)`)},
	{Halal, regexp.MustCompile(`(清真|halal)`)},
	{NoPork, regexp.MustCompile(`(不吃|不能).*豬`)},
}

// ClassifyPreferences splits raw phrases into strong codes and weak phrases.
// Matching is case-insensitive; weak phrases are returned lowercased.
// Results are deduplicated with first occurrence order kept.
func ClassifyPreferences(raw []string) models.Preferences {
	var prefs models.Preferences
	for _, p := range raw {
		text := strings.ToLower(strings.TrimSpace(p))
		if text == "" {
			continue
		}
		if code, ok := classifyOne(text); ok {
			prefs.Strong = appendUnique(prefs.Strong, code)
			continue
		}
		prefs.Weak = appendUnique(prefs.Weak, text)
	}
	return prefs
}

func classifyOne(text string) (string, bool) {
	for _, rule := range strongRules {
		if rule.pattern.MatchString(text) {
			return rule.code, true
		}
	}
	return "", false
}

// MergePreferences unions held and incoming preferences, deduplicated
func MergePreferences(held, incoming models.Preferences) models.Preferences {
	out := models.Preferences{
		Strong: append([]string(nil), held.Strong...),
		Weak:   append([]string(nil), held.Weak...),
	}
	for _, s := range incoming.Strong {
		out.Strong = appendUnique(out.Strong, s)
	}
	for _, w := range incoming.Weak {
		out.Weak = appendUnique(out.Weak, w)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

type nameFilter struct {
	pattern *regexp.Regexp
	// keep matches instead of dropping them
	require bool
}

var strongFilters = map[string]nameFilter{
	NoBeef:     {pattern: regexp.MustCompile(`牛|和牛|牛排`)},
	NoSpicy:    {pattern: regexp.MustCompile(`辣|麻辣|辣子|辣醬`)},
	Vegetarian: {pattern: regexp.MustCompile(`(?i)素食|蔬食|vegan|vegetarian`), require: true},
	Halal:      {pattern: regexp.MustCompile(`(?i)清真|halal`), require: true},
	NoPork:     {pattern: regexp.MustCompile(`豬|豬肉`)},
}

// ApplyStrongFilters filters candidates by name against every strong code.
// If filtering removes every candidate, the unfiltered list is returned and
// fellBack is true.
func ApplyStrongFilters(candidates []models.Restaurant, strong []string) (filtered []models.Restaurant, fellBack bool) {
	if len(strong) == 0 || len(candidates) == 0 {
		return candidates, false
	}
	for _, r := range candidates {
		if passesFilters(r.Name, strong) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return candidates, true
	}
	return filtered, false
}

func passesFilters(name string, strong []string) bool {
	for _, code := range strong {
		f, ok := strongFilters[code]
		if !ok {
			continue
		}
		matched := f.pattern.MatchString(name)
		if matched != f.require {
			return false
		}
	}
	return true
}
