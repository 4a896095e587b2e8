// Package kpi scores enrichment profiles against the completeness gate that
// decides whether an initial-mode profile may be saved.
//
// The gate is all-or-nothing per dimension (leadership, highlights, funding)
// and a profile passes only when every dimension passes. The weighted
// Criteria in this package are display configuration and play no part here.
package kpi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Gate thresholds.
const (
	MinLeaders       = 2
	MinHighlights    = 5
	MinFundingRounds = 3

	minLinkLen = 10
	minTextLen = 20
)

// Check names.
const (
	CheckLeadership = "leadership"
	CheckHighlights = "highlights"
	CheckFunding    = "funding"
)

// Check is the outcome of one dimension.
type Check struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Result is the outcome of Validate.
type Result struct {
	Checks map[string]Check `json:"checks"`
	Score  int              `json:"score"`
	Passed bool             `json:"passed"`
}

var placeholders = map[string]struct{}{
	"": {}, "#": {}, "-": {}, "n/a": {}, "na": {}, "none": {}, "null": {},
	"unknown": {}, "tbd": {}, "tba": {}, "undisclosed": {}, "not available": {},
}

var avatarHosts = []string{
	"ui-avatars.com", "robohash.org", "dicebear.com", "api.dicebear",
	"pravatar.cc", "gravatar.com/avatar", "avatars.dicebear", "placeholder.com",
	"placehold.co", "via.placeholder",
}

var boilerplate = []string{
	"no description available",
	"description not available",
	"information not available",
	"no information available",
	"details not available",
	"click here to read more",
	"lorem ipsum",
	"coming soon",
}

// Validate scores profile. Missing or malformed sections fail their
// dimension; Validate never panics on unexpected shapes.
func Validate(profile map[string]any) Result {
	checks := map[string]Check{
		CheckLeadership: checkLeadership(list(profile, "leadership", "leaders", "team")),
		CheckHighlights: checkHighlights(list(profile, "highlights", "news")),
		CheckFunding:    checkFunding(list(profile, "funding_rounds", "funding")),
	}
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	return Result{
		Checks: checks,
		Score:  int(math.Round(100 * float64(passed) / float64(len(checks)))),
		Passed: passed == len(checks),
	}
}

func checkLeadership(entries []map[string]any) Check {
	if len(entries) < MinLeaders {
		return Check{Message: fmt.Sprintf("%d leaders, need at least %d", len(entries), MinLeaders)}
	}
	for i, e := range entries {
		name := str(e, "name", "full_name")
		if len(strings.Fields(name)) < 2 {
			return Check{Message: fmt.Sprintf("leader %d: %q is not a full name", i+1, name)}
		}
		if role := str(e, "title", "role", "position"); strings.EqualFold(name, role) {
			return Check{Message: fmt.Sprintf("leader %d: name repeats the title", i+1)}
		}
		if photo := str(e, "photo", "photo_url", "image", "image_url"); !usablePhoto(photo) {
			return Check{Message: fmt.Sprintf("leader %d: missing or generated photo", i+1)}
		}
	}
	return Check{Passed: true, Message: fmt.Sprintf("%d leaders complete", len(entries))}
}

func checkHighlights(entries []map[string]any) Check {
	valid := 0
	for _, e := range entries {
		link := str(e, "link", "url", "source_url")
		text := str(e, "text", "title", "description", "summary")
		if isPlaceholder(link) || utf8.RuneCountInString(link) <= minLinkLen {
			continue
		}
		if utf8.RuneCountInString(text) <= minTextLen || isBoilerplate(text) {
			continue
		}
		valid++
	}
	if valid < MinHighlights {
		return Check{Message: fmt.Sprintf("%d usable highlights, need at least %d", valid, MinHighlights)}
	}
	return Check{Passed: true, Message: fmt.Sprintf("%d usable highlights", valid)}
}

func checkFunding(entries []map[string]any) Check {
	valid := 0
	for _, e := range entries {
		if isPlaceholder(str(e, "date", "announced", "closed_at")) {
			continue
		}
		if isPlaceholder(str(e, "amount", "raised", "size")) {
			continue
		}
		valid++
	}
	if valid < MinFundingRounds {
		return Check{Message: fmt.Sprintf("%d complete funding rounds, need at least %d", valid, MinFundingRounds)}
	}
	return Check{Passed: true, Message: fmt.Sprintf("%d complete funding rounds", valid)}
}

func usablePhoto(ref string) bool {
	if isPlaceholder(ref) {
		return false
	}
	low := strings.ToLower(ref)
	if strings.Contains(low, "placeholder") {
		return false
	}
	for _, h := range avatarHosts {
		if strings.Contains(low, h) {
			return false
		}
	}
	return true
}

func isPlaceholder(s string) bool {
	_, ok := placeholders[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

func isBoilerplate(s string) bool {
	low := strings.ToLower(strings.TrimSpace(s))
	for _, p := range boilerplate {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}

// list returns the first key of profile holding an array of objects.
// Non-object elements are skipped.
func list(profile map[string]any, keys ...string) []map[string]any {
	for _, k := range keys {
		raw, ok := profile[k].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(raw))
		for _, e := range raw {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// str returns the first non-empty value among keys, trimmed. Numbers are
// rendered in their shortest decimal form.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}
