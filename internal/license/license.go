// Package license scores text for recognized open-license keywords.
package license

import (
	"strings"
)

// Keywords are the phrases counted by Scan, in match order.
var Keywords = []string{"cc0", "public domain", "creative commons", "attribution", "cc-by", "license"}

// Result is the outcome of a license scan.
type Result struct {
	Verified bool     `json:"verified"`
	Score    int      `json:"score"`
	Keywords []string `json:"keywords_found"`
}

// Scan counts the distinct keywords occurring in text, case-insensitively.
func Scan(text string) Result {
	return fromMatches(matches(strings.ToLower(text), nil))
}

func matches(lower string, seen map[string]bool) map[string]bool {
	if seen == nil {
		seen = make(map[string]bool, len(Keywords))
	}
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			seen[kw] = true
		}
	}
	return seen
}

// fromMatches orders the matched keywords the way Keywords lists them.
func fromMatches(seen map[string]bool) Result {
	found := make([]string, 0, len(seen))
	for _, kw := range Keywords {
		if seen[kw] {
			found = append(found, kw)
		}
	}
	return Result{Verified: len(found) >= 1, Score: len(found), Keywords: found}
}
