// Package tagging derives catalog tags from an entry's filename and filetype.
package tagging

import (
	"slices"
	"strings"

	"github.com/openretro/retrohd/internal/model"
)

// Rule adds Tag when Match holds for the lowercased filename and the
// normalized filetype.
type Rule struct {
	Tag   string
	Match func(filename, filetype string) bool
}

func nameContains(sub string) func(string, string) bool {
	return func(filename, _ string) bool { return strings.Contains(filename, sub) }
}

func typeIn(types ...string) func(string, string) bool {
	return func(_, filetype string) bool {
		for _, t := range types {
			if filetype == t {
				return true
			}
		}
		return false
	}
}

// DefaultRules is the derivation table applied by the tag pass.
var DefaultRules = []Rule{
	{Tag: "sprite", Match: nameContains("sprite")},
	{Tag: "goblin", Match: nameContains("goblin")},
	{Tag: "png", Match: typeIn("png")},
	{Tag: "jpeg", Match: typeIn("jpg", "jpeg")},
}

// Candidates returns the tags rules derive for filename and filetype, without
// the entry's existing tags.
func Candidates(rules []Rule, filename, filetype string) []string {
	name := strings.ToLower(filename)
	ft := model.NormalizeFiletype(filetype)
	var out []string
	for _, r := range rules {
		if r.Match(name, ft) {
			out = append(out, r.Tag)
		}
	}
	return model.NormalizeTags(out)
}

// Derive returns e's existing tags merged with the tags DefaultRules derive
// for it, normalized and sorted.
func Derive(e model.CatalogEntry) []string {
	return model.MergeTags(e.Tags, Candidates(DefaultRules, e.Filename, e.Filetype))
}

// Apply is a catalog mutator that writes Derive's result into e. It reports
// whether the tag set changed.
func Apply(e *model.CatalogEntry) bool {
	next := Derive(*e)
	changed := !slices.Equal(next, e.Tags)
	e.Tags = next
	return changed
}
