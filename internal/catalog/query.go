package catalog

import (
	"sort"
	"strings"

	"github.com/openretro/retrohd/internal/model"
)

// Filter selects entries for listing. The zero value matches everything.
type Filter struct {
	HideVerified   bool   // drop entries that passed verification
	HideUnverified bool   // drop entries that failed verification
	Search         string // case-insensitive substring of filename or joined tags
	Tag            string // exact tag match
	Enhanced       *bool  // nil: any
	Limit          int    // <= 0: no limit
	Offset         int
}

// Match reports whether e satisfies f (ignoring Limit and Offset). Entries
// that have not been checked are never hidden by the verification flags.
func (f Filter) Match(e model.CatalogEntry) bool {
	if f.HideVerified && e.IsVerified() {
		return false
	}
	if f.HideUnverified && e.IsUnverified() {
		return false
	}
	if f.Enhanced != nil && e.IsEnhanced() != *f.Enhanced {
		return false
	}
	if f.Tag != "" {
		want := strings.ToLower(strings.TrimSpace(f.Tag))
		found := false
		for _, t := range e.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q := strings.ToLower(f.Search); q != "" {
		name := strings.ToLower(e.Filename)
		tags := strings.ToLower(strings.Join(e.Tags, ", "))
		if !strings.Contains(name, q) && !strings.Contains(tags, q) {
			return false
		}
	}
	return true
}

// Query returns a snapshot of the entries matching f, in insertion order,
// and the number of matches before Limit/Offset were applied.
func (s *Store) Query(f Filter) ([]model.CatalogEntry, int) {
	var matched []model.CatalogEntry
	for _, e := range s.Snapshot() {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []model.CatalogEntry{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []model.CatalogEntry{}
	}
	return matched, total
}

// TagCount is one row of the tag frequency table.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarizes the catalog.
type Stats struct {
	Total      int        `json:"total"`
	Verified   int        `json:"verified"`
	Unverified int        `json:"unverified"`
	Unchecked  int        `json:"unchecked"`
	Enhanced   int        `json:"enhanced"`
	Tagged     int        `json:"tagged"`
	TopTags    []TagCount `json:"top_tags"`
}

// ComputeStats summarizes entries, keeping the topN most frequent tags
// (ties broken by name). topN <= 0 keeps every tag.
func ComputeStats(entries []model.CatalogEntry, topN int) Stats {
	st := Stats{Total: len(entries)}
	counts := make(map[string]int)
	for _, e := range entries {
		switch {
		case e.IsVerified():
			st.Verified++
		case e.IsUnverified():
			st.Unverified++
		default:
			st.Unchecked++
		}
		if e.IsEnhanced() {
			st.Enhanced++
		}
		if len(e.Tags) > 0 {
			st.Tagged++
		}
		for _, t := range e.Tags {
			counts[t]++
		}
	}

	st.TopTags = make([]TagCount, 0, len(counts))
	for t, n := range counts {
		st.TopTags = append(st.TopTags, TagCount{Tag: t, Count: n})
	}
	sort.Slice(st.TopTags, func(i, j int) bool {
		if st.TopTags[i].Count != st.TopTags[j].Count {
			return st.TopTags[i].Count > st.TopTags[j].Count
		}
		return st.TopTags[i].Tag < st.TopTags[j].Tag
	})
	if topN > 0 && len(st.TopTags) > topN {
		st.TopTags = st.TopTags[:topN]
	}
	return st
}

// Stats summarizes the current catalog contents.
func (s *Store) Stats(topN int) Stats {
	return ComputeStats(s.Snapshot(), topN)
}
