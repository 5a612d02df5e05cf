// Package model defines the catalog records and run bookkeeping types shared
// across the catalog, passes, orchestrator, and dashboard.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CatalogEntry is one record per unique source asset.
type CatalogEntry struct {
	// Key is the fingerprint of AssetURL. It is the map key of the persisted
	// catalog and is not repeated inside the entry.
	Key string `json:"-"`

	Filename     string    `json:"filename"`
	SourceURL    string    `json:"source_url"`
	AssetURL     string    `json:"asset_url,omitempty"`
	Filetype     string    `json:"filetype"`
	DownloadedAt time.Time `json:"downloaded_at"`
	Tags         []string  `json:"tags"`

	// Verified is nil until a verification pass has checked the entry.
	Verified     *bool `json:"verified,omitempty"`
	LicenseScore *int  `json:"license_score,omitempty"`

	EnhancedAt        *time.Time `json:"enhanced_at,omitempty"`
	EnhancementMethod string     `json:"enhancement_method,omitempty"`
	QualityScore      *float64   `json:"quality_score,omitempty"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as the zone-less ISO
// timestamps written by older catalog files, which are read as UTC.
func (e *CatalogEntry) UnmarshalJSON(b []byte) error {
	type alias CatalogEntry
	aux := struct {
		*alias
		DownloadedAt string  `json:"downloaded_at"`
		EnhancedAt   *string `json:"enhanced_at"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	if aux.DownloadedAt != "" {
		t, err := ParseTimestamp(aux.DownloadedAt)
		if err != nil {
			return eris.Wrap(err, "downloaded_at")
		}
		e.DownloadedAt = t
	}
	if aux.EnhancedAt != nil && *aux.EnhancedAt != "" {
		t, err := ParseTimestamp(*aux.EnhancedAt)
		if err != nil {
			return eris.Wrap(err, "enhanced_at")
		}
		e.EnhancedAt = &t
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an RFC 3339 or zone-less ISO 8601 timestamp.
// Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", s)
}

// Clone returns a deep copy of e.
func (e CatalogEntry) Clone() CatalogEntry {
	out := e
	out.Tags = slices.Clone(e.Tags)
	if e.Verified != nil {
		v := *e.Verified
		out.Verified = &v
	}
	if e.LicenseScore != nil {
		v := *e.LicenseScore
		out.LicenseScore = &v
	}
	if e.EnhancedAt != nil {
		v := *e.EnhancedAt
		out.EnhancedAt = &v
	}
	if e.QualityScore != nil {
		v := *e.QualityScore
		out.QualityScore = &v
	}
	return out
}

// IsVerified reports whether the entry was checked and passed verification.
func (e CatalogEntry) IsVerified() bool { return e.Verified != nil && *e.Verified }

// IsUnverified reports whether the entry was checked and failed verification.
func (e CatalogEntry) IsUnverified() bool { return e.Verified != nil && !*e.Verified }

// IsEnhanced reports whether an enhancement pass completed for the entry.
func (e CatalogEntry) IsEnhanced() bool { return e.EnhancedAt != nil }

// IsImage reports whether the entry's filetype can be fed to an enhancer.
func (e CatalogEntry) IsImage() bool {
	switch e.Filetype {
	case "png", "jpg", "jpeg":
		return true
	}
	return false
}

// Stem returns the filename without its extension. Archive assets are
// extracted into a directory with this name.
func (e CatalogEntry) Stem() string {
	return strings.TrimSuffix(e.Filename, filepath.Ext(e.Filename))
}

// Fingerprint returns the stable catalog key for a source locator.
func Fingerprint(locator string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(locator)))
	return hex.EncodeToString(sum[:])
}

// NormalizeFiletype lowercases an extension and strips its leading dot, so
// ".PNG" and "png" both become "png".
func NormalizeFiletype(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

// FiletypeOf derives the normalized filetype from a file name or URL path.
func FiletypeOf(name string) string {
	return NormalizeFiletype(path.Ext(name))
}

var lower = cases.Lower(language.Und)

// NormalizeTags lowercases, trims, de-duplicates, and sorts tags. Empty tags
// are dropped. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(lower.String(t))
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// MergeTags returns the normalized union of a and b.
func MergeTags(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NormalizeTags(all)
}

// ParseTags splits a comma-separated tag list as typed into the tag editor.
func ParseTags(s string) []string {
	return NormalizeTags(strings.Split(s, ","))
}
