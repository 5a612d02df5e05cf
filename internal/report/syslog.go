package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/model"
)

// SystemLogFile is the system log file name inside the report directory.
const SystemLogFile = "system_log.md"

// DefaultSampleSize is the number of entries listed in the system log.
const DefaultSampleSize = 10

// FormatSystemLog renders the catalog summary with the first sampleSize
// entries in catalog order.
func FormatSystemLog(entries []model.CatalogEntry, sampleSize int, now time.Time) string {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	st := catalog.ComputeStats(entries, 0)

	var b strings.Builder
	b.WriteString("# OpenRetro AI-HD System Log\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Total Assets**: %d\n", st.Total)
	fmt.Fprintf(&b, "**Verified**: %d\n", st.Verified)
	fmt.Fprintf(&b, "**Unverified**: %d\n", st.Unverified)
	fmt.Fprintf(&b, "**Enhanced**: %d\n", st.Enhanced)
	fmt.Fprintf(&b, "**Tagged**: %d\n\n", st.Tagged)
	b.WriteString("## Sample Entries:\n\n")

	for i, e := range entries {
		if i == sampleSize {
			break
		}
		verified := NA
		if e.Verified != nil {
			verified = strconv.FormatBool(*e.Verified)
		}
		enhanced := NA
		if e.EnhancedAt != nil {
			enhanced = e.EnhancedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- %s\n", e.Filename)
		fmt.Fprintf(&b, "  - Verified: %s\n", verified)
		fmt.Fprintf(&b, "  - Enhanced At: %s\n", enhanced)
		fmt.Fprintf(&b, "  - Tags: %s\n\n", strings.Join(e.Tags, ", "))
	}
	return b.String()
}

// WriteSystemLog writes the system log into dir and returns its path.
func WriteSystemLog(dir string, entries []model.CatalogEntry, sampleSize int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "report: create %s", dir)
	}
	path := filepath.Join(dir, SystemLogFile)
	if err := os.WriteFile(path, []byte(FormatSystemLog(entries, sampleSize, now)), 0o644); err != nil {
		return "", eris.Wrapf(err, "report: write %s", path)
	}
	return path, nil
}
