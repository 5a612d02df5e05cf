// Package report renders catalog contents as the license report (Markdown,
// CSV, XLSX) and the system log (Markdown).
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/openretro/retrohd/internal/model"
)

// Output file names inside the report directory.
const (
	LicenseMarkdown = "license_report.md"
	LicenseCSV      = "license_report.csv"
	LicenseXLSX     = "license_report.xlsx"
)

// NA marks a value that has not been determined yet.
const NA = "N/A"

// LicenseRow is one entry of the license report.
type LicenseRow struct {
	Filename     string `csv:"filename"`
	SourceURL    string `csv:"source_url"`
	Verified     string `csv:"verified"`
	LicenseScore string `csv:"license_score"`
	Filetype     string `csv:"filetype"`
	Tags         string `csv:"tags"`
}

var licenseHeader = []string{"filename", "source_url", "verified", "license_score", "filetype", "tags"}

func (r LicenseRow) values() []string {
	return []string{r.Filename, r.SourceURL, r.Verified, r.LicenseScore, r.Filetype, r.Tags}
}

// LicenseRows converts entries to report rows. Entries that were never
// verified report N/A for verified and license_score.
func LicenseRows(entries []model.CatalogEntry) []LicenseRow {
	rows := make([]LicenseRow, 0, len(entries))
	for _, e := range entries {
		row := LicenseRow{
			Filename:     e.Filename,
			SourceURL:    e.SourceURL,
			Verified:     NA,
			LicenseScore: NA,
			Filetype:     e.Filetype,
			Tags:         strings.Join(e.Tags, ","),
		}
		if e.Verified != nil {
			row.Verified = strconv.FormatBool(*e.Verified)
		}
		if e.LicenseScore != nil {
			row.LicenseScore = strconv.Itoa(*e.LicenseScore)
		}
		rows = append(rows, row)
	}
	return rows
}

// FormatLicenseMarkdown renders the Markdown license report.
func FormatLicenseMarkdown(entries []model.CatalogEntry) string {
	var b strings.Builder
	b.WriteString("# License Verification Report\n\n")
	if len(entries) == 0 {
		b.WriteString("No assets cataloged.\n")
		return b.String()
	}
	for i, row := range LicenseRows(entries) {
		name := row.Filename
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "## %s\n", name)
		fmt.Fprintf(&b, "- **Source:** %s\n", row.SourceURL)
		fmt.Fprintf(&b, "- **Verified:** %s\n", row.Verified)
		fmt.Fprintf(&b, "- **License Score:** %s\n", row.LicenseScore)
		fmt.Fprintf(&b, "- **Tags:** %s\n\n", strings.Join(entries[i].Tags, ", "))
	}
	return b.String()
}

// EncodeLicenseCSV renders the CSV license report with a header row.
func EncodeLicenseCSV(entries []model.CatalogEntry) ([]byte, error) {
	rows := LicenseRows(entries)
	if len(rows) == 0 {
		return []byte(strings.Join(licenseHeader, ",") + "\n"), nil
	}
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "report: encode csv")
	}
	return data, nil
}

// BuildLicenseXLSX builds the license report workbook with one sheet.
func BuildLicenseXLSX(entries []model.CatalogEntry) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("licenses")
	if err != nil {
		return nil, eris.Wrap(err, "report: add sheet")
	}
	header := sheet.AddRow()
	for _, h := range licenseHeader {
		header.AddCell().SetString(h)
	}
	for _, row := range LicenseRows(entries) {
		r := sheet.AddRow()
		for _, v := range row.values() {
			r.AddCell().SetString(v)
		}
	}
	return f, nil
}

// WriteLicense writes the license report to dir in each requested format
// ("md", "csv", "xlsx") and returns the paths written.
func WriteLicense(dir string, entries []model.CatalogEntry, formats []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "report: create %s", dir)
	}

	var written []string
	for _, format := range formats {
		var path string
		var err error
		switch strings.ToLower(format) {
		case "md":
			path = filepath.Join(dir, LicenseMarkdown)
			err = os.WriteFile(path, []byte(FormatLicenseMarkdown(entries)), 0o644)
		case "csv":
			path = filepath.Join(dir, LicenseCSV)
			var data []byte
			if data, err = EncodeLicenseCSV(entries); err == nil {
				err = os.WriteFile(path, data, 0o644)
			}
		case "xlsx":
			path = filepath.Join(dir, LicenseXLSX)
			var f *xlsx.File
			if f, err = BuildLicenseXLSX(entries); err == nil {
				err = f.Save(path)
			}
		default:
			return written, eris.Errorf("report: unknown format %q", format)
		}
		if err != nil {
			return written, eris.Wrapf(err, "report: write %s", path)
		}
		written = append(written, path)
	}
	return written, nil
}
