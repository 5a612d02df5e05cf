package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/model"
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Inspect and edit the asset catalog",
}

// -- assets list --

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged assets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openCatalog(cfg, nil)
		if err != nil {
			return err
		}

		f := catalog.Filter{}
		f.HideVerified, _ = cmd.Flags().GetBool("hide-verified")
		f.HideUnverified, _ = cmd.Flags().GetBool("hide-unverified")
		f.Search, _ = cmd.Flags().GetString("search")
		f.Tag, _ = cmd.Flags().GetString("tag")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if cmd.Flags().Changed("enhanced") {
			enhanced, _ := cmd.Flags().GetBool("enhanced")
			f.Enhanced = &enhanced
		}

		entries, total := store.Query(f)
		if total == 0 {
			fmt.Fprintln(os.Stderr, "No assets found.")
			return nil
		}

		formatAssetsList(os.Stdout, entries)
		if len(entries) < total {
			fmt.Fprintf(os.Stderr, "Showing %d of %d assets.\n", len(entries), total)
		}
		return nil
	},
}

// -- assets show --

var assetsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show one catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalog(cfg, nil)
		if err != nil {
			return err
		}

		key, err := resolveKey(store, args[0])
		if err != nil {
			return err
		}
		e, err := store.Get(key)
		if err != nil {
			return eris.Wrap(err, "assets show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Key string `json:"key"`
			model.CatalogEntry
		}{key, e})
	},
}

// -- assets tag --

var assetsTagCmd = &cobra.Command{
	Use:   "tag <key> <tags>",
	Short: "Add tags to an entry (comma-separated)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalog(cfg, nil)
		if err != nil {
			return err
		}

		key, err := resolveKey(store, args[0])
		if err != nil {
			return err
		}
		replace, _ := cmd.Flags().GetBool("replace")
		tags := model.ParseTags(args[1])

		err = store.Update(key, func(e *model.CatalogEntry) error {
			if replace {
				e.Tags = tags
			} else {
				e.Tags = model.MergeTags(e.Tags, tags)
			}
			return nil
		})
		if err != nil {
			return eris.Wrap(err, "assets tag")
		}
		if err := store.Persist(); err != nil {
			return eris.Wrap(err, "assets tag")
		}

		e, err := store.Get(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %s\n", e.Filename, strings.Join(e.Tags, ", "))
		return nil
	},
}

func init() {
	assetsListCmd.Flags().Bool("hide-verified", false, "hide entries that passed license verification")
	assetsListCmd.Flags().Bool("hide-unverified", false, "hide entries that failed license verification")
	assetsListCmd.Flags().Bool("enhanced", false, "only enhanced (true) or only unenhanced (false) entries")
	assetsListCmd.Flags().String("search", "", "substring of filename or tags")
	assetsListCmd.Flags().String("tag", "", "exact tag")
	assetsListCmd.Flags().Int("limit", 50, "max number of assets to display (0 for all)")

	assetsTagCmd.Flags().Bool("replace", false, "replace the tag set instead of adding to it")

	assetsCmd.AddCommand(assetsListCmd)
	assetsCmd.AddCommand(assetsShowCmd)
	assetsCmd.AddCommand(assetsTagCmd)
	rootCmd.AddCommand(assetsCmd)
}

// resolveKey accepts a full key, a unique key prefix, or a filename.
func resolveKey(store *catalog.Store, ref string) (string, error) {
	if store.Has(ref) {
		return ref, nil
	}
	var matches []string
	for _, e := range store.Snapshot() {
		if strings.HasPrefix(e.Key, ref) || e.Filename == ref {
			matches = append(matches, e.Key)
		}
	}
	switch len(matches) {
	case 0:
		return "", eris.Wrapf(catalog.ErrNotFound, "asset %s", ref)
	case 1:
		return matches[0], nil
	default:
		return "", eris.Errorf("asset %s is ambiguous (%d matches)", ref, len(matches))
	}
}

// formatAssetsList writes a tabular list of entries to w.
func formatAssetsList(out io.Writer, entries []model.CatalogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tFILENAME\tTYPE\tVERIFIED\tSCORE\tENHANCED\tTAGS")
	_, _ = fmt.Fprintln(w, "---\t--------\t----\t--------\t-----\t--------\t----")

	for _, e := range entries {
		verified, score := "-", "-"
		if e.Verified != nil {
			verified = fmt.Sprintf("%t", *e.Verified)
		}
		if e.LicenseScore != nil {
			score = fmt.Sprintf("%d", *e.LicenseScore)
		}
		enhanced := "-"
		if e.EnhancedAt != nil {
			enhanced = e.EnhancedAt.Format("2006-01-02 15:04")
		}

		name := truncate(e.Filename, 40)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.Key),
			name,
			e.Filetype,
			verified,
			score,
			enhanced,
			strings.Join(e.Tags, ","),
		)
	}
	_ = w.Flush()
}
