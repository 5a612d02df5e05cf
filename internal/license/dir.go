package license

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CacheFile is written into each scanned directory with the scan result.
const CacheFile = ".verification.json"

// ScanDir scans every file under root whose name contains "license" and
// returns the union of their keyword matches. A readable cache file from an
// earlier scan is returned as-is unless force is set. Unreadable license
// files are logged and skipped. The result is cached before returning.
func ScanDir(root string, force bool) (Result, error) {
	cachePath := filepath.Join(root, CacheFile)
	if !force {
		if r, ok := readCache(cachePath); ok {
			return r, nil
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return Result{}, eris.Wrapf(err, "license: stat %s", root)
	}
	if !info.IsDir() {
		return Result{}, eris.Errorf("license: %s is not a directory", root)
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			zap.L().Warn("license: walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() || !strings.Contains(strings.ToLower(d.Name()), "license") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			zap.L().Warn("license: read failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		matches(strings.ToLower(string(data)), seen)
		return nil
	})
	if err != nil {
		return Result{}, eris.Wrapf(err, "license: walk %s", root)
	}

	r := fromMatches(seen)
	if err := writeCache(cachePath, r); err != nil {
		zap.L().Warn("license: cache write failed", zap.String("path", cachePath), zap.Error(err))
	}
	return r, nil
}

func readCache(path string) (Result, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, false
	}
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	return r, true
}

func writeCache(path string, r Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return eris.Wrap(err, "license: marshal cache")
	}
	return os.WriteFile(path, data, 0o644)
}
