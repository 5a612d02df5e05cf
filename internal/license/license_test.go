package license

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		score    int
		verified bool
		keywords []string
	}{
		{"creative commons and cc0", "Released under Creative Commons CC0.", 2, true, []string{"cc0", "creative commons"}},
		{"no keywords", "A goblin sprite sheet, 32x32.", 0, false, []string{}},
		{"repeated keyword counts once", "cc0 cc0 CC0", 1, true, []string{"cc0"}},
		{"all keywords", "CC-BY attribution license; creative commons; public domain; CC0", 6, true, Keywords},
		{"empty", "", 0, false, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Scan(tt.text)
			assert.Equal(t, tt.score, r.Score)
			assert.Equal(t, tt.verified, r.Verified)
			assert.Equal(t, tt.keywords, r.Keywords)
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanDir_UnionAcrossLicenseFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "LICENSE.txt"), "Creative Commons Attribution")
	writeFile(t, filepath.Join(root, "docs", "license-art.md"), "This art is CC0")
	writeFile(t, filepath.Join(root, "readme.txt"), "public domain")

	r, err := ScanDir(root, false)
	require.NoError(t, err)
	assert.True(t, r.Verified)
	assert.Equal(t, []string{"cc0", "creative commons", "attribution"}, r.Keywords)
	assert.Equal(t, 3, r.Score)
	assert.FileExists(t, filepath.Join(root, CacheFile))
}

func TestScanDir_NoLicenseFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sprite.png"), "not really a png")

	r, err := ScanDir(root, false)
	require.NoError(t, err)
	assert.False(t, r.Verified)
	assert.Equal(t, 0, r.Score)
}

func TestScanDir_UsesCache(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, CacheFile), `{"verified": true, "score": 4, "keywords_found": ["cc0"]}`)
	writeFile(t, filepath.Join(root, "LICENSE"), "license: all rights reserved")

	r, err := ScanDir(root, false)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Score)
	assert.True(t, r.Verified)

	r, err = ScanDir(root, true)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Score)
	assert.Equal(t, []string{"license"}, r.Keywords)
}

func TestScanDir_CorruptCacheIsIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, CacheFile), `{not json`)
	writeFile(t, filepath.Join(root, "license.txt"), "cc0")

	r, err := ScanDir(root, false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Score)
}

func TestScanDir_Missing(t *testing.T) {
	_, err := ScanDir(filepath.Join(t.TempDir(), "nope"), false)
	assert.Error(t, err)
}
