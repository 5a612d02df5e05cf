package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/model"
)

// beforeRename runs between the temp-file write and the rename in Persist.
// Tests replace it to simulate a crash at that point.
var beforeRename = func(tmpPath string) error { return nil }

// Persist writes the full catalog to its backing file. The data goes to a
// temp file in the same directory which is synced and then renamed over the
// target, so a failure at any point leaves the previous file intact.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	err := s.persist()
	if s.observer != nil {
		s.observer(err)
	}
	return err
}

func (s *Store) persist() error {
	data, err := encode(s.Snapshot())
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return eris.Wrapf(err, "catalog: persist %s", s.path)
	}
	s.log.Debug("catalog: persisted", zap.Int("bytes", len(data)))
	return nil
}

// encode renders entries as one JSON object keyed by fingerprint, preserving
// insertion order.
func encode(entries []model.CatalogEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, e := range entries {
		if i > 0 {
			buf.WriteString(",")
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, eris.Wrap(err, "catalog: marshal key")
		}
		v, err := json.MarshalIndent(e, "  ", "  ")
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: marshal entry %s", e.Key)
		}
		buf.WriteString("\n  ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(v)
	}
	if len(entries) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// load reads the catalog file at path. A missing or blank file is an empty
// catalog. Key order in the file becomes insertion order.
func load(path string) ([]model.CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "catalog: decode")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, eris.New("catalog: decode: top level is not an object")
	}

	index := make(map[string]int)
	var entries []model.CatalogEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, eris.Wrap(err, "catalog: decode key")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, eris.Errorf("catalog: decode: unexpected key token %v", tok)
		}
		var e model.CatalogEntry
		if err := dec.Decode(&e); err != nil {
			return nil, eris.Wrapf(err, "catalog: decode entry %s", key)
		}
		e.Key = key
		e.Filetype = model.NormalizeFiletype(e.Filetype)
		e.Tags = model.NormalizeTags(e.Tags)

		if i, dup := index[key]; dup {
			entries[i] = e
			continue
		}
		index[key] = len(entries)
		entries = append(entries, e)
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "catalog: decode closing brace")
	}
	return entries, nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it, and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "close temp file")
	}
	if err := beforeRename(tmpPath); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return eris.Wrap(err, "rename temp file")
	}
	return nil
}
