// Package catalog implements the asset catalog: a JSON-backed map from
// fingerprint to CatalogEntry that scraping, tagging, verification, and
// enhancement passes share concurrently.
//
// Locking: mu guards the key→slot map and the insertion order. Each slot has
// its own mutex held for the duration of an Update, so updates to the same key
// are serialized while updates to different keys proceed independently. No
// operation ever holds two slot locks at once. Snapshot and Persist lock
// slots one at a time, so each copied entry is consistent but the copy as a
// whole is not a single instant across keys: an Update that lands during a
// Snapshot may appear for one key and not another.
package catalog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openretro/retrohd/internal/model"
)

// ErrNotFound is returned by Update and Get when the key is not in the catalog.
var ErrNotFound = eris.New("catalog: entry not found")

// Mutator changes the mutable fields of an entry in place. Returning an error
// discards every change the mutator made.
type Mutator func(e *model.CatalogEntry) error

// PersistObserver is notified after every persist attempt.
type PersistObserver func(err error)

type slot struct {
	mu    sync.Mutex
	entry model.CatalogEntry
}

// Store is the catalog. The zero value is not usable; call Open.
type Store struct {
	path string

	mu    sync.RWMutex
	slots map[string]*slot
	order []string

	inflight singleflight.Group

	persistMu    sync.Mutex
	persistEvery int
	dirty        int
	dirtyMu      sync.Mutex
	observer     PersistObserver

	log *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPersistEvery persists the catalog after every n successful mutations.
// n = 1 (the default) persists after each mutation; n <= 0 disables
// auto-persist, leaving durability to explicit Persist calls.
func WithPersistEvery(n int) Option {
	return func(s *Store) { s.persistEvery = n }
}

// WithPersistObserver registers a callback invoked after each persist.
func WithPersistObserver(fn PersistObserver) Option {
	return func(s *Store) { s.observer = fn }
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open loads the catalog stored at path. A missing file yields an empty
// catalog. A corrupt or unreadable file also yields an empty catalog and a
// warning; the bad file is left in place until the next Persist replaces it.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:         path,
		slots:        make(map[string]*slot),
		persistEvery: 1,
		log:          zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("catalog", path))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "catalog: create directory for %s", path)
	}

	entries, err := load(path)
	if err != nil {
		s.log.Warn("catalog: unreadable backing file, starting empty", zap.Error(err))
		return s, nil
	}
	for _, e := range entries {
		s.slots[e.Key] = &slot{entry: e}
		s.order = append(s.order, e.Key)
	}
	s.log.Debug("catalog: loaded", zap.Int("entries", len(s.order)))
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Has reports whether key is cataloged.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[key]
	return ok
}

// Keys returns all keys in insertion order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns a copy of the entry stored under key.
func (s *Store) Get(key string) (model.CatalogEntry, error) {
	sl := s.lookup(key)
	if sl == nil {
		return model.CatalogEntry{}, eris.Wrapf(ErrNotFound, "get %s", key)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.entry.Clone(), nil
}

// PutNew inserts entry under key. If key already exists the call is a no-op:
// the stored entry is returned unchanged with created = false.
func (s *Store) PutNew(key string, entry model.CatalogEntry) (model.CatalogEntry, bool) {
	entry = entry.Clone()
	entry.Key = key
	entry.Filetype = model.NormalizeFiletype(entry.Filetype)
	entry.Tags = model.NormalizeTags(entry.Tags)

	s.mu.Lock()
	if existing, ok := s.slots[key]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.entry.Clone(), false
	}
	s.slots[key] = &slot{entry: entry}
	s.order = append(s.order, key)
	s.mu.Unlock()

	s.mutated()
	return entry.Clone(), true
}

// Update applies fn to the entry under key while holding that entry's lock.
// Identity fields (key, filename, source and asset URLs, download time) and a
// filetype that is already set cannot be changed; tags are re-normalized. If
// fn returns an error the entry is left untouched and the error is returned.
func (s *Store) Update(key string, fn Mutator) error {
	sl := s.lookup(key)
	if sl == nil {
		return eris.Wrapf(ErrNotFound, "update %s", key)
	}

	if err := sl.apply(fn); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// apply runs fn on a copy of the entry under the slot lock and stores the
// copy only if fn succeeds. A panicking fn leaves the entry unchanged.
func (sl *slot) apply(fn Mutator) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	orig := sl.entry
	work := orig.Clone()
	if err := fn(&work); err != nil {
		return err
	}
	work.Key = orig.Key
	work.Filename = orig.Filename
	work.SourceURL = orig.SourceURL
	work.AssetURL = orig.AssetURL
	work.DownloadedAt = orig.DownloadedAt
	if orig.Filetype != "" {
		work.Filetype = orig.Filetype
	} else {
		work.Filetype = model.NormalizeFiletype(work.Filetype)
	}
	work.Tags = model.NormalizeTags(work.Tags)
	sl.entry = work
	return nil
}

// Snapshot returns a deep copy of every entry in insertion order. Each entry
// is copied under its own lock; later updates do not affect the returned
// slice.
func (s *Store) Snapshot() []model.CatalogEntry {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.order))
	for _, k := range s.order {
		slots = append(slots, s.slots[k])
	}
	s.mu.RUnlock()

	out := make([]model.CatalogEntry, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.entry.Clone())
		sl.mu.Unlock()
	}
	return out
}

func (s *Store) lookup(key string) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[key]
}

// mutated counts a successful mutation and persists once the batch is full.
// Persist errors are logged, not returned: the in-memory catalog stays correct.
func (s *Store) mutated() {
	if s.persistEvery <= 0 {
		return
	}
	s.dirtyMu.Lock()
	s.dirty++
	due := s.dirty >= s.persistEvery
	if due {
		s.dirty = 0
	}
	s.dirtyMu.Unlock()

	if due {
		if err := s.Persist(); err != nil {
			s.log.Error("catalog: auto-persist failed", zap.Error(err))
		}
	}
}
