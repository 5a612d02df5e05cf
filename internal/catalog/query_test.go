package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openretro/retrohd/internal/model"
)

func seedQueryStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t, WithPersistEvery(0))
	yes, no := true, false
	now := time.Now()

	rows := []struct {
		name     string
		tags     []string
		verified *bool
		enhanced bool
	}{
		{"goblin_sprite.png", []string{"goblin", "sprite", "png"}, &yes, true},
		{"orc_walk.png", []string{"png", "sprite"}, &no, false},
		{"tileset.zip", []string{"tiles"}, nil, false},
		{"hero.jpg", nil, &yes, false},
	}
	for _, r := range rows {
		e := sampleEntry(r.name)
		e.Tags = r.tags
		e.Verified = r.verified
		if r.enhanced {
			e.EnhancedAt = &now
		}
		_, created := s.PutNew(model.Fingerprint(e.AssetURL), e)
		require.True(t, created)
	}
	return s
}

func names(entries []model.CatalogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Filename)
	}
	return out
}

func TestQuery_ZeroFilterMatchesAll(t *testing.T) {
	s := seedQueryStore(t)
	got, total := s.Query(Filter{})
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"goblin_sprite.png", "orc_walk.png", "tileset.zip", "hero.jpg"}, names(got))
}

func TestQuery_VerificationFlags(t *testing.T) {
	s := seedQueryStore(t)

	got, _ := s.Query(Filter{HideVerified: true})
	assert.Equal(t, []string{"orc_walk.png", "tileset.zip"}, names(got))

	got, _ = s.Query(Filter{HideUnverified: true})
	assert.Equal(t, []string{"goblin_sprite.png", "tileset.zip", "hero.jpg"}, names(got))

	got, _ = s.Query(Filter{HideVerified: true, HideUnverified: true})
	assert.Equal(t, []string{"tileset.zip"}, names(got))
}

func TestQuery_SearchFilenameOrTags(t *testing.T) {
	s := seedQueryStore(t)

	got, _ := s.Query(Filter{Search: "GOBLIN"})
	assert.Equal(t, []string{"goblin_sprite.png"}, names(got))

	got, _ = s.Query(Filter{Search: "sprite"})
	assert.Equal(t, []string{"goblin_sprite.png", "orc_walk.png"}, names(got))

	got, _ = s.Query(Filter{Search: "tiles"})
	assert.Equal(t, []string{"tileset.zip"}, names(got))
}

func TestQuery_TagAndEnhanced(t *testing.T) {
	s := seedQueryStore(t)

	got, _ := s.Query(Filter{Tag: "PNG"})
	assert.Equal(t, []string{"goblin_sprite.png", "orc_walk.png"}, names(got))

	yes := true
	got, _ = s.Query(Filter{Enhanced: &yes})
	assert.Equal(t, []string{"goblin_sprite.png"}, names(got))
}

func TestQuery_Pagination(t *testing.T) {
	s := seedQueryStore(t)

	got, total := s.Query(Filter{Limit: 2, Offset: 1})
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"orc_walk.png", "tileset.zip"}, names(got))

	got, total = s.Query(Filter{Offset: 10})
	assert.Equal(t, 4, total)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStats(t *testing.T) {
	s := seedQueryStore(t)
	st := s.Stats(2)

	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Verified)
	assert.Equal(t, 1, st.Unverified)
	assert.Equal(t, 1, st.Unchecked)
	assert.Equal(t, 1, st.Enhanced)
	assert.Equal(t, 3, st.Tagged)
	assert.Equal(t, []TagCount{{Tag: "png", Count: 2}, {Tag: "sprite", Count: 2}}, st.TopTags)
}

func TestStats_Empty(t *testing.T) {
	st := ComputeStats(nil, 15)
	assert.Equal(t, 0, st.Total)
	assert.NotNil(t, st.TopTags)
	assert.Empty(t, st.TopTags)
}
