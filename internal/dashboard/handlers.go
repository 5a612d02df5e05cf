package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/runlog"
)

// statsTopTags matches the tag heatmap of the dashboard.
const statsTopTags = 15

// Asset is the API view of a catalog entry.
type Asset struct {
	Key               string   `json:"key"`
	Filename          string   `json:"filename"`
	SourceURL         string   `json:"source_url"`
	AssetURL          string   `json:"asset_url,omitempty"`
	Filetype          string   `json:"filetype"`
	DownloadedAt      string   `json:"downloaded_at"`
	Tags              []string `json:"tags"`
	Verified          *bool    `json:"verified"`
	LicenseScore      *int     `json:"license_score"`
	EnhancedAt        string   `json:"enhanced_at,omitempty"`
	EnhancementMethod string   `json:"enhancement_method,omitempty"`
	QualityScore      *float64 `json:"quality_score,omitempty"`
}

func toAsset(e model.CatalogEntry) Asset {
	a := Asset{
		Key:               e.Key,
		Filename:          e.Filename,
		SourceURL:         e.SourceURL,
		AssetURL:          e.AssetURL,
		Filetype:          e.Filetype,
		DownloadedAt:      e.DownloadedAt.UTC().Format(time.RFC3339),
		Tags:              e.Tags,
		Verified:          e.Verified,
		LicenseScore:      e.LicenseScore,
		EnhancementMethod: e.EnhancementMethod,
		QualityScore:      e.QualityScore,
	}
	if e.EnhancedAt != nil {
		a.EnhancedAt = e.EnhancedAt.UTC().Format(time.RFC3339)
	}
	return a
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{
		Search: q.Get("search"),
		Tag:    q.Get("tag"),
	}
	var err error
	if f.HideVerified, err = boolParam(q.Get("hide_verified")); err != nil {
		writeError(w, http.StatusBadRequest, "hide_verified: "+err.Error())
		return
	}
	if f.HideUnverified, err = boolParam(q.Get("hide_unverified")); err != nil {
		writeError(w, http.StatusBadRequest, "hide_unverified: "+err.Error())
		return
	}
	if v := q.Get("enhanced"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enhanced: "+err.Error())
			return
		}
		f.Enhanced = &b
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}

	entries, total := s.opts.Catalog.Query(f)
	assets := make([]Asset, 0, len(entries))
	for _, e := range entries {
		assets = append(assets, toAsset(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "assets": assets})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	e, err := s.opts.Catalog.Get(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, toAsset(e))
}

// putTags replaces an asset's tag set.
func (s *Server) putTags(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.opts.Catalog.Update(key, func(e *model.CatalogEntry) error {
		e.Tags = req.Tags
		return nil
	})
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.opts.Catalog.Persist(); err != nil {
		zap.L().Error("dashboard: persist after tag edit", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "tags updated but not saved: "+err.Error())
		return
	}

	e, err := s.opts.Catalog.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, toAsset(e))
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Catalog.Stats(statsTopTags))
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	type agentView struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	var out []agentView
	for _, a := range s.opts.Orchestrator.Agents() {
		out = append(out, agentView{ID: string(a.ID()), Description: a.Description()})
	}
	writeJSON(w, http.StatusOK, out)
}

// runAgent runs one pass synchronously and returns the run with its
// per-asset results.
func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Orchestrator.Resolve([]string{id}); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	run, err := s.opts.Orchestrator.RunOne(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeJSON(w, http.StatusOK, []model.Run{})
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	runs, err := s.opts.Runs.ListRuns(r.Context(), runlog.Filter{
		Status: model.RunStatus(q.Get("status")),
		Agent:  q.Get("agent"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	run, err := s.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// serveFile serves the downloaded ("original") or enhanced image of an asset.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	e, err := s.opts.Catalog.Get(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}

	name := filepath.Base(e.Filename)
	var path string
	switch chi.URLParam(r, "variant") {
	case "original":
		path = filepath.Join(s.opts.Config.DownloadDir, name)
	case "enhanced":
		if !e.IsEnhanced() {
			writeError(w, http.StatusNotFound, "asset not enhanced")
			return
		}
		path = filepath.Join(s.opts.Config.EnhancedDir(), name)
	default:
		writeError(w, http.StatusNotFound, "unknown file variant")
		return
	}

	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file missing")
		return
	}
	http.ServeFile(w, r, path)
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
