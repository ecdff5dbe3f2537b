package zimi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"zimi/internal/zim"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  Version,
		"archives": len(s.reg.List()),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := SearchOptions{
		Limit:           queryInt(r, "limit", 0),
		ZimID:           q.Get("zim"),
		Collection:      q.Get("collection"),
		Fast:            queryBool(r, "fast"),
		IncludeSnippets: queryBool(r, "snippets"),
	}
	resp, err := s.engine.Search(r.Context(), q.Get("q"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hits, err := s.engine.Suggest(r.Context(), q.Get("q"), q.Get("zim"), q.Get("collection"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []Suggestion{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zim, path := q.Get("zim"), q.Get("path")
	if zim == "" || path == "" {
		s.writeError(w, fmt.Errorf("%w: zim and path are required", ErrBadRequest))
		return
	}
	res, err := s.reader.Read(r.Context(), zim, path, queryInt(r, "max_length", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSnippet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zim, path := q.Get("zim"), q.Get("path")
	if zim == "" || path == "" {
		s.writeError(w, fmt.Errorf("%w: zim and path are required", ErrBadRequest))
		return
	}
	snip, err := s.reader.Snippet(r.Context(), zim, path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"snippet": snip})
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("zim")
	s.rndMu.Lock()
	if id == "" {
		archives := s.reg.List()
		if len(archives) == 0 {
			s.rndMu.Unlock()
			s.writeError(w, fmt.Errorf("%w: no archives installed", ErrNotFound))
			return
		}
		id = archives[s.rnd.Intn(len(archives))].ID
	}
	path, title, err := s.reg.Random(id, s.rnd)
	s.rndMu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"archive": id,
		"path":    path,
		"title":   title,
	})
}

// archiveInfo is the /list view of one archive.
type archiveInfo struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Language        string `json:"language"`
	Publisher       string `json:"publisher"`
	Flavor          string `json:"flavor"`
	Category        string `json:"category"`
	Entries         uint32 `json:"entries"`
	Size            int64  `json:"size"`
	SourceRank      int    `json:"source_rank"`
	HasFTS          bool   `json:"has_fts"`
	IndexState      string `json:"index_state"`
	UpdateAvailable bool   `json:"update_available"`
}

func (s *Server) archiveInfo(a *Archive) archiveInfo {
	return archiveInfo{
		ID:              a.ID,
		Title:           a.Title,
		Description:     a.Description,
		Language:        a.Language,
		Publisher:       a.Publisher,
		Flavor:          a.Flavor,
		Category:        a.Category,
		Entries:         a.Entries,
		Size:            a.Size,
		SourceRank:      s.reg.SourceRank(a),
		HasFTS:          s.store.HasFTS(a.ID),
		IndexState:      s.store.Progress(a.ID).State,
		UpdateAvailable: a.HasUpdate(),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	archives := s.reg.List()
	out := make([]archiveInfo, 0, len(archives))
	for _, a := range archives {
		out = append(out, s.archiveInfo(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePDFCatalog serves the zimgit-style document listing: some archives
// carry a database.js whose embedded JSON array describes bundled PDFs.
func (s *Server) handlePDFCatalog(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("zim")
	if id == "" {
		s.writeError(w, fmt.Errorf("%w: zim is required", ErrBadRequest))
		return
	}
	data, _, err := s.reader.Raw(r.Context(), id, "database.js")
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := parseDocumentDB(data)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %s has no parsable document database", ErrNotFound, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// parseDocumentDB extracts the JSON array from a "var database = [...];"
// style script, tolerating whatever surrounds it.
func parseDocumentDB(data []byte) ([]map[string]any, error) {
	start := bytes.IndexByte(data, '[')
	end := bytes.LastIndexByte(data, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}
	var records []map[string]any
	if err := json.Unmarshal(data[start:end+1], &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Server) handleResolveGet(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		s.writeError(w, fmt.Errorf("%w: url is required", ErrBadRequest))
		return
	}
	link := s.resolver.Resolve(r.Context(), raw)
	if link == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"archive": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleResolvePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if len(body.URLs) == 0 {
		s.writeError(w, fmt.Errorf("%w: urls is required", ErrBadRequest))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": s.resolver.ResolveBatch(r.Context(), body.URLs),
	})
}

func (s *Server) handleCollectionsGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"collections": s.state.Collections()})
}

func (s *Server) handleCollectionsSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string   `json:"name"`
		Archives []string `json:"archives"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		s.writeError(w, fmt.Errorf("%w: name is required", ErrBadRequest))
		return
	}
	if err := s.state.SetCollection(body.Name, body.Archives); err != nil {
		s.writeError(w, err)
		return
	}
	s.results.Purge()
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCollectionsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeError(w, fmt.Errorf("%w: name is required", ErrBadRequest))
		return
	}
	if err := s.state.DeleteCollection(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.results.Purge()
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleServe streams raw entry bytes. ServeContent provides Range and
// conditional request handling for media playback.
func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "zim")
	entryPath := chi.URLParam(r, "*")
	if entryPath == "" {
		s.writeError(w, fmt.Errorf("%w: empty path", ErrBadRequest))
		return
	}
	if dec, err := url.PathUnescape(entryPath); err == nil {
		entryPath = dec
	}

	data, mime, err := s.reader.Raw(r.Context(), id, entryPath)
	if err != nil {
		s.writeError(w, err)
		return
	}

	modTime := time.Time{}
	if a, err := s.reg.Get(id); err == nil {
		modTime = time.Unix(a.ModTime, 0)
	}
	w.Header().Set("Content-Type", mime)
	http.ServeContent(w, r, "", modTime, bytes.NewReader(data))
}

// handleIcon serves the archive's 48x48 illustration for library listings.
func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "zim")
	var icon []byte
	err := s.reg.WithNative(id, func(h *zim.Archive) error {
		icon = h.Illustration()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(icon) == 0 {
		s.writeError(w, fmt.Errorf("%w: archive %q has no illustration", ErrNotFound, id))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(icon)
}

func (s *Server) handleHasPassword(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"required": s.auth.Required()})
}

func (s *Server) handleManageStatus(w http.ResponseWriter, r *http.Request) {
	archives := s.reg.List()
	indexes := make(map[string]BuildProgress, len(archives))
	for _, a := range archives {
		indexes[a.ID] = s.store.Progress(a.ID)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":   Version,
		"archives":  len(archives),
		"downloads": s.dl.Tasks(),
		"indexes":   indexes,
		"auto_update": map[string]any{
			"enabled": s.updater.Enabled(),
			"freq":    s.updater.Freq(),
		},
	})
}

func (s *Server) handleManageStats(w http.ResponseWriter, r *http.Request) {
	archives := s.reg.List()
	var totalSize int64
	var totalEntries uint64
	indexesReady := 0
	for _, a := range archives {
		totalSize += a.Size
		totalEntries += uint64(a.Entries)
		if s.store.Ready(a.ID) {
			indexesReady++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"archives":           len(archives),
		"total_size":         totalSize,
		"total_entries":      totalEntries,
		"indexes_ready":      indexesReady,
		"search_cache_size":  s.results.Len(),
		"suggest_cache_size": s.suggest.Len(),
		"history_events":     len(s.state.History()),
		"downloads_tracked":  len(s.dl.Tasks()),
	})
}

func (s *Server) handleManageCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := url.Values{}
	for _, k := range []string{"lang", "q", "category", "count", "start"} {
		if v := q.Get(k); v != "" {
			params.Set(k, v)
		}
	}
	entries, err := s.catalog.Fetch(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.catalog.FindUpdates(r.Context(), s.reg.List())
	if err != nil {
		s.writeError(w, err)
		return
	}
	available := make(map[string]bool, len(updates))
	for _, up := range updates {
		available[up.ArchiveID] = true
	}
	s.reg.SetUpdateAvailable(available)
	if updates == nil {
		updates = []UpdateInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"downloads": s.dl.Tasks()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"history": s.state.History()})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug     string `json:"slug"`
		URL      string `json:"url"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Slug == "" {
		body.Slug, _ = splitDateStamp(body.Filename)
	}
	// The transfer outlives the request; it gets its own context.
	task, err := s.dl.Start(context.Background(), body.Slug, body.URL, body.Filename, body.Size, "new")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task.snapshot()})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	a, err := s.reg.Get(body.Zim)
	if err != nil {
		s.writeError(w, err)
		return
	}
	updates, err := s.catalog.FindUpdates(r.Context(), []*Archive{a})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(updates) == 0 {
		s.writeError(w, fmt.Errorf("%w: no update available for %q", ErrNotFound, body.Zim))
		return
	}
	up := updates[0]
	slug := up.Entry.Name
	if slug == "" {
		slug, _ = splitDateStamp(up.Entry.Filename)
	}
	task, err := s.dl.Start(context.Background(), slug, up.Entry.URL, up.Entry.Filename, up.Entry.Size, "update")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task.snapshot()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Zim == "" {
		s.writeError(w, fmt.Errorf("%w: zim is required", ErrBadRequest))
		return
	}
	a, err := s.reg.Delete(body.Zim)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Drop(body.Zim)
	s.state.AppendHistory("deleted", a)
	if err := s.state.RemoveFromCollections(body.Zim); err != nil {
		s.logger.Warn("pruning deleted archive from collections failed", "id", body.Zim, "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": body.Zim})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug string `json:"slug"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if err := s.dl.Cancel(body.Slug); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.reg.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, a := range s.reg.List() {
		s.store.Ensure(r.Context(), s.reg, a)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"archives": n})
}

func (s *Server) handleBuildFTS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if _, err := s.reg.Get(body.Zim); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.BuildFTS(r.Context(), body.Zim); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "has_fts": s.store.HasFTS(body.Zim)})
}

func (s *Server) handleAutoUpdateGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.updater.Enabled(),
		"freq":    s.updater.Freq(),
	})
}

func (s *Server) handleAutoUpdateSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool   `json:"enabled"`
		Freq    string `json:"freq"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Freq == "" {
		body.Freq = s.updater.Freq()
	}
	switch body.Freq {
	case "daily", "weekly", "monthly":
	default:
		s.writeError(w, fmt.Errorf("%w: freq must be daily, weekly or monthly", ErrBadRequest))
		return
	}
	s.updater.Configure(body.Enabled, body.Freq)
	if err := s.state.SetAutoUpdate(body.Enabled, body.Freq); err != nil {
		s.logger.Warn("persisting auto-update settings failed", "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.updater.Enabled(),
		"freq":    s.updater.Freq(),
	})
}
