package zimi

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"zimi/internal/zim"
)

// Archive is one discovered ZIM file with its metadata and locks.
//
// The native handle is opened lazily and stays warm until the registry drops
// the archive. titleMu guards title-index access so phase 1 queries across
// archives run in parallel; native entry access is guarded by the registry's
// global lock instead.
type Archive struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ModTime     int64  `json:"mtime"`
	Entries     uint32 `json:"entries"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Publisher   string `json:"publisher"`
	Flavor      string `json:"flavor"`
	Category    string `json:"category"`

	hasUpdate atomic.Bool

	titleMu sync.RWMutex
	handle  *zim.Archive
	hmu     sync.Mutex // guards handle open/close
}

// HasUpdate reports whether the catalog holds a newer version of this archive.
// Read by listing handlers concurrently with update checks.
func (a *Archive) HasUpdate() bool {
	return a.hasUpdate.Load()
}

// Registry maintains the process-wide mapping of archive id to Archive.
//
// It owns the global archive lock: any operation that enters native archive
// code (full-text search, entry reads, random probes) must run through
// WithNative or withNativeAll, which serialize on it. Title-index work takes
// per-archive title locks only.
type Registry struct {
	dir     string
	logger  *slog.Logger
	metrics *Metrics
	state   *State

	archiveMu sync.Mutex // global archive lock

	mu       sync.RWMutex
	archives map[string]*Archive

	group   singleflight.Group
	readDir func(name string) ([]os.DirEntry, error)

	onChangeMu sync.Mutex
	onChange   []func()

	ranks map[string]int
}

// NewRegistry constructs a registry over dir. state may be nil in tests that
// do not exercise the metadata cache.
func NewRegistry(dir string, state *State, logger *slog.Logger, metrics *Metrics) *Registry {
	r := &Registry{
		dir:      dir,
		logger:   logger,
		metrics:  metrics,
		state:    state,
		archives: make(map[string]*Archive),
		readDir:  os.ReadDir,
	}
	if state != nil {
		r.ranks = state.LoadRanks()
	}
	return r
}

// OnChange registers fn to run after every refresh that changed the archive
// set. Used to invalidate the search and suggestion caches.
func (r *Registry) OnChange(fn func()) {
	r.onChangeMu.Lock()
	defer r.onChangeMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) fireChange() {
	r.onChangeMu.Lock()
	fns := make([]func(), len(r.onChange))
	copy(fns, r.onChange)
	r.onChangeMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Refresh rescans the archive directory: newly added files are opened, removed
// files are dropped, and files whose size or mtime changed are reopened.
// Corrupt archives are logged and skipped. Returns the number of archives now
// held.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	entries, err := r.readDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", r.dir, err)
	}

	seen := make(map[string]bool)
	changed := false

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".zim") {
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		path := filepath.Join(r.dir, de.Name())
		info, err := de.Info()
		if err != nil {
			r.logger.Warn("stat archive failed", "path", path, "error", err)
			continue
		}
		id := slugify(de.Name())
		seen[id] = true

		r.mu.RLock()
		existing := r.archives[id]
		r.mu.RUnlock()

		if existing != nil && existing.Size == info.Size() && existing.ModTime == info.ModTime().Unix() {
			continue
		}

		a, err := r.loadArchive(path, info.Size(), info.ModTime().Unix())
		if err != nil {
			r.logger.Error("skipping corrupt archive", "path", path, "error", err)
			seen[id] = false
			continue
		}

		r.mu.Lock()
		if existing != nil {
			existing.closeHandle()
		}
		r.archives[id] = a
		r.mu.Unlock()
		changed = true
		r.logger.Info("archive loaded", "id", id, "entries", a.Entries, "size", a.Size)
	}

	// Drop archives whose files are gone.
	r.mu.Lock()
	for id, a := range r.archives {
		if !seen[id] {
			a.closeHandle()
			delete(r.archives, id)
			changed = true
			r.logger.Info("archive removed", "id", id)
		}
	}
	n := len(r.archives)
	r.mu.Unlock()

	r.metrics.SetArchivesOpen(n)

	if changed {
		r.saveMetaCache()
		r.fireChange()
	}
	return n, nil
}

// loadArchive builds an Archive record for path, using the persisted metadata
// cache when the (path, size, mtime) fingerprint matches so startup does not
// re-read metadata from every file.
func (r *Registry) loadArchive(path string, size, mtime int64) (*Archive, error) {
	id := slugify(filepath.Base(path))

	if r.state != nil {
		if cached, ok := r.state.CachedMeta(path, size, mtime); ok {
			cached.ID = id
			cached.Path = path
			return cached, nil
		}
	}

	h, err := zim.Open(path)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		ID:      id,
		Path:    path,
		Size:    size,
		ModTime: mtime,
		Entries: h.EntryCount(),
		handle:  h,
	}
	if v, ok := h.Metadata("Title"); ok {
		a.Title = v
	} else {
		a.Title = humanizeName(filepath.Base(path))
	}
	a.Description, _ = h.Metadata("Description")
	a.Language, _ = h.Metadata("Language")
	a.Publisher, _ = h.Metadata("Publisher")
	if v, ok := h.Metadata("Flavour"); ok {
		a.Flavor = v
	} else {
		a.Flavor = parseFlavor(filepath.Base(path))
	}
	a.Category = categorize(id)
	return a, nil
}

func (r *Registry) saveMetaCache() {
	if r.state == nil {
		return
	}
	if err := r.state.SaveMetaCache(r.List()); err != nil {
		r.logger.Warn("saving metadata cache failed", "error", err)
	}
}

// Get returns the archive with the given id.
func (r *Registry) Get(id string) (*Archive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archives[id]
	if !ok {
		return nil, fmt.Errorf("%w: archive %q", ErrNotFound, id)
	}
	return a, nil
}

// List returns all archives ordered by id.
func (r *Registry) List() []*Archive {
	r.mu.RLock()
	out := make([]*Archive, 0, len(r.archives))
	for _, a := range r.archives {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scoped returns the archives selected by (zim, collection): a single archive,
// a named collection, or every archive when both are empty.
func (r *Registry) Scoped(zimID, collection string) ([]*Archive, error) {
	if zimID != "" {
		a, err := r.Get(zimID)
		if err != nil {
			return nil, err
		}
		return []*Archive{a}, nil
	}
	if collection != "" {
		if r.state == nil {
			return nil, fmt.Errorf("%w: collection %q", ErrNotFound, collection)
		}
		ids, ok := r.state.Collection(collection)
		if !ok {
			return nil, fmt.Errorf("%w: collection %q", ErrNotFound, collection)
		}
		var out []*Archive
		for _, id := range ids {
			if a, err := r.Get(id); err == nil {
				out = append(out, a)
			}
		}
		return out, nil
	}
	return r.List(), nil
}

// open returns the warm native handle for a, opening it lazily. Concurrent
// first opens of the same archive are collapsed through singleflight.
func (r *Registry) open(a *Archive) (*zim.Archive, error) {
	a.hmu.Lock()
	h := a.handle
	a.hmu.Unlock()
	if h != nil {
		return h, nil
	}

	v, err, _ := r.group.Do(a.ID, func() (any, error) {
		a.hmu.Lock()
		defer a.hmu.Unlock()
		if a.handle != nil {
			return a.handle, nil
		}
		h, err := zim.Open(a.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrArchiveGone, a.ID)
			}
			return nil, err
		}
		a.handle = h
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*zim.Archive), nil
}

func (a *Archive) closeHandle() {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	if a.handle != nil {
		_ = a.handle.Close()
		a.handle = nil
	}
}

// WithNative runs fn with the archive's native handle while holding the
// global archive lock. fn must not block on anything that does not need the
// lock.
func (r *Registry) WithNative(id string, fn func(*zim.Archive) error) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.withNativeArchive(a, fn)
}

func (r *Registry) withNativeArchive(a *Archive, fn func(*zim.Archive) error) error {
	h, err := r.open(a)
	if err != nil {
		return err
	}
	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	return fn(h)
}

// withNativeAll runs fn once per archive, all under a single acquisition of
// the global lock. Used by phase 2 of search so the scoped archives are
// visited in a stable order without interleaving other native work.
func (r *Registry) withNativeAll(ctx context.Context, archives []*Archive, fn func(*Archive, *zim.Archive) error) error {
	r.archiveMu.Lock()
	defer r.archiveMu.Unlock()
	for _, a := range archives {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h, err := r.open(a)
		if err != nil {
			return err
		}
		if err := fn(a, h); err != nil {
			return err
		}
	}
	return nil
}

// PreWarm opens every archive and touches its first entry so the first user
// request does not pay the open cost. Run in the background after startup.
func (r *Registry) PreWarm(ctx context.Context) {
	for _, a := range r.List() {
		if ctx.Err() != nil {
			return
		}
		err := r.withNativeArchive(a, func(h *zim.Archive) error {
			if h.EntryCount() == 0 {
				return nil
			}
			_, err := h.EntryAt(0)
			return err
		})
		if err != nil {
			r.logger.Warn("prewarm failed", "id", a.ID, "error", err)
		}
	}
}

// Delete closes the archive, removes its file and title index, and drops it
// from the registry.
func (r *Registry) Delete(id string) (*Archive, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	a.closeHandle()

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove %s: %w", a.Path, err)
	}

	r.mu.Lock()
	delete(r.archives, id)
	n := len(r.archives)
	r.mu.Unlock()

	r.metrics.SetArchivesOpen(n)
	r.saveMetaCache()
	r.fireChange()
	return a, nil
}

// SetUpdateAvailable flags archives with a newer catalog version. ids holds
// the archive ids that have one.
func (r *Registry) SetUpdateAvailable(ids map[string]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, a := range r.archives {
		a.hasUpdate.Store(ids[id])
	}
}

// randomProbes bounds the random-entry search; sparse archives where most
// entries are media can exhaust it, in which case we give up with not found.
const randomProbes = 64

// Random picks a random HTML article from the archive, skipping redirects,
// metadata entries and tag-index pages.
func (r *Registry) Random(id string, rnd *rand.Rand) (path, title string, err error) {
	err = r.WithNative(id, func(h *zim.Archive) error {
		n := h.EntryCount()
		if n == 0 {
			return fmt.Errorf("%w: archive %q is empty", ErrNotFound, id)
		}
		for i := 0; i < randomProbes; i++ {
			e, err := h.EntryAt(rnd.Uint32() % n)
			if err != nil {
				continue
			}
			if e.IsRedirect() {
				continue
			}
			if e.Namespace != 'A' && e.Namespace != 'C' {
				continue
			}
			if !strings.Contains(e.MimeType, "html") {
				continue
			}
			if e.Title == "" || isJunkPath(e.URL) {
				continue
			}
			path, title = e.Path(), e.Title
			return nil
		}
		return fmt.Errorf("%w: no article found in %q", ErrNotFound, id)
	})
	return path, title, err
}

// SourceRank returns the authority rank of the archive, used by search
// ordering. User overrides from ranks.json win over the compiled defaults.
func (r *Registry) SourceRank(a *Archive) int {
	if rank, ok := r.ranks[a.ID]; ok {
		return rank
	}
	if rank, ok := r.ranks[a.Category]; ok {
		return rank
	}
	return defaultSourceRank(a.ID)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

// slugify derives the stable archive id from a filename:
// "Wikipedia EN All (2024-01).zim" -> "wikipedia-en-all-2024-01".
func slugify(name string) string {
	s := strings.TrimSuffix(strings.ToLower(name), ".zim")
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// humanizeName turns a filename into a display title when the archive has no
// Title metadata: "devdocs_en_go_2024-05.zim" -> "Devdocs En Go 2024-05".
func humanizeName(name string) string {
	s := strings.TrimSuffix(name, ".zim")
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

var flavorRe = regexp.MustCompile(`_(maxi|mini|nopic|novid|all)(?:_|\.|$)`)

func parseFlavor(name string) string {
	if m := flavorRe.FindStringSubmatch(strings.ToLower(name)); m != nil {
		return m[1]
	}
	return ""
}

// categorize buckets an archive id by its well-known name patterns.
func categorize(id string) string {
	switch {
	case strings.HasPrefix(id, "wikipedia"):
		return "wikipedia"
	case strings.HasPrefix(id, "wiktionary"), strings.HasPrefix(id, "wikiquote"),
		strings.HasPrefix(id, "wikibooks"), strings.HasPrefix(id, "wikisource"),
		strings.HasPrefix(id, "wikivoyage"), strings.HasPrefix(id, "wikiversity"):
		return "wiki"
	case strings.Contains(id, "stackoverflow"), strings.Contains(id, "stackexchange"),
		strings.Contains(id, "superuser"), strings.Contains(id, "serverfault"),
		strings.Contains(id, "askubuntu"):
		return "stackexchange"
	case strings.Contains(id, "devdocs"):
		return "devdocs"
	case strings.Contains(id, "gutenberg"):
		return "books"
	case strings.Contains(id, "zimgit"):
		return "docs"
	default:
		return "other"
	}
}

// defaultSourceRank implements the built-in authority ordering:
// Wikipedia > Wiktionary/Wikiquote > Stack Exchange > dev docs > other.
func defaultSourceRank(id string) int {
	switch categorize(id) {
	case "wikipedia":
		return 100
	case "wiki":
		return 80
	case "stackexchange":
		return 60
	case "devdocs":
		return 50
	case "books", "docs":
		return 30
	default:
		return 10
	}
}

var junkPathRe = regexp.MustCompile(`questions/tagged/|/tags$|/tags/page`)

// isJunkPath reports tag-index style pages that pollute results on Stack
// Exchange archives.
func isJunkPath(path string) bool {
	return junkPathRe.MatchString(path)
}
