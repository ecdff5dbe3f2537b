package zimi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zimi/internal/zim"
)

const (
	// phase1Budget is the hard deadline for the parallel title phase;
	// archives that miss it are dropped and the response is marked partial.
	phase1Budget = 800 * time.Millisecond

	// defaultSearchLimit applies when the caller passes no limit.
	defaultSearchLimit = 20

	// maxSearchLimit caps the per-request result count.
	maxSearchLimit = 100
)

// Match qualities feeding the score, best first.
const (
	matchExact     = 100
	matchPrefix    = 60
	matchSubstring = 30
	matchFTSOnly   = 15
)

// SearchOptions selects scope and behavior for one search call.
type SearchOptions struct {
	Limit           int
	ZimID           string
	Collection      string
	Fast            bool
	Timeout         time.Duration
	IncludeSnippets bool
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Archive      string  `json:"archive"`
	Path         string  `json:"path"`
	Title        string  `json:"title"`
	Kind         string  `json:"kind"`
	Score        float64 `json:"score"`
	Snippet      string  `json:"snippet,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	SourceRank   int     `json:"source_rank"`
}

// SearchResponse is the full response for one search call.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Phase   string         `json:"phase"` // "title" or "full"
	Partial bool           `json:"partial"`
}

// Suggestion is one autocomplete hit.
type Suggestion struct {
	Archive string `json:"archive"`
	Path    string `json:"path"`
	Title   string `json:"title"`
}

// SearchEngine runs the two-phase cross-archive search.
//
// Phase 1 fans out prefix/token queries against the title indexes, taking
// only per-archive title read locks so archives proceed in parallel. Phase 2
// runs the archives' native search serialized under the registry's global
// lock, highest source rank first, within whatever budget phase 1 left.
type SearchEngine struct {
	reg     *Registry
	store   *IndexStore
	reader  *Reader
	results *SearchCache
	suggest *SuggestCache
	logger  *slog.Logger

	defaultTimeout time.Duration
}

// NewSearchEngine wires the engine. defaultTimeout bounds a whole search when
// the caller does not pass one (config ZIMI_SEARCH_TIMEOUT).
func NewSearchEngine(reg *Registry, store *IndexStore, reader *Reader,
	results *SearchCache, suggest *SuggestCache, defaultTimeout time.Duration, logger *slog.Logger) *SearchEngine {
	return &SearchEngine{
		reg:            reg,
		store:          store,
		reader:         reader,
		results:        results,
		suggest:        suggest,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// candidate is an unscored hit collected during either phase.
type candidate struct {
	archive *Archive
	path    string
	title   string
	kind    string
	quality int
}

// Search runs a query. Identical (query, scope, limit, fast) calls against an
// unchanged archive set are answered from the result cache.
func (e *SearchEngine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	norm := normalizeQuery(query)
	if norm == "" {
		return nil, fmt.Errorf("%w: empty query", ErrBadRequest)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}
	if opts.Limit > maxSearchLimit {
		opts.Limit = maxSearchLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaultTimeout
	}

	key := searchCacheKey(norm, opts.ZimID, opts.Collection, opts.Limit, opts.Fast)
	if cached, ok := e.results.Get(key); ok {
		return e.withSnippets(ctx, cached, opts.IncludeSnippets), nil
	}

	archives, err := e.reg.Scoped(opts.ZimID, opts.Collection)
	if err != nil {
		return nil, err
	}

	tokens := queryTokens(query)
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	cands, partial := e.phase1(ctx, archives, norm, tokens, opts.Limit)

	// The phase reflects what actually ran: an exhausted budget leaves a
	// title-only response even when the caller asked for the full search.
	phase := "title"
	if !opts.Fast {
		if remaining := time.Until(deadline); remaining > 0 {
			phase = "full"
			more, p2partial := e.phase2(ctx, archives, tokens, opts.Limit, remaining)
			cands = append(cands, more...)
			partial = partial || p2partial
		} else {
			partial = true
		}
	}

	results := e.rank(cands, norm, opts.Limit)

	resp := &SearchResponse{Results: results, Phase: phase, Partial: partial}
	e.results.Put(key, resp)
	return e.withSnippets(ctx, resp, opts.IncludeSnippets), nil
}

// withSnippets returns resp as-is, or a snippet-filled copy. Snippets are a
// post-cache filter; the cached response itself stays snippet-free so both
// variants share one cache slot.
func (e *SearchEngine) withSnippets(ctx context.Context, resp *SearchResponse, include bool) *SearchResponse {
	if !include || len(resp.Results) == 0 {
		return resp
	}
	cp := &SearchResponse{
		Results: make([]SearchResult, len(resp.Results)),
		Phase:   resp.Phase,
		Partial: resp.Partial,
	}
	copy(cp.Results, resp.Results)
	e.fillSnippets(ctx, cp.Results)
	return cp
}

// phase1 runs the parallel title phase under the 800 ms budget.
func (e *SearchEngine) phase1(ctx context.Context, archives []*Archive, norm string, tokens []string, limit int) ([]candidate, bool) {
	ctx, cancel := context.WithTimeout(ctx, phase1Budget)
	defer cancel()

	firstToken := norm
	if i := strings.IndexByte(norm, ' '); i >= 0 {
		firstToken = norm[:i]
	}
	multiWord := len(tokens) > 1

	var (
		mu      sync.Mutex
		out     []candidate
		partial bool
	)
	markPartial := func() {
		mu.Lock()
		partial = true
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range archives {
		a := a
		if !e.store.Ready(a.ID) {
			// Quarantined or still building; phase 2 may still cover it.
			markPartial()
			continue
		}
		g.Go(func() error {
			a.titleMu.RLock()
			defer a.titleMu.RUnlock()

			hits, err := e.store.Prefix(gctx, a.ID, firstToken, limit)
			if err != nil {
				if gctx.Err() == nil {
					e.logger.Warn("phase 1 prefix query failed", "id", a.ID, "error", err)
				}
				markPartial()
				return nil // single-archive failure never fails the search
			}
			local := make([]candidate, 0, len(hits))
			for _, h := range hits {
				local = append(local, candidate{archive: a, path: h.Path, title: h.Title, kind: h.Kind, quality: matchPrefix})
			}

			if multiWord {
				tokHits, truncated, err := e.store.Tokens(gctx, a.ID, tokens, limit)
				if err != nil {
					if gctx.Err() == nil {
						e.logger.Warn("phase 1 token query failed", "id", a.ID, "error", err)
					}
					markPartial()
				} else {
					if truncated {
						markPartial()
					}
					for _, h := range tokHits {
						local = append(local, candidate{archive: a, path: h.Path, title: h.Title, kind: h.Kind, quality: matchSubstring})
					}
				}
			}

			mu.Lock()
			out = append(out, local...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		partial = true
	}
	return out, partial
}

// phase2 runs the serialized native phase, visiting archives in
// (source_rank desc, id asc) order under the global archive lock.
func (e *SearchEngine) phase2(ctx context.Context, archives []*Archive, tokens []string, limit int, budget time.Duration) ([]candidate, bool) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ordered := make([]*Archive, len(archives))
	copy(ordered, archives)
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := e.reg.SourceRank(ordered[i]), e.reg.SourceRank(ordered[j])
		if ri != rj {
			return ri > rj
		}
		return ordered[i].ID < ordered[j].ID
	})

	var out []candidate
	partial := false
	err := e.reg.withNativeAll(ctx, ordered, func(a *Archive, h *zim.Archive) error {
		entries, err := h.FindTitles(ctx, tokens, limit)
		if err != nil {
			e.logger.Warn("phase 2 search failed", "id", a.ID, "error", err)
			partial = true
			return nil
		}
		for _, entry := range entries {
			if isJunkPath(entry.URL) {
				continue
			}
			out = append(out, candidate{
				archive: a,
				path:    entry.Path(),
				title:   entry.Title,
				kind:    "article",
				quality: matchFTSOnly,
			})
		}
		return nil
	})
	if err != nil || ctx.Err() != nil {
		partial = true
	}
	return out, partial
}

// rank dedups, scores, orders and truncates the merged candidates.
func (e *SearchEngine) rank(cands []candidate, norm string, limit int) []SearchResult {
	type slot struct {
		cand candidate
	}
	best := make(map[string]*slot, len(cands))
	order := make([]string, 0, len(cands))

	for _, c := range cands {
		c.quality = titleQuality(c.title, norm, c.quality)
		key := c.archive.ID + "\x00" + canonicalPath(c.path)
		s, ok := best[key]
		if !ok {
			best[key] = &slot{cand: c}
			order = append(order, key)
			continue
		}
		if c.quality > s.cand.quality {
			s.cand = c
		}
	}

	results := make([]SearchResult, 0, len(order))
	for _, key := range order {
		c := best[key].cand
		rank := e.reg.SourceRank(c.archive)
		kind := c.kind
		if kind == "" {
			kind = "article"
		}
		r := SearchResult{
			Archive:    c.archive.ID,
			Path:       c.path,
			Title:      c.title,
			Kind:       kind,
			Score:      float64(c.quality) + float64(rank)/10,
			SourceRank: rank,
		}
		if kind == "image" {
			r.ThumbnailURL = "/w/" + c.archive.ID + "/" + c.path
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if len(results[i].Title) != len(results[j].Title) {
			return len(results[i].Title) < len(results[j].Title)
		}
		if results[i].Title != results[j].Title {
			return results[i].Title < results[j].Title
		}
		// Same title across archives: keep archive order stable.
		return results[i].Archive < results[j].Archive
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// fillSnippets resolves snippets for the final truncated set only.
func (e *SearchEngine) fillSnippets(ctx context.Context, results []SearchResult) {
	for i := range results {
		if results[i].Kind != "article" {
			continue
		}
		snip, err := e.reader.Snippet(ctx, results[i].Archive, results[i].Path)
		if err != nil {
			continue
		}
		results[i].Snippet = snip
	}
}

// Suggest serves autocomplete for one archive or the whole scope, through the
// suggestion cache.
func (e *SearchEngine) Suggest(ctx context.Context, query, zimID, collection string, limit int) ([]Suggestion, error) {
	prefix := normalizeQuery(query)
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty query", ErrBadRequest)
	}
	if limit <= 0 {
		limit = 10
	}

	archives, err := e.reg.Scoped(zimID, collection)
	if err != nil {
		return nil, err
	}

	var merged []Suggestion
	for _, a := range archives {
		key := suggestCacheKey(a.ID, prefix, limit)
		if hits, ok := e.suggest.Get(key); ok {
			merged = append(merged, hits...)
			continue
		}
		if !e.store.Ready(a.ID) {
			continue
		}

		a.titleMu.RLock()
		hits, err := e.store.Prefix(ctx, a.ID, prefix, limit)
		a.titleMu.RUnlock()
		if err != nil {
			e.logger.Warn("suggest query failed", "id", a.ID, "error", err)
			continue
		}
		sugg := make([]Suggestion, 0, len(hits))
		for _, h := range hits {
			sugg = append(sugg, Suggestion{Archive: a.ID, Path: h.Path, Title: h.Title})
		}
		e.suggest.Put(key, sugg)
		merged = append(merged, sugg...)
	}

	// Dedup by folded title across archives, highest source rank first.
	sort.SliceStable(merged, func(i, j int) bool {
		ai, _ := e.reg.Get(merged[i].Archive)
		aj, _ := e.reg.Get(merged[j].Archive)
		ri, rj := e.reg.SourceRank(ai), e.reg.SourceRank(aj)
		if ri != rj {
			return ri > rj
		}
		return merged[i].Title < merged[j].Title
	})
	seen := make(map[string]bool, len(merged))
	out := merged[:0]
	for _, s := range merged {
		k := foldTitle(s.Title)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// titleQuality upgrades the phase-assigned quality using the actual title.
func titleQuality(title, norm string, base int) int {
	folded := foldTitle(title)
	switch {
	case folded == norm:
		return matchExact
	case strings.HasPrefix(folded, norm):
		if base < matchPrefix {
			return matchPrefix
		}
	case strings.Contains(folded, norm):
		if base < matchSubstring {
			return matchSubstring
		}
	}
	return base
}

// canonicalPath normalizes a path for dedup: fragment stripped, URL-decoded,
// leading "A/" collapsed.
func canonicalPath(p string) string {
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	return strings.TrimPrefix(p, "A/")
}

// stopWords are dropped from full-text tokens unless the whole query is stop
// words. Quoted phrases pass through untouched.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "will": true,
	"with": true,
}

// queryTokens splits a raw query into folded search tokens, keeping quoted
// phrases whole and stripping stop words when other tokens remain.
func queryTokens(q string) []string {
	var tokens []string
	rest := q
	for {
		i := strings.IndexByte(rest, '"')
		if i < 0 {
			break
		}
		j := strings.IndexByte(rest[i+1:], '"')
		if j < 0 {
			break
		}
		phrase := rest[i+1 : i+1+j]
		if p := normalizeQuery(phrase); p != "" {
			tokens = append(tokens, p)
		}
		rest = rest[:i] + " " + rest[i+1+j+1:]
	}

	words := strings.Fields(normalizeQuery(rest))
	var kept []string
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 && len(tokens) == 0 {
		kept = words // all stop words: search them anyway
	}
	return append(tokens, kept...)
}
