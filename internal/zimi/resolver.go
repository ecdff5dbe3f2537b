package zimi

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// resolveConcurrency bounds parallel index probes for batch resolution.
const resolveConcurrency = 8

// ResolvedLink names the local archive and path a foreign URL maps to.
type ResolvedLink struct {
	Archive string `json:"archive"`
	Path    string `json:"path"`
}

// hostRule maps an external hostname suffix onto archive-name prefixes. The
// table is small and scanned linearly.
type hostRule struct {
	suffix    string // matched against the end of the hostname
	prefix    string // archive id prefix; "" means the full host, slugified
	wikiStyle bool   // paths look like /wiki/<article>
	langLabel bool   // first host label is the language ("en.wikipedia.org")
}

var hostRules = []hostRule{
	{suffix: ".wikipedia.org", prefix: "wikipedia", wikiStyle: true, langLabel: true},
	{suffix: ".wiktionary.org", prefix: "wiktionary", wikiStyle: true, langLabel: true},
	{suffix: ".wikiquote.org", prefix: "wikiquote", wikiStyle: true, langLabel: true},
	{suffix: ".wikibooks.org", prefix: "wikibooks", wikiStyle: true, langLabel: true},
	{suffix: ".wikisource.org", prefix: "wikisource", wikiStyle: true, langLabel: true},
	{suffix: ".wikivoyage.org", prefix: "wikivoyage", wikiStyle: true, langLabel: true},
	{suffix: "stackoverflow.com", prefix: "stackoverflow"},
	{suffix: "superuser.com", prefix: "superuser"},
	{suffix: "serverfault.com", prefix: "serverfault"},
	{suffix: "askubuntu.com", prefix: "askubuntu"},
	{suffix: ".stackexchange.com"},
	{suffix: "devdocs.io", prefix: "devdocs"},
	{suffix: "gutenberg.org", prefix: "gutenberg"},
}

// Resolver rewrites URLs pointing at known external sites onto installed
// archives. Existence checks go through the title index only, never the
// native layer, so resolution stays cheap and lock-light.
type Resolver struct {
	reg    *Registry
	store  *IndexStore
	logger *slog.Logger
	sem    *semaphore.Weighted
}

// NewResolver constructs the resolver.
func NewResolver(reg *Registry, store *IndexStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		reg:    reg,
		store:  store,
		logger: logger,
		sem:    semaphore.NewWeighted(resolveConcurrency),
	}
}

// Resolve maps one URL. Returns nil when no installed archive covers it.
func (rv *Resolver) Resolve(ctx context.Context, rawURL string) *ResolvedLink {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	rule, ok := matchHost(host)
	if !ok {
		return nil
	}

	prefix := rule.prefix
	if prefix == "" {
		prefix = slugify(host)
	}
	lang := ""
	if rule.langLabel {
		if i := strings.IndexByte(host, '.'); i > 0 {
			lang = host[:i]
		}
	}

	paths := candidatePaths(u.Path, rule.wikiStyle)
	if len(paths) == 0 {
		return nil
	}

	for _, a := range rv.reg.List() {
		if !strings.HasPrefix(a.ID, prefix) {
			continue
		}
		if !langMatches(a, lang) {
			continue
		}
		for _, p := range paths {
			a.titleMu.RLock()
			found := rv.store.HasPath(ctx, a.ID, p)
			a.titleMu.RUnlock()
			if found {
				return &ResolvedLink{Archive: a.ID, Path: p}
			}
		}
	}
	return nil
}

// ResolveBatch maps many URLs with bounded concurrency. Unresolvable URLs map
// to nil.
func (rv *Resolver) ResolveBatch(ctx context.Context, urls []string) map[string]*ResolvedLink {
	out := make(map[string]*ResolvedLink, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, raw := range urls {
		raw := raw
		mu.Lock()
		if _, dup := out[raw]; dup {
			mu.Unlock()
			continue
		}
		out[raw] = nil
		mu.Unlock()

		if err := rv.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rv.sem.Release(1)
			link := rv.Resolve(ctx, raw)
			mu.Lock()
			out[raw] = link
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func matchHost(host string) (hostRule, bool) {
	for _, rule := range hostRules {
		if strings.HasSuffix(host, rule.suffix) || host == strings.TrimPrefix(rule.suffix, ".") {
			return rule, true
		}
	}
	return hostRule{}, false
}

// candidatePaths lists the archive paths a URL path may live at, best first.
func candidatePaths(upath string, wikiStyle bool) []string {
	p := strings.TrimPrefix(upath, "/")
	if wikiStyle {
		p = strings.TrimPrefix(p, "wiki/")
	}
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	if p == "" {
		return nil
	}
	return []string{"A/" + p, p, "C/" + p}
}

// langMatches accepts an archive when the URL carries no language hint, when
// the archive's metadata language matches in either 2- or 3-letter form, or
// when the language appears as a filename token.
func langMatches(a *Archive, lang string) bool {
	if lang == "" || lang == "www" {
		return true
	}
	al := strings.ToLower(a.Language)
	if al != "" && (strings.HasPrefix(al, lang) || strings.HasPrefix(lang, al)) {
		return true
	}
	return strings.Contains(a.ID, "_"+lang+"_") || strings.Contains(a.ID, "-"+lang+"-") ||
		strings.Contains(a.ID, "_"+lang+"-") || strings.Contains(a.ID, "-"+lang+"_")
}
