package zimi

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// CatalogEntry is one archive offered by the Kiwix OPDS catalog.
type CatalogEntry struct {
	ID       string        `xml:"id" json:"id"`
	Name     string        `xml:"name" json:"name"`
	Title    string        `xml:"title" json:"title"`
	Summary  string        `xml:"summary" json:"summary"`
	Language string        `xml:"language" json:"language"`
	Category string        `xml:"category" json:"category"`
	Flavour  string        `xml:"flavour" json:"flavour"`
	Updated  string        `xml:"updated" json:"updated"`
	Links    []catalogLink `xml:"link" json:"-"`

	URL      string `xml:"-" json:"url"`
	Filename string `xml:"-" json:"filename"`
	Size     int64  `xml:"-" json:"size"`
}

type catalogLink struct {
	Rel    string `xml:"rel,attr"`
	Href   string `xml:"href,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

type catalogFeed struct {
	Entries []CatalogEntry `xml:"entry"`
}

const acquisitionRel = "http://opds-spec.org/acquisition/open-access"

// Catalog queries the Kiwix library's OPDS feed.
type Catalog struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewCatalog constructs the client. baseURL points at the OPDS entries
// endpoint (config ZIMI_CATALOG_URL).
func NewCatalog(baseURL string, client *http.Client, logger *slog.Logger) *Catalog {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Catalog{baseURL: baseURL, client: client, logger: logger}
}

// Fetch returns catalog entries matching the query parameters (lang, q,
// category, count). An empty query lists the whole catalog.
func (c *Catalog) Fetch(ctx context.Context, query url.Values) ([]CatalogEntry, error) {
	u := c.baseURL
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("catalog read: %w", err)
	}

	var feed catalogFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("catalog parse: %w", err)
	}

	out := feed.Entries[:0]
	for _, e := range feed.Entries {
		if !e.fillDownload() {
			continue // no usable acquisition link
		}
		out = append(out, e)
	}
	return out, nil
}

// fillDownload derives URL, Filename and Size from the acquisition link.
// Kiwix publishes .meta4 metalinks; the plain file URL is the same without
// the suffix.
func (e *CatalogEntry) fillDownload() bool {
	for _, l := range e.Links {
		if l.Rel != acquisitionRel {
			continue
		}
		e.URL = strings.TrimSuffix(l.Href, ".meta4")
		e.Filename = path.Base(e.URL)
		e.Size = l.Length
		return e.Filename != "" && strings.HasSuffix(e.Filename, ".zim")
	}
	return false
}

// dateStampRe matches the trailing date stamp in Kiwix filenames,
// "wikipedia_en_all_maxi_2024-01.zim".
var dateStampRe = regexp.MustCompile(`_(\d{4}-\d{2}(?:-\d{2})?)(?:\.zim)?$`)

// splitDateStamp separates a filename into its dateless base and the date.
func splitDateStamp(filename string) (base, date string) {
	name := strings.TrimSuffix(filename, ".zim")
	if m := dateStampRe.FindStringSubmatch(name); m != nil {
		return strings.TrimSuffix(name, "_"+m[1]), m[1]
	}
	return name, ""
}

// UpdateInfo pairs an installed archive with the newer catalog entry found
// for it.
type UpdateInfo struct {
	ArchiveID string       `json:"archive"`
	Installed string       `json:"installed"`
	Entry     CatalogEntry `json:"entry"`
}

// FindUpdates fetches the catalog and reports installed archives that have a
// newer date-stamped version. Matching strips the date from the installed
// filename and takes the catalog entry with the longest matching base.
func (c *Catalog) FindUpdates(ctx context.Context, installed []*Archive) ([]UpdateInfo, error) {
	entries, err := c.Fetch(ctx, url.Values{"count": {"-1"}})
	if err != nil {
		return nil, err
	}

	byBase := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		base, date := splitDateStamp(e.Filename)
		if prev, ok := byBase[base]; ok {
			_, prevDate := splitDateStamp(prev.Filename)
			if date <= prevDate {
				continue
			}
		}
		byBase[base] = e
	}

	var updates []UpdateInfo
	for _, a := range installed {
		filename := path.Base(a.Path)
		base, date := splitDateStamp(filename)

		entry, ok := byBase[base]
		if !ok {
			// Fall back to the longest base that prefixes ours; catalog
			// names occasionally gain or lose a qualifier between releases.
			bestLen := 0
			for b, e := range byBase {
				if strings.HasPrefix(base, b) && len(b) > bestLen {
					entry, ok, bestLen = e, true, len(b)
				}
			}
			if !ok {
				continue
			}
		}

		_, newDate := splitDateStamp(entry.Filename)
		// Date stamps are YYYY-MM[-DD]; lexical order is date order.
		if newDate != "" && newDate > date {
			updates = append(updates, UpdateInfo{
				ArchiveID: a.ID,
				Installed: filename,
				Entry:     entry,
			})
		}
	}
	return updates, nil
}
