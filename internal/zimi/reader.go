package zimi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"zimi/internal/zim"
)

const (
	// maxServeBytes refuses entries larger than this on the raw endpoint.
	maxServeBytes = 50 << 20

	// defaultReadLength bounds /read text when the caller passes no limit.
	defaultReadLength = 5000

	// snippetLength is the body-text fallback length for snippets.
	snippetLength = 240
)

// ReadResult is the decoded article returned by Read.
type ReadResult struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Mime  string `json:"mime"`
}

// Reader fetches entries through the native layer and turns HTML into
// readable text. All native access goes through the registry's global lock.
type Reader struct {
	reg    *Registry
	logger *slog.Logger
}

// NewReader constructs the reader.
func NewReader(reg *Registry, logger *slog.Logger) *Reader {
	return &Reader{reg: reg, logger: logger}
}

// lookupEntry finds path in the archive, retrying across the content
// namespaces so old-namespace links keep working against new-namespace
// archives and vice versa.
func lookupEntry(h *zim.Archive, p string) (*zim.Entry, error) {
	e, err := h.EntryByPath(p)
	if err == nil {
		return e.Resolve()
	}
	if !errors.Is(err, zim.ErrNotFound) {
		return nil, err
	}

	bare := p
	if len(p) >= 2 && p[1] == '/' {
		bare = p[2:]
	}
	for _, ns := range [...]byte{'A', 'C', 'I', '-'} {
		candidate := string(ns) + "/" + bare
		if candidate == p {
			continue
		}
		if e, err := h.EntryByPath(candidate); err == nil {
			return e.Resolve()
		}
	}
	return nil, fmt.Errorf("%w: %s", zim.ErrNotFound, p)
}

// fetch reads the entry's bytes under the global lock.
func (r *Reader) fetch(archiveID, entryPath string) (data []byte, title, mime string, err error) {
	err = r.reg.WithNative(archiveID, func(h *zim.Archive) error {
		e, err := lookupEntry(h, entryPath)
		if err != nil {
			return err
		}
		data, err = e.Data()
		if err != nil {
			return err
		}
		title = e.Title
		mime = e.MimeType
		return nil
	})
	if err != nil {
		return nil, "", "", err
	}
	if mime == "" {
		mime = mimeByExtension(entryPath)
	}
	return data, title, mime, nil
}

// Read fetches an entry and extracts readable text, truncated at a word
// boundary. Non-text entries return an empty text with their MIME type.
func (r *Reader) Read(ctx context.Context, archiveID, entryPath string, maxLength int) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxLength <= 0 {
		maxLength = defaultReadLength
	}

	data, title, mime, err := r.fetch(archiveID, entryPath)
	if err != nil {
		return nil, err
	}

	res := &ReadResult{Title: title, Mime: mime}
	switch {
	case strings.Contains(mime, "html"):
		if t := htmlTitle(data); t != "" {
			res.Title = t
		}
		res.Text = truncateWords(htmlToText(data, false), maxLength)
	case strings.HasPrefix(mime, "text/"):
		res.Text = truncateWords(strings.TrimSpace(string(data)), maxLength)
	}
	return res, nil
}

// Snippet extracts the first of: meta description, og:description, or the
// leading body text with navigation chrome skipped.
func (r *Reader) Snippet(ctx context.Context, archiveID, entryPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, _, mime, err := r.fetch(archiveID, entryPath)
	if err != nil {
		return "", err
	}
	if !strings.Contains(mime, "html") {
		return "", nil
	}
	if desc := metaDescription(data); desc != "" {
		return truncateWords(desc, snippetLength), nil
	}
	return truncateWords(htmlToText(data, true), snippetLength), nil
}

// Raw returns the entry's bytes and MIME type for the wire endpoint. Entries
// over maxServeBytes are refused.
func (r *Reader) Raw(ctx context.Context, archiveID, entryPath string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	data, _, mime, err := r.fetch(archiveID, entryPath)
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxServeBytes {
		return nil, "", fmt.Errorf("%w: entry exceeds %d bytes", ErrBadRequest, maxServeBytes)
	}
	return data, mime, nil
}

// mimeFallbacks maps extensions for entries stored without a MIME type.
var mimeFallbacks = map[string]string{
	".html": "text/html", ".htm": "text/html",
	".css": "text/css", ".js": "application/javascript",
	".json": "application/json", ".txt": "text/plain",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".svg": "image/svg+xml", ".webp": "image/webp",
	".ico": "image/x-icon",
	".woff": "font/woff", ".woff2": "font/woff2", ".ttf": "font/ttf",
	".pdf": "application/pdf",
	".mp4": "video/mp4", ".webm": "video/webm",
	".ogg": "audio/ogg", ".mp3": "audio/mpeg",
}

func mimeByExtension(p string) string {
	if mime, ok := mimeFallbacks[strings.ToLower(path.Ext(p))]; ok {
		return mime
	}
	return "application/octet-stream"
}
