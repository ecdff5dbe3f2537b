package zimi

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestReader(t *testing.T) (*testEnv, *Reader) {
	t.Helper()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_test.zim")
	env.refresh(t)
	return env, NewReader(env.reg, testLogger())
}

func TestRead_HTMLArticle(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	res, err := r.Read(context.Background(), "wikipedia_en_test", "A/Water", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Title != "Water" {
		t.Errorf("Title = %q", res.Title)
	}
	if !strings.Contains(res.Text, "inorganic compound") {
		t.Errorf("Text = %q", res.Text)
	}
	if !strings.Contains(res.Mime, "html") {
		t.Errorf("Mime = %q", res.Mime)
	}
}

func TestRead_BarePathAndRedirect(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	// Bare path resolves through the namespace fallback.
	res, err := r.Read(context.Background(), "wikipedia_en_test", "Water", 0)
	if err != nil {
		t.Fatalf("Read bare path: %v", err)
	}
	if res.Title != "Water" {
		t.Errorf("Title = %q", res.Title)
	}

	// Redirects resolve to their target content.
	res, err = r.Read(context.Background(), "wikipedia_en_test", "A/H2O", 0)
	if err != nil {
		t.Fatalf("Read redirect: %v", err)
	}
	if !strings.Contains(res.Text, "inorganic compound") {
		t.Errorf("redirect Text = %q", res.Text)
	}
}

func TestRead_MaxLengthTruncates(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	res, err := r.Read(context.Background(), "wikipedia_en_test", "A/Water", 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.HasSuffix(res.Text, "…") {
		t.Errorf("truncated text = %q, want ellipsis suffix", res.Text)
	}
}

func TestRead_NotFound(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	_, err := r.Read(context.Background(), "wikipedia_en_test", "A/Nope", 0)
	if err == nil {
		t.Fatal("missing entry did not error")
	}
	if kind, status := errorKind(err); kind != "not_found" || status != 404 {
		t.Errorf("errorKind = %s/%d, want not_found/404", kind, status)
	}

	_, err = r.Read(context.Background(), "no-such-archive", "A/Water", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown archive error = %v", err)
	}
}

func TestSnippet_PrefersMetaDescription(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	snip, err := r.Snippet(context.Background(), "wikipedia_en_test", "A/Water")
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if snip != "Water is a molecule." {
		t.Errorf("Snippet = %q", snip)
	}

	// No meta description: fall back to body text.
	snip, err = r.Snippet(context.Background(), "wikipedia_en_test", "A/Fire")
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if !strings.Contains(snip, "Rapid oxidation") {
		t.Errorf("body fallback = %q", snip)
	}

	// Non-HTML entries have no snippet.
	snip, err = r.Snippet(context.Background(), "wikipedia_en_test", "I/logo.png")
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if snip != "" {
		t.Errorf("image snippet = %q, want empty", snip)
	}
}

func TestRaw_ReturnsBytesAndMime(t *testing.T) {
	t.Parallel()
	_, r := newTestReader(t)

	data, mime, err := r.Raw(context.Background(), "wikipedia_en_test", "I/logo.png")
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("Mime = %q", mime)
	}
	if len(data) == 0 {
		t.Error("Raw returned no bytes")
	}
}

func TestMimeByExtension(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"style.css", "text/css"},
		{"A/page.HTML", "text/html"},
		{"font.woff2", "font/woff2"},
		{"mystery.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mimeByExtension(tt.in); got != tt.want {
			t.Errorf("mimeByExtension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
