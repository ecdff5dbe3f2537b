package zimi

import (
	"strings"
	"testing"
)

const fixtureHTML = `<html>
<head>
  <title>Water</title>
  <meta name="description" content="Water is a molecule.">
  <meta property="og:description" content="Social description.">
  <style>body { color: red }</style>
  <script>var x = 1;</script>
</head>
<body>
  <nav>Home | About</nav>
  <h1>Water</h1>
  <p>Water is an inorganic compound.</p>
  <footer>Copyright</footer>
</body>
</html>`

func TestHTMLToText(t *testing.T) {
	t.Parallel()
	text := htmlToText([]byte(fixtureHTML), false)
	if strings.Contains(text, "var x") || strings.Contains(text, "color: red") {
		t.Errorf("script/style leaked into text: %q", text)
	}
	if !strings.Contains(text, "Water is an inorganic compound.") {
		t.Errorf("body text missing: %q", text)
	}
	if !strings.Contains(text, "Home | About") {
		t.Errorf("nav should be kept for full reads: %q", text)
	}

	stripped := htmlToText([]byte(fixtureHTML), true)
	if strings.Contains(stripped, "Home | About") || strings.Contains(stripped, "Copyright") {
		t.Errorf("boilerplate kept in snippet mode: %q", stripped)
	}
}

func TestHTMLTitle(t *testing.T) {
	t.Parallel()
	if got := htmlTitle([]byte(fixtureHTML)); got != "Water" {
		t.Errorf("htmlTitle = %q", got)
	}
	if got := htmlTitle([]byte("<p>no title</p>")); got != "" {
		t.Errorf("htmlTitle without <title> = %q", got)
	}
}

func TestMetaDescription(t *testing.T) {
	t.Parallel()
	if got := metaDescription([]byte(fixtureHTML)); got != "Water is a molecule." {
		t.Errorf("metaDescription = %q, want the name=description value", got)
	}
	og := `<html><head><meta property="og:description" content="Only og."></head></html>`
	if got := metaDescription([]byte(og)); got != "Only og." {
		t.Errorf("og fallback = %q", got)
	}
	if got := metaDescription([]byte("<p>none</p>")); got != "" {
		t.Errorf("no description = %q", got)
	}
}

func TestTruncateWords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 100, "short"},
		{"alpha beta gamma", 10, "alpha…"},
		{"alpha beta, gamma", 12, "alpha beta…"},
		{"unbounded", 0, "unbounded"},
	}
	for _, tt := range tests {
		if got := truncateWords(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateWords(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}

	// Rune-safe: multibyte input must not be split mid-rune.
	got := truncateWords("ααα βββ γγγ", 7)
	if !strings.HasSuffix(got, "…") || strings.Contains(got, "�") {
		t.Errorf("multibyte truncation produced %q", got)
	}
}
