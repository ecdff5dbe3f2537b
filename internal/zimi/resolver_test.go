package zimi

import (
	"context"
	"reflect"
	"testing"
)

func TestCandidatePaths(t *testing.T) {
	t.Parallel()
	got := candidatePaths("/wiki/Water_purification", true)
	want := []string{"A/Water_purification", "Water_purification", "C/Water_purification"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidatePaths = %v, want %v", got, want)
	}

	got = candidatePaths("/questions/123/how", false)
	want = []string{"A/questions/123/how", "questions/123/how", "C/questions/123/how"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidatePaths = %v, want %v", got, want)
	}

	if paths := candidatePaths("/", true); paths != nil {
		t.Errorf("root path produced candidates: %v", paths)
	}
}

func TestMatchHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host   string
		prefix string
		ok     bool
	}{
		{"en.wikipedia.org", "wikipedia", true},
		{"fr.wiktionary.org", "wiktionary", true},
		{"stackoverflow.com", "stackoverflow", true},
		{"unix.stackexchange.com", "", true},
		{"devdocs.io", "devdocs", true},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		rule, ok := matchHost(tt.host)
		if ok != tt.ok {
			t.Errorf("matchHost(%q) ok = %v, want %v", tt.host, ok, tt.ok)
			continue
		}
		if ok && rule.prefix != tt.prefix {
			t.Errorf("matchHost(%q) prefix = %q, want %q", tt.host, rule.prefix, tt.prefix)
		}
	}
}

func TestLangMatches(t *testing.T) {
	t.Parallel()
	a := &Archive{ID: "wikipedia_en_all_maxi", Language: "eng"}
	if !langMatches(a, "en") {
		t.Error("eng metadata should match en")
	}
	if langMatches(a, "fr") {
		t.Error("eng metadata should not match fr")
	}
	if !langMatches(a, "") {
		t.Error("no language hint should always match")
	}

	b := &Archive{ID: "wikipedia_fr_all_maxi"}
	if !langMatches(b, "fr") {
		t.Error("filename token should match fr")
	}
}

func TestResolve_WikiURL(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_test.zim")
	env.refresh(t)
	env.ensureIndexes(t)

	rv := NewResolver(env.reg, env.store, testLogger())
	link := rv.Resolve(context.Background(), "https://en.wikipedia.org/wiki/Water_purification")
	if link == nil {
		t.Fatal("known article did not resolve")
	}
	if link.Archive != "wikipedia_en_test" || link.Path != "A/Water_purification" {
		t.Errorf("resolved to %+v", link)
	}

	if link := rv.Resolve(context.Background(), "https://en.wikipedia.org/wiki/Nonexistent"); link != nil {
		t.Errorf("missing article resolved to %+v", link)
	}
	if link := rv.Resolve(context.Background(), "https://example.com/Water"); link != nil {
		t.Errorf("unknown host resolved to %+v", link)
	}
	if link := rv.Resolve(context.Background(), "://bad"); link != nil {
		t.Errorf("malformed URL resolved to %+v", link)
	}
}

func TestResolve_LanguageMismatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_test.zim")
	env.refresh(t)
	env.ensureIndexes(t)

	rv := NewResolver(env.reg, env.store, testLogger())
	// The fixture is English; a French URL must not land on it.
	if link := rv.Resolve(context.Background(), "https://fr.wikipedia.org/wiki/Water"); link != nil {
		t.Errorf("language mismatch resolved to %+v", link)
	}
}

func TestResolveBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_test.zim")
	env.refresh(t)
	env.ensureIndexes(t)

	rv := NewResolver(env.reg, env.store, testLogger())
	urls := []string{
		"https://en.wikipedia.org/wiki/Water",
		"https://en.wikipedia.org/wiki/Water", // duplicate
		"https://example.com/unknown",
	}
	out := rv.ResolveBatch(context.Background(), urls)
	if len(out) != 2 {
		t.Fatalf("batch returned %d entries, want 2 (deduped)", len(out))
	}
	if out["https://en.wikipedia.org/wiki/Water"] == nil {
		t.Error("known URL unresolved in batch")
	}
	if out["https://example.com/unknown"] != nil {
		t.Error("unknown URL resolved in batch")
	}
}
