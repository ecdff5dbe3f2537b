package zimi

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"zimi/internal/zim/zimtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeWikipediaFixture builds a small but realistic archive under dir with
// the given filename and returns its path.
func writeWikipediaFixture(t *testing.T, dir, filename string) string {
	t.Helper()
	b := &zimtest.Builder{}
	b.Add('M', "Title", "", "text/plain", []byte("Test Wikipedia"))
	b.Add('M', "Description", "", "text/plain", []byte("offline test slice"))
	b.Add('M', "Language", "", "text/plain", []byte("eng"))
	b.Entries = append(b.Entries, zimtest.Entry{
		Namespace: 'A', URL: "Water", Title: "Water", MimeType: "text/html",
		Content: []byte("<html><head><title>Water</title><meta name=\"description\" content=\"Water is a molecule.\"></head><body><p>Water is an inorganic compound.</p></body></html>"),
		Main:    true,
	})
	b.Add('A', "Water_purification", "Water purification", "text/html",
		[]byte("<html><body><p>Removing contaminants from water.</p></body></html>"))
	b.Add('A', "Waterfall", "Waterfall", "text/html",
		[]byte("<html><body><p>A river drops over a ledge.</p></body></html>"))
	b.Add('A', "Fire", "Fire", "text/html",
		[]byte("<html><body><p>Rapid oxidation of a material.</p></body></html>"))
	b.AddRedirect('A', "H2O", "H2O", "A/Water")
	b.Add('I', "logo.png", "Site logo", "image/png", []byte{0x89, 'P', 'N', 'G'})
	b.Add('M', "Illustration_48x48@1", "", "image/png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})

	path := filepath.Join(dir, filename)
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("writing fixture archive: %v", err)
	}
	return path
}

// writeDocsFixture builds a second archive with non-overlapping titles.
func writeDocsFixture(t *testing.T, dir, filename string) string {
	t.Helper()
	b := &zimtest.Builder{}
	b.Add('M', "Title", "", "text/plain", []byte("Test Docs"))
	b.Add('M', "Language", "", "text/plain", []byte("eng"))
	b.Add('A', "Goroutines", "Goroutines", "text/html",
		[]byte("<html><body><p>Lightweight concurrent functions.</p></body></html>"))
	b.Add('A', "Water_cooling", "Water cooling", "text/html",
		[]byte("<html><body><p>Cooling hardware with water loops.</p></body></html>"))

	path := filepath.Join(dir, filename)
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("writing fixture archive: %v", err)
	}
	return path
}

// testEnv wires a registry, state and index store over a temp archive dir.
type testEnv struct {
	dir   string
	state *State
	reg   *Registry
	store *IndexStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	state, err := OpenState(filepath.Join(dir, ".zimi"), dir, testLogger())
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}
	reg := NewRegistry(dir, state, testLogger(), nil)
	store := NewIndexStore(state.TitlesDir(), testLogger(), nil)
	return &testEnv{dir: dir, state: state, reg: reg, store: store}
}

// refresh rescans the directory and fails the test on error.
func (e *testEnv) refresh(t *testing.T) {
	t.Helper()
	if _, err := e.reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

// ensureIndexes kicks off builds for every archive and waits until each index
// is ready.
func (e *testEnv) ensureIndexes(t *testing.T) {
	t.Helper()
	for _, a := range e.reg.List() {
		e.store.Ensure(context.Background(), e.reg, a)
	}
	for _, a := range e.reg.List() {
		waitFor(t, 10*time.Second, func() bool { return e.store.Ready(a.ID) })
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
