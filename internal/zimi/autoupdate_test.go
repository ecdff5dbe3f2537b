package zimi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAutoUpdateInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		freq string
		want time.Duration
	}{
		{"daily", 24 * time.Hour},
		{"weekly", 7 * 24 * time.Hour},
		{"monthly", 30 * 24 * time.Hour},
		{"", 7 * 24 * time.Hour},
		{"bogus", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := autoUpdateInterval(tt.freq); got != tt.want {
			t.Errorf("autoUpdateInterval(%q) = %s, want %s", tt.freq, got, tt.want)
		}
	}
}

func TestAutoUpdater_Configure(t *testing.T) {
	t.Parallel()
	u := NewAutoUpdater(false, "weekly", nil, nil, nil, testLogger())
	if u.Enabled() || u.Freq() != "weekly" {
		t.Fatalf("initial state = %v/%q", u.Enabled(), u.Freq())
	}

	u.Configure(true, "daily")
	if !u.Enabled() || u.Freq() != "daily" {
		t.Errorf("after configure = %v/%q", u.Enabled(), u.Freq())
	}

	// Empty freq keeps the current cadence.
	u.Configure(false, "")
	if u.Enabled() || u.Freq() != "daily" {
		t.Errorf("after partial configure = %v/%q", u.Enabled(), u.Freq())
	}
}

// newTestUpdater serves the catalog feed and the advertised download URL from
// the same local server, so update passes never leave the test process. The
// download path returns 404 and the task fails terminally.
func newTestUpdater(t *testing.T) (*testEnv, *AutoUpdater, *DownloadManager) {
	t.Helper()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_all_maxi_2024-01.zim")
	env.refresh(t)

	var feedXML string
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ".zim") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(feedXML))
	}))
	t.Cleanup(feed.Close)
	feedXML = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>uuid:1</id>
    <name>wikipedia_en_all_maxi</name>
    <title>Wikipedia</title>
    <language>eng</language>
    <link rel="http://opds-spec.org/acquisition/open-access"
          href="%s/zim/wikipedia_en_all_maxi_2024-06.zim.meta4"
          type="application/x-zim" length="1000"/>
  </entry>
</feed>`, feed.URL)

	catalog := NewCatalog(feed.URL, feed.Client(), testLogger())
	dl := NewDownloadManager(env.dir, feed.Client(), env.reg, env.store, env.state, testLogger(), nil)
	u := NewAutoUpdater(true, "weekly", catalog, env.reg, dl, testLogger())
	return env, u, dl
}

func TestAutoUpdater_RunOnceStartsUpdateDownload(t *testing.T) {
	t.Parallel()
	env, u, dl := newTestUpdater(t)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	a, err := env.reg.Get("wikipedia_en_all_maxi_2024-01")
	if err != nil {
		t.Fatal(err)
	}
	if !a.HasUpdate() {
		t.Error("update flag not set on the outdated archive")
	}

	snap, ok := dl.Task("wikipedia_en_all_maxi")
	if !ok {
		t.Fatal("no download task for the catalog slug")
	}
	if snap.Kind != "update" || snap.Filename != "wikipedia_en_all_maxi_2024-06.zim" {
		t.Errorf("task = %+v", snap)
	}
	// The download URL 404s, so the task settles before teardown.
	waitForTask(t, dl, "wikipedia_en_all_maxi", TaskFailed)
}

func TestAutoUpdater_SkipsUserCancelledSlug(t *testing.T) {
	t.Parallel()
	_, u, dl := newTestUpdater(t)

	dl.mu.Lock()
	dl.tasks["wikipedia_en_all_maxi"] = &DownloadTask{
		Slug:  "wikipedia_en_all_maxi",
		State: TaskCancelled,
	}
	dl.mu.Unlock()

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	snap, ok := dl.Task("wikipedia_en_all_maxi")
	if !ok || snap.State != TaskCancelled {
		t.Errorf("cancelled task was replaced: %+v", snap)
	}
}

func TestAutoUpdater_CollapsesConcurrentPasses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var hits atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(catalogFeedXML))
	}))
	t.Cleanup(feed.Close)

	catalog := NewCatalog(feed.URL, feed.Client(), testLogger())
	dl := NewDownloadManager(env.dir, nil, env.reg, env.store, env.state, testLogger(), nil)
	u := NewAutoUpdater(true, "weekly", catalog, env.reg, dl, testLogger())

	u.running.Store(true)
	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if hits.Load() != 0 {
		t.Error("second pass ran while one was in flight")
	}
	u.running.Store(false)
}
