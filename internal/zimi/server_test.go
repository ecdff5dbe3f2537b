package zimi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// serverEnv wires every component behind a real listener, close to what
// main does but with test fixtures and no metrics registry.
type serverEnv struct {
	*testEnv
	srv      *httptest.Server
	password string
}

func newTestServer(t *testing.T, modify func(*Config)) *serverEnv {
	t.Helper()
	env := newTestEnv(t)
	writeWikipediaFixture(t, env.dir, "wikipedia_en_test.zim")
	env.refresh(t)
	env.ensureIndexes(t)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(catalogFeedXML))
	}))
	t.Cleanup(feed.Close)

	cfg := Config{
		ArchiveDir:    env.dir,
		ManageEnabled: true,
		RateLimit:     0,
		SearchTimeout: 12 * time.Second,
		CatalogURL:    feed.URL,
	}
	if modify != nil {
		modify(&cfg)
	}

	logger := testLogger()
	auth, err := NewAuthenticator(env.state, cfg.ManagePassword)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	results := NewSearchCache(nil)
	suggest := NewSuggestCache(nil)
	env.reg.OnChange(results.Purge)
	env.reg.OnChange(suggest.Purge)

	reader := NewReader(env.reg, logger)
	engine := NewSearchEngine(env.reg, env.store, reader, results, suggest, cfg.SearchTimeout, logger)
	resolver := NewResolver(env.reg, env.store, logger)
	catalog := NewCatalog(cfg.CatalogURL, feed.Client(), logger)
	dl := NewDownloadManager(env.dir, nil, env.reg, env.store, env.state, logger, nil)
	updater := NewAutoUpdater(cfg.AutoUpdate, "weekly", catalog, env.reg, dl, logger)

	server := NewServer(cfg, ServerDeps{
		Registry:  env.reg,
		Store:     env.store,
		Engine:    engine,
		Reader:    reader,
		Resolver:  resolver,
		Downloads: dl,
		Catalog:   catalog,
		Updater:   updater,
		State:     env.state,
		Auth:      auth,
		Results:   results,
		Suggest:   suggest,
	}, logger, nil)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &serverEnv{testEnv: env, srv: srv, password: cfg.ManagePassword}
}

func (e *serverEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	return e.do(t, req)
}

func (e *serverEnv) getAuthed(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	req.Header.Set(passwordHeader, e.password)
	return e.do(t, req)
}

func (e *serverEnv) post(t *testing.T, path string, body any, authed bool) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(passwordHeader, e.password)
	}
	return e.do(t, req)
}

func (e *serverEnv) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decoding %s response: %v", req.URL.Path, err)
	}
	return resp.StatusCode, out
}

func errKindOf(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	kind, _ := e["kind"].(string)
	return kind
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	status, body := e.get(t, "/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["ok"] != true || body["version"] != Version || body["archives"] != float64(1) {
		t.Errorf("health body = %v", body)
	}
}

func TestServer_Search(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	status, body := e.get(t, "/search?q=water")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	results, _ := body["results"].([]any)
	if len(results) == 0 {
		t.Fatal("no search results")
	}
	top, _ := results[0].(map[string]any)
	if top["title"] != "Water" {
		t.Errorf("top result = %v", top)
	}

	status, body = e.get(t, "/search")
	if status != http.StatusBadRequest || errKindOf(body) != "bad_request" {
		t.Errorf("empty query: status %d, body %v", status, body)
	}
}

func TestServer_Suggest(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	status, body := e.get(t, "/suggest?q=wat")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if results, _ := body["results"].([]any); len(results) == 0 {
		t.Error("no suggestions")
	}
}

func TestServer_List(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	resp, err := e.srv.Client().Get(e.srv.URL + "/list")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var archives []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&archives); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("archives = %v", archives)
	}
	a := archives[0]
	if a["id"] != "wikipedia_en_test" || a["title"] != "Test Wikipedia" {
		t.Errorf("archive = %v", a)
	}
	if a["index_state"] != indexStateReady {
		t.Errorf("index_state = %v", a["index_state"])
	}
}

func TestServer_Read(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	status, body := e.get(t, "/read?zim=wikipedia_en_test&path=A/Water")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if body["title"] != "Water" {
		t.Errorf("read body = %v", body)
	}

	if status, body := e.get(t, "/read?zim=wikipedia_en_test"); status != http.StatusBadRequest || errKindOf(body) != "bad_request" {
		t.Errorf("missing path: %d %v", status, body)
	}
	if status, body := e.get(t, "/read?zim=nope&path=A/Water"); status != http.StatusNotFound || errKindOf(body) != "not_found" {
		t.Errorf("unknown archive: %d %v", status, body)
	}
}

func TestServer_Random(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	status, body := e.get(t, "/random")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["archive"] != "wikipedia_en_test" || body["path"] == "" || body["title"] == "" {
		t.Errorf("random body = %v", body)
	}
}

func TestServer_ServeRawEntry(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	resp, err := e.srv.Client().Get(e.srv.URL + "/w/wikipedia_en_test/I/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if len(data) == 0 {
		t.Error("empty body")
	}

	// Range requests get partial content.
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/w/wikipedia_en_test/I/logo.png", nil)
	req.Header.Set("Range", "bytes=0-3")
	resp, err = e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	part, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d", resp.StatusCode)
	}
	if len(part) != 4 {
		t.Errorf("range body = %d bytes, want 4", len(part))
	}

	resp, err = e.srv.Client().Get(e.srv.URL + "/w/wikipedia_en_test/A/Nope")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing entry status = %d", resp.StatusCode)
	}
}

func TestServer_Resolve(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	if status, body := e.get(t, "/resolve"); status != http.StatusBadRequest || errKindOf(body) != "bad_request" {
		t.Errorf("missing url: %d %v", status, body)
	}

	status, body := e.get(t, "/resolve?url=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FWater")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["archive"] != "wikipedia_en_test" {
		t.Errorf("resolved body = %v", body)
	}

	status, body = e.get(t, "/resolve?url=https%3A%2F%2Fexample.com%2Fx")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if v, present := body["archive"]; !present || v != nil {
		t.Errorf("unresolvable body = %v", body)
	}

	status, body = e.post(t, "/resolve", map[string]any{
		"urls": []string{"https://en.wikipedia.org/wiki/Water", "https://example.com/x"},
	}, false)
	if status != http.StatusOK {
		t.Fatalf("batch status = %d", status)
	}
	results, _ := body["results"].(map[string]any)
	if len(results) != 2 {
		t.Errorf("batch results = %v", results)
	}
}

func TestServer_CollectionsCRUD(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	status, _ := e.post(t, "/collections", map[string]any{
		"name": "ref", "archives": []string{"wikipedia_en_test"},
	}, false)
	if status != http.StatusOK {
		t.Fatalf("set status = %d", status)
	}

	status, body := e.get(t, "/collections")
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	cols, _ := body["collections"].(map[string]any)
	if _, ok := cols["ref"]; !ok {
		t.Errorf("collections = %v", cols)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/collections?name=ref", nil)
	if status, _ := e.do(t, req); status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	_, body = e.get(t, "/collections")
	cols, _ = body["collections"].(map[string]any)
	if _, ok := cols["ref"]; ok {
		t.Error("collection survived delete")
	}
}

func TestServer_AuthGatesManage(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, func(cfg *Config) { cfg.ManagePassword = "hunter2" })

	// has-password is public.
	status, body := e.get(t, "/manage/has-password")
	if status != http.StatusOK || body["required"] != true {
		t.Errorf("has-password: %d %v", status, body)
	}

	if status, body := e.get(t, "/manage/status"); status != http.StatusUnauthorized || errKindOf(body) != "unauthorized" {
		t.Errorf("unauthenticated status: %d %v", status, body)
	}
	if status, _ := e.getAuthed(t, "/manage/status"); status != http.StatusOK {
		t.Errorf("authenticated status = %d", status)
	}
	// The password query parameter works too.
	if status, _ := e.get(t, "/manage/status?password=hunter2"); status != http.StatusOK {
		t.Errorf("query password status = %d", status)
	}

	// Collection writes are gated; reads are not.
	if status, _ := e.post(t, "/collections", map[string]any{"name": "x"}, false); status != http.StatusUnauthorized {
		t.Errorf("unauthenticated collection write = %d", status)
	}
	if status, _ := e.get(t, "/collections"); status != http.StatusOK {
		t.Errorf("collection read = %d", status)
	}
}

func TestServer_ManageDisabled(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, func(cfg *Config) { cfg.ManageEnabled = false })
	if status, _ := e.get(t, "/manage/status"); status != http.StatusNotFound {
		t.Errorf("manage route present while disabled: %d", status)
	}
	if status, _ := e.get(t, "/health"); status != http.StatusOK {
		t.Errorf("health status = %d", status)
	}
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, func(cfg *Config) { cfg.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		if status, _ := e.get(t, "/random"); status != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, status)
		}
	}
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/random", nil)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || errKindOf(body) != "rate_limited" {
		t.Fatalf("third request: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}

	// Health sits outside the limited group.
	if status, _ := e.get(t, "/health"); status != http.StatusOK {
		t.Errorf("health rate-limited: %d", status)
	}
}

func TestServer_ManageStatusAndStats(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	status, body := e.get(t, "/manage/status")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["version"] != Version || body["archives"] != float64(1) {
		t.Errorf("status body = %v", body)
	}
	au, _ := body["auto_update"].(map[string]any)
	if au["enabled"] != false || au["freq"] != "weekly" {
		t.Errorf("auto_update = %v", au)
	}

	status, body = e.get(t, "/manage/stats")
	if status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	if body["archives"] != float64(1) || body["indexes_ready"] != float64(1) {
		t.Errorf("stats body = %v", body)
	}
}

func TestServer_AutoUpdateSettings(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	status, body := e.post(t, "/manage/auto-update", map[string]any{"enabled": true, "freq": "daily"}, false)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if body["enabled"] != true || body["freq"] != "daily" {
		t.Errorf("body = %v", body)
	}

	// The override is persisted.
	enabled, freq, ok := e.state.AutoUpdate()
	if !ok || !enabled || freq != "daily" {
		t.Errorf("persisted override = %v/%q/%v", enabled, freq, ok)
	}

	status, body = e.post(t, "/manage/auto-update", map[string]any{"enabled": true, "freq": "hourly"}, false)
	if status != http.StatusBadRequest || errKindOf(body) != "bad_request" {
		t.Errorf("invalid freq: %d %v", status, body)
	}
}

func TestServer_CheckUpdates(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	status, body := e.get(t, "/manage/check-updates")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if updates, ok := body["updates"].([]any); !ok || len(updates) != 0 {
		t.Errorf("updates = %v (fixture has no catalog counterpart)", body["updates"])
	}
}

func TestServer_DeleteArchive(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)
	_ = e.state.SetCollection("ref", []string{"wikipedia_en_test"})

	status, body := e.post(t, "/manage/delete", map[string]any{"zim": "wikipedia_en_test"}, false)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if _, err := e.reg.Get("wikipedia_en_test"); err == nil {
		t.Error("archive still registered after delete")
	}
	if ids, _ := e.state.Collection("ref"); len(ids) != 0 {
		t.Errorf("collection still references deleted archive: %v", ids)
	}
	events := e.state.History()
	if len(events) == 0 || events[len(events)-1].Kind != "deleted" {
		t.Errorf("history = %+v", events)
	}
}

func TestParseDocumentDB(t *testing.T) {
	t.Parallel()
	records, err := parseDocumentDB([]byte(`var database = [{"title":"Manual","file":"manual.pdf"}];`))
	if err != nil {
		t.Fatalf("parseDocumentDB: %v", err)
	}
	if len(records) != 1 || records[0]["title"] != "Manual" {
		t.Errorf("records = %v", records)
	}

	if _, err := parseDocumentDB([]byte("no array here")); err == nil {
		t.Error("missing array did not error")
	}
	if _, err := parseDocumentDB([]byte("var x = [not json];")); err == nil {
		t.Error("malformed array did not error")
	}
}

func TestServer_Icon(t *testing.T) {
	t.Parallel()
	e := newTestServer(t, nil)

	resp, err := e.srv.Client().Get(e.srv.URL + "/icon/wikipedia_en_test")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if len(data) == 0 {
		t.Error("empty icon body")
	}

	resp, err = e.srv.Client().Get(e.srv.URL + "/icon/no-such-archive")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown archive status = %d", resp.StatusCode)
	}
}
