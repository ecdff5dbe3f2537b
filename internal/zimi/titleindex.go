package zimi

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"zimi/internal/zim"
)

const (
	// ftsMaxEntries is the entry count above which the FTS table is skipped
	// at build time. It can still be added later via BuildFTS.
	ftsMaxEntries = 2_000_000

	// buildBatchSize is the number of rows inserted per transaction.
	buildBatchSize = 5000

	// likeScanBudget caps the unindexed LIKE fallback per archive; queries
	// over budget return what they have with truncated=true.
	likeScanBudget = 50 * time.Millisecond

	// maxBuildFailures quarantines an archive from phase 1 after this many
	// consecutive build failures.
	maxBuildFailures = 3

	// readPoolSize is the number of pooled read connections per index.
	readPoolSize = 4

	// maxConcurrentBuilds throttles background index builds so a directory
	// full of new archives does not saturate the disk.
	maxConcurrentBuilds = 2
)

// Index states reported in build progress.
const (
	indexStateMissing  = "missing"
	indexStateBuilding = "building"
	indexStateReady    = "ready"
	indexStateFailed   = "failed"
)

// TitleHit is one row returned by an index query.
type TitleHit struct {
	Path  string
	Title string
	Kind  string
}

// BuildProgress reports how far an index build has come.
type BuildProgress struct {
	BuiltRows int64  `json:"built_rows"`
	TotalRows int64  `json:"total_rows"`
	State     string `json:"state"`
}

// titleIndex is the per-archive database. The read pool serves prefix and
// token queries; builds use their own single write connection against the
// .tmp file and swap it in with an atomic rename.
type titleIndex struct {
	archiveID string
	path      string

	mu       sync.Mutex // guards db swap and build bookkeeping
	db       *sql.DB
	hasFTS   bool
	total    int64
	failures int

	building  atomic.Bool
	cancelled atomic.Bool
	builtRows atomic.Int64
	totalRows atomic.Int64
	state     atomic.Value // string
}

// IndexStore manages the title index databases under <data_dir>/titles.
type IndexStore struct {
	dir     string
	logger  *slog.Logger
	metrics *Metrics

	buildSem *semaphore.Weighted

	mu      sync.Mutex
	indexes map[string]*titleIndex
}

// NewIndexStore constructs the store. dir must exist.
func NewIndexStore(dir string, logger *slog.Logger, metrics *Metrics) *IndexStore {
	return &IndexStore{
		dir:      dir,
		logger:   logger,
		metrics:  metrics,
		buildSem: semaphore.NewWeighted(maxConcurrentBuilds),
		indexes:  make(map[string]*titleIndex),
	}
}

func (s *IndexStore) index(archiveID string) *titleIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indexes[archiveID]
	if !ok {
		ix = &titleIndex{
			archiveID: archiveID,
			path:      filepath.Join(s.dir, archiveID+".db"),
		}
		ix.state.Store(indexStateMissing)
		s.indexes[archiveID] = ix
	}
	return ix
}

func openIndexDB(path string, readOnly bool) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if readOnly {
		db.SetMaxOpenConns(readPoolSize)
		db.SetMaxIdleConns(readPoolSize)
	} else {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	title_lower TEXT NOT NULL,
	kind TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_title_lower ON entries(title_lower);
`

const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(path UNINDEXED, title);`

// Ready reports whether the archive has a usable index for phase 1. Archives
// quarantined after repeated build failures are not ready.
func (s *IndexStore) Ready(archiveID string) bool {
	ix := s.index(archiveID)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db != nil && ix.failures < maxBuildFailures
}

// HasFTS reports whether the archive's index carries the full-text table.
func (s *IndexStore) HasFTS(archiveID string) bool {
	ix := s.index(archiveID)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db != nil && ix.hasFTS
}

// Progress returns the build progress for the archive.
func (s *IndexStore) Progress(archiveID string) BuildProgress {
	ix := s.index(archiveID)
	st, _ := ix.state.Load().(string)
	return BuildProgress{
		BuiltRows: ix.builtRows.Load(),
		TotalRows: ix.totalRows.Load(),
		State:     st,
	}
}

// CancelBuild requests cancellation of a running build; the worker aborts at
// the next transaction boundary and removes the .tmp file.
func (s *IndexStore) CancelBuild(archiveID string) {
	s.index(archiveID).cancelled.Store(true)
}

// Ensure opens the index for the archive, building or rebuilding it in the
// background when the file is missing or its stored fingerprint disagrees
// with the archive's current size/mtime. a.titleMu write lock is taken only
// for the final swap, so readers keep their index until the new one is ready.
func (s *IndexStore) Ensure(ctx context.Context, reg *Registry, a *Archive) {
	ix := s.index(a.ID)

	ix.mu.Lock()
	if ix.db == nil {
		if db, err := openIndexDB(ix.path, true); err == nil {
			if s.loadIndexMeta(ix, db) {
				ix.db = db
				ix.state.Store(indexStateReady)
			} else {
				_ = db.Close()
			}
		}
	}
	fresh := ix.db != nil && s.fingerprintMatches(ix, a)
	ix.mu.Unlock()

	if fresh {
		return
	}
	s.buildAsync(ctx, reg, a)
}

// fingerprintMatches compares the archive's size/mtime against the values
// stored in the index's meta table. Caller holds ix.mu.
func (s *IndexStore) fingerprintMatches(ix *titleIndex, a *Archive) bool {
	if ix.db == nil {
		return false
	}
	var size, mtime string
	if err := ix.db.QueryRow(`SELECT value FROM meta WHERE key = 'size'`).Scan(&size); err != nil {
		return false
	}
	if err := ix.db.QueryRow(`SELECT value FROM meta WHERE key = 'mtime'`).Scan(&mtime); err != nil {
		return false
	}
	return size == fmt.Sprint(a.Size) && mtime == fmt.Sprint(a.ModTime)
}

// loadIndexMeta reads hasFTS and the row total from an opened index database.
// Returns false when the database is unusable.
func (s *IndexStore) loadIndexMeta(ix *titleIndex, db *sql.DB) bool {
	var fts string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'fts'`).Scan(&fts); err != nil {
		return false
	}
	var total int64
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'total'`).Scan(&total); err != nil {
		return false
	}
	ix.hasFTS = fts == "1"
	ix.total = total
	ix.totalRows.Store(total)
	ix.builtRows.Store(total)
	return true
}

func (s *IndexStore) buildAsync(ctx context.Context, reg *Registry, a *Archive) {
	ix := s.index(a.ID)
	if !ix.building.CompareAndSwap(false, true) {
		return // build already running
	}
	ix.cancelled.Store(false)
	ix.state.Store(indexStateBuilding)

	go func() {
		defer ix.building.Store(false)

		if err := s.buildSem.Acquire(ctx, 1); err != nil {
			ix.state.Store(indexStateMissing)
			return
		}
		defer s.buildSem.Release(1)

		start := time.Now()
		err := s.build(ctx, reg, a, ix)
		switch {
		case err == nil:
			ix.mu.Lock()
			ix.failures = 0
			ix.mu.Unlock()
			ix.state.Store(indexStateReady)
			s.metrics.IncIndexBuilds()
			s.logger.Info("title index built", "id", a.ID,
				"rows", ix.builtRows.Load(), "elapsed_ms", time.Since(start).Milliseconds())
		case ix.cancelled.Load():
			ix.state.Store(indexStateMissing)
			s.logger.Info("title index build cancelled", "id", a.ID)
		default:
			ix.mu.Lock()
			ix.failures++
			failures := ix.failures
			ix.mu.Unlock()
			ix.state.Store(indexStateFailed)
			s.metrics.IncIndexFailures()
			s.logger.Error("title index build failed", "id", a.ID,
				"attempt", failures, "error", err)
		}
		s.updateReadyGauge()
	}()
}

func (s *IndexStore) updateReadyGauge() {
	s.mu.Lock()
	n := 0
	for _, ix := range s.indexes {
		ix.mu.Lock()
		if ix.db != nil && ix.failures < maxBuildFailures {
			n++
		}
		ix.mu.Unlock()
	}
	s.mu.Unlock()
	s.metrics.SetTitleIndexesReady(n)
}

// build writes <id>.db.tmp from the archive's entry enumeration and renames
// it over the live file under the archive's title write lock.
func (s *IndexStore) build(ctx context.Context, reg *Registry, a *Archive, ix *titleIndex) error {
	tmpPath := ix.path + ".tmp"
	_ = os.Remove(tmpPath)

	db, err := openIndexDB(tmpPath, false)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmpPath, err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	h, err := reg.open(a)
	if err != nil {
		return err
	}
	total := int64(h.EntryCount())
	ix.totalRows.Store(total)
	ix.builtRows.Store(0)

	withFTS := total <= ftsMaxEntries
	if withFTS {
		if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
			return fmt.Errorf("create fts schema: %w", err)
		}
	}

	insert := func(tx *sql.Tx, rows []indexRow) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO entries (path, title, title_lower, kind) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		var ftsStmt *sql.Stmt
		if withFTS {
			ftsStmt, err = tx.PrepareContext(ctx,
				`INSERT INTO entries_fts (path, title) VALUES (?, ?)`)
			if err != nil {
				return err
			}
			defer func() { _ = ftsStmt.Close() }()
		}

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.path, row.title, row.titleLower, row.kind); err != nil {
				return err
			}
			if ftsStmt != nil {
				if _, err := ftsStmt.ExecContext(ctx, row.path, row.title); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var batch []indexRow
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// Cancellation is observed at transaction boundaries only.
		if ix.cancelled.Load() {
			return fmt.Errorf("build cancelled")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := insert(tx, batch); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		ix.builtRows.Add(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for i := uint32(0); int64(i) < total; i++ {
		e, err := h.EntryAt(i)
		if err != nil {
			continue // tolerate isolated dirent damage
		}
		row, ok := classifyEntry(e)
		if !ok {
			continue
		}
		batch = append(batch, row)
		if len(batch) >= buildBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	ftsFlag, ftsSkipped := "0", "1"
	if withFTS {
		ftsFlag, ftsSkipped = "1", "0"
	}
	meta := map[string]string{
		"size":        fmt.Sprint(a.Size),
		"mtime":       fmt.Sprint(a.ModTime),
		"fts":         ftsFlag,
		"fts_skipped": ftsSkipped,
		"total":       fmt.Sprint(ix.builtRows.Load()),
	}
	for k, v := range meta {
		if _, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("write meta: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		db = nil
		return fmt.Errorf("close tmp index: %w", err)
	}
	db = nil

	// Swap under the archive's title write lock so no reader sees the rename.
	a.titleMu.Lock()
	defer a.titleMu.Unlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db != nil {
		_ = ix.db.Close()
		ix.db = nil
	}
	if err := os.Rename(tmpPath, ix.path); err != nil {
		return fmt.Errorf("swap index: %w", err)
	}
	rdb, err := openIndexDB(ix.path, true)
	if err != nil {
		return fmt.Errorf("reopen index: %w", err)
	}
	if !s.loadIndexMeta(ix, rdb) {
		_ = rdb.Close()
		return fmt.Errorf("reopen index: meta unreadable")
	}
	ix.db = rdb
	return nil
}

type indexRow struct {
	path       string
	title      string
	titleLower string
	kind       string
}

// classifyEntry maps an archive entry onto an index row, dropping redirects
// and the metadata/index namespaces.
func classifyEntry(e *zim.Entry) (indexRow, bool) {
	if e.IsRedirect() {
		return indexRow{}, false
	}
	switch e.Namespace {
	case 'M', 'X', 'W', 'U':
		return indexRow{}, false
	}

	kind := "other"
	switch {
	case (e.Namespace == 'A' || e.Namespace == 'C') && strings.Contains(e.MimeType, "html"):
		kind = "article"
	case strings.HasPrefix(e.MimeType, "image/"):
		kind = "image"
	case strings.HasPrefix(e.MimeType, "video/"), strings.HasPrefix(e.MimeType, "audio/"):
		kind = "media"
	}

	title := e.Title
	if title == "" {
		if kind != "article" {
			return indexRow{}, false
		}
		title = e.URL
	}
	return indexRow{
		path:       e.Path(),
		title:      title,
		titleLower: foldTitle(title),
		kind:       kind,
	}, true
}

// Prefix returns up to limit entries whose folded title starts with qLower.
// Runs on the read pool; the caller holds the archive's title read lock.
func (s *IndexStore) Prefix(ctx context.Context, archiveID, qLower string, limit int) ([]TitleHit, error) {
	ix := s.index(archiveID)
	ix.mu.Lock()
	db := ix.db
	ix.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnavailable, archiveID)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT path, title, kind FROM entries WHERE title_lower GLOB ? || '*' ORDER BY title_lower LIMIT ?`,
		globEscape(qLower), limit)
	if err != nil {
		s.handleQueryError(archiveID, err)
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHits(rows)
}

// Tokens returns entries matching every token. With FTS present this is one
// MATCH query; without it, a LIKE scan bounded by likeScanBudget that may
// come back truncated.
func (s *IndexStore) Tokens(ctx context.Context, archiveID string, tokens []string, limit int) (hits []TitleHit, truncated bool, err error) {
	ix := s.index(archiveID)
	ix.mu.Lock()
	db := ix.db
	hasFTS := ix.hasFTS
	ix.mu.Unlock()
	if db == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrIndexUnavailable, archiveID)
	}
	if len(tokens) == 0 {
		return nil, false, nil
	}

	if hasFTS {
		quoted := make([]string, len(tokens))
		for i, tok := range tokens {
			quoted[i] = `"` + strings.ReplaceAll(tok, `"`, ``) + `"`
		}
		rows, err := db.QueryContext(ctx,
			`SELECT f.path, f.title, e.kind FROM entries_fts f JOIN entries e ON e.path = f.path WHERE entries_fts MATCH ? LIMIT ?`,
			strings.Join(quoted, " "), limit)
		if err != nil {
			s.handleQueryError(archiveID, err)
			return nil, false, err
		}
		defer func() { _ = rows.Close() }()
		hits, err = scanHits(rows)
		return hits, false, err
	}

	// LIKE fallback for oversized archives that skipped FTS.
	scanCtx, cancel := context.WithTimeout(ctx, likeScanBudget)
	defer cancel()

	var sb strings.Builder
	args := make([]any, 0, len(tokens)+1)
	sb.WriteString(`SELECT path, title, kind FROM entries WHERE 1=1`)
	for _, tok := range tokens {
		sb.WriteString(` AND title_lower LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscape(tok)+"%")
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := db.QueryContext(scanCtx, sb.String(), args...)
	if err != nil {
		if scanCtx.Err() != nil {
			return nil, true, nil
		}
		s.handleQueryError(archiveID, err)
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	hits, err = scanHits(rows)
	if scanCtx.Err() != nil {
		return hits, true, nil
	}
	return hits, false, err
}

// HasPath reports whether path exists in the archive's index. Used by the
// cross-source resolver, which must stay off the native layer.
func (s *IndexStore) HasPath(ctx context.Context, archiveID, path string) bool {
	ix := s.index(archiveID)
	ix.mu.Lock()
	db := ix.db
	ix.mu.Unlock()
	if db == nil {
		return false
	}
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE path = ?`, path).Scan(&one)
	return err == nil
}

// BuildFTS adds the full-text table in place on an index that skipped it,
// without rebuilding entries.
func (s *IndexStore) BuildFTS(ctx context.Context, archiveID string) error {
	ix := s.index(archiveID)
	ix.mu.Lock()
	db := ix.db
	hasFTS := ix.hasFTS
	ix.mu.Unlock()
	if db == nil {
		return fmt.Errorf("%w: %s", ErrIndexUnavailable, archiveID)
	}
	if hasFTS {
		return nil
	}

	if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
		return fmt.Errorf("create fts schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO entries_fts (path, title) SELECT path, title FROM entries`); err != nil {
		return fmt.Errorf("populate fts: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('fts', '1'), ('fts_skipped', '0')`); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	ix.mu.Lock()
	ix.hasFTS = true
	ix.mu.Unlock()
	s.logger.Info("fts table built on demand", "id", archiveID)
	return nil
}

// Drop closes and deletes the archive's index, used when the archive itself
// is deleted.
func (s *IndexStore) Drop(archiveID string) {
	ix := s.index(archiveID)
	ix.cancelled.Store(true)
	ix.mu.Lock()
	if ix.db != nil {
		_ = ix.db.Close()
		ix.db = nil
	}
	ix.mu.Unlock()
	_ = os.Remove(ix.path)
	_ = os.Remove(ix.path + ".tmp")

	s.mu.Lock()
	delete(s.indexes, archiveID)
	s.mu.Unlock()
	s.updateReadyGauge()
}

// handleQueryError recovers from database corruption by dropping the file;
// the next Ensure pass rebuilds it from scratch.
func (s *IndexStore) handleQueryError(archiveID string, err error) {
	msg := err.Error()
	if !strings.Contains(msg, "malformed") && !strings.Contains(msg, "corrupt") && !strings.Contains(msg, "not a database") {
		return
	}
	s.logger.Error("title index corrupt, scheduling rebuild", "id", archiveID, "error", err)

	ix := s.index(archiveID)
	ix.mu.Lock()
	if ix.db != nil {
		_ = ix.db.Close()
		ix.db = nil
	}
	ix.mu.Unlock()
	_ = os.Remove(ix.path)
	ix.state.Store(indexStateMissing)
}

func scanHits(rows *sql.Rows) ([]TitleHit, error) {
	var hits []TitleHit
	for rows.Next() {
		var h TitleHit
		if err := rows.Scan(&h.Path, &h.Title, &h.Kind); err != nil {
			return hits, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// globEscape neutralizes GLOB metacharacters in user input.
func globEscape(s string) string {
	r := strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")
	return r.Replace(s)
}

// likeEscape backslash-escapes LIKE metacharacters in user input.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
