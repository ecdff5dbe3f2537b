package zimi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Download task states.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskComplete  = "complete"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

const (
	// downloadChunkSize is the copy granularity; cancellation is observed
	// at chunk boundaries.
	downloadChunkSize = 64 << 10

	// staleTmpAge is how old an orphaned .tmp must be before the startup
	// sweep removes it.
	staleTmpAge = 24 * time.Hour

	// maxDownloadRetries bounds retries on 5xx/network errors.
	maxDownloadRetries = 3
)

// retryDelay is the pure backoff policy: 1s, 4s, 16s.
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 4
	}
	return d
}

// terminalStatus reports HTTP statuses that make a download permanently
// failed rather than retryable.
func terminalStatus(code int) bool {
	return code >= 400 && code < 500
}

// DownloadTask tracks one transfer. Fields are guarded by mu except the
// cancel flag and byte counter, which the copy loop touches per chunk.
type DownloadTask struct {
	mu sync.Mutex

	Slug         string
	URL          string
	Filename     string
	Kind         string // "new" or "update"
	ExpectedSize int64
	State        string
	Error        string
	StartedAt    int64
	FinishedAt   int64

	bytesWritten atomic.Int64
	cancelled    atomic.Bool
}

// TaskSnapshot is the JSON view of a task.
type TaskSnapshot struct {
	Slug         string `json:"slug"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	Kind         string `json:"kind"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
	BytesWritten int64  `json:"bytes_written"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
}

func (t *DownloadTask) snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		Slug:         t.Slug,
		URL:          t.URL,
		Filename:     t.Filename,
		Kind:         t.Kind,
		ExpectedSize: t.ExpectedSize,
		BytesWritten: t.bytesWritten.Load(),
		State:        t.State,
		Error:        t.Error,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
	}
}

func (t *DownloadTask) setState(state, errMsg string, now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = state
	t.Error = errMsg
	if state == TaskComplete || state == TaskFailed || state == TaskCancelled {
		t.FinishedAt = now().Unix()
	}
}

// DownloadManager runs at most one transfer per catalog slug, writing to a
// .tmp alongside the final file so interrupted transfers resume with a Range
// request.
type DownloadManager struct {
	dir     string
	client  *http.Client
	reg     *Registry
	store   *IndexStore
	state   *State
	logger  *slog.Logger
	metrics *Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	tasks map[string]*DownloadTask
}

// NewDownloadManager constructs the manager. dir is the archive directory.
func NewDownloadManager(dir string, client *http.Client, reg *Registry, store *IndexStore,
	state *State, logger *slog.Logger, metrics *Metrics) *DownloadManager {
	if client == nil {
		client = &http.Client{} // no global timeout; transfers are long
	}
	return &DownloadManager{
		dir:     dir,
		client:  client,
		reg:     reg,
		store:   store,
		state:   state,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
		tasks:   make(map[string]*DownloadTask),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start begins a download for the slug. A second start while a task for the
// same slug is queued or running returns ErrDownloadActive; a finished task
// is replaced.
func (m *DownloadManager) Start(ctx context.Context, slug, rawURL, filename string, expectedSize int64, kind string) (*DownloadTask, error) {
	if slug == "" || rawURL == "" || filename == "" {
		return nil, fmt.Errorf("%w: slug, url and filename are required", ErrBadRequest)
	}
	if filepath.Base(filename) != filename || !strings.HasSuffix(filename, ".zim") {
		return nil, fmt.Errorf("%w: invalid filename %q", ErrBadRequest, filename)
	}

	task := &DownloadTask{
		Slug:         slug,
		URL:          rawURL,
		Filename:     filename,
		Kind:         kind,
		ExpectedSize: expectedSize,
		State:        TaskQueued,
		StartedAt:    m.now().Unix(),
	}

	m.mu.Lock()
	if existing, ok := m.tasks[slug]; ok {
		existing.mu.Lock()
		busy := existing.State == TaskQueued || existing.State == TaskRunning
		existing.mu.Unlock()
		if busy {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDownloadActive, slug)
		}
	}
	m.tasks[slug] = task
	m.mu.Unlock()

	go m.run(ctx, task)
	return task, nil
}

// run drives the transfer with retries, then finalizes on success.
func (m *DownloadManager) run(ctx context.Context, task *DownloadTask) {
	task.setState(TaskRunning, "", m.now)
	m.updateActiveGauge()
	defer m.updateActiveGauge()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := m.transfer(ctx, task)
		if err == nil {
			if err := m.finalize(task); err != nil {
				task.setState(TaskFailed, err.Error(), m.now)
				m.logger.Error("download finalize failed", "slug", task.Slug, "error", err)
				return
			}
			task.setState(TaskComplete, "", m.now)
			m.logger.Info("download complete", "slug", task.Slug,
				"bytes", task.bytesWritten.Load(), "kind", task.Kind)
			return
		}
		if task.cancelled.Load() {
			// Cancellation is clean; the .tmp stays for a later resume.
			task.setState(TaskCancelled, "", m.now)
			m.logger.Info("download cancelled", "slug", task.Slug,
				"bytes", task.bytesWritten.Load())
			return
		}

		var termErr *terminalDownloadError
		if errors.As(err, &termErr) || attempt >= maxDownloadRetries {
			task.setState(TaskFailed, err.Error(), m.now)
			m.logger.Error("download failed", "slug", task.Slug,
				"attempt", attempt+1, "error", err)
			return
		}
		lastErr = err
		delay := retryDelay(attempt)
		m.logger.Warn("download retrying", "slug", task.Slug,
			"attempt", attempt+1, "delay", delay.String(), "error", lastErr)
		if err := m.sleep(ctx, delay); err != nil {
			task.setState(TaskFailed, lastErr.Error(), m.now)
			return
		}
	}
}

// terminalDownloadError wraps an error that must not be retried.
type terminalDownloadError struct{ err error }

func (e *terminalDownloadError) Error() string { return e.err.Error() }
func (e *terminalDownloadError) Unwrap() error { return e.err }

// transfer performs one attempt: open or resume the .tmp file, stream the
// body in 64 KiB chunks, and verify the final size.
func (m *DownloadManager) transfer(ctx context.Context, task *DownloadTask) error {
	tmpPath := filepath.Join(m.dir, task.Filename+".tmp")

	written := int64(0)
	if st, err := os.Stat(tmpPath); err == nil {
		written = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return &terminalDownloadError{fmt.Errorf("%w: %v", ErrDownloadFailed, err)}
	}
	if written > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", written))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var expectedTotal int64
	switch {
	case resp.StatusCode == http.StatusPartialContent && written > 0:
		expectedTotal = written + resp.ContentLength
	case resp.StatusCode == http.StatusOK:
		// Server ignored the Range; start over.
		written = 0
		expectedTotal = resp.ContentLength
	case terminalStatus(resp.StatusCode):
		return &terminalDownloadError{fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)}
	default:
		return fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if written > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return &terminalDownloadError{fmt.Errorf("%w: %v", ErrDownloadFailed, err)}
	}
	defer func() { _ = f.Close() }()

	task.bytesWritten.Store(written)
	buf := make([]byte, downloadChunkSize)
	for {
		if task.cancelled.Load() {
			return fmt.Errorf("%w: cancelled", ErrDownloadFailed)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &terminalDownloadError{fmt.Errorf("%w: %v", ErrDownloadFailed, werr)}
			}
			written += int64(n)
			task.bytesWritten.Store(written)
			m.metrics.AddDownloadBytes(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return &terminalDownloadError{fmt.Errorf("%w: %v", ErrDownloadFailed, err)}
	}

	if expectedTotal > 0 && written != expectedTotal {
		return &terminalDownloadError{fmt.Errorf("%w: size mismatch, got %d want %d",
			ErrDownloadFailed, written, expectedTotal)}
	}
	if task.ExpectedSize > 0 && written != task.ExpectedSize {
		return &terminalDownloadError{fmt.Errorf("%w: size mismatch, got %d want %d",
			ErrDownloadFailed, written, task.ExpectedSize)}
	}
	return nil
}

// finalize renames the .tmp into place, refreshes the registry, records
// history, kicks off the index build, and for updates removes older
// date-stamped versions of the same archive.
func (m *DownloadManager) finalize(task *DownloadTask) error {
	tmpPath := filepath.Join(m.dir, task.Filename+".tmp")
	finalPath := filepath.Join(m.dir, task.Filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if _, err := m.reg.Refresh(context.Background()); err != nil {
		m.logger.Warn("refresh after download failed", "error", err)
	}

	id := slugify(task.Filename)
	if a, err := m.reg.Get(id); err == nil {
		kind := "downloaded"
		if task.Kind == "update" {
			kind = "updated"
		}
		m.state.AppendHistory(kind, a)
		m.store.Ensure(context.Background(), m.reg, a)
	}

	if task.Kind == "update" {
		m.removeOldVersions(task.Filename)
	}
	return nil
}

// removeOldVersions deletes older date-stamped files sharing the new file's
// dateless base, then refreshes so the registry drops them.
func (m *DownloadManager) removeOldVersions(newFilename string) {
	base, newDate := splitDateStamp(newFilename)
	if newDate == "" {
		return
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	removed := false
	for _, de := range entries {
		name := de.Name()
		if name == newFilename || !strings.HasSuffix(name, ".zim") {
			continue
		}
		b, d := splitDateStamp(name)
		if b != base || d == "" || d >= newDate {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			m.logger.Warn("removing old version failed", "file", name, "error", err)
			continue
		}
		m.store.Drop(slugify(name))
		m.logger.Info("removed old version", "file", name)
		removed = true
	}
	if removed {
		if _, err := m.reg.Refresh(context.Background()); err != nil {
			m.logger.Warn("refresh after cleanup failed", "error", err)
		}
	}
}

// Cancel requests cancellation; the copy loop observes it within one chunk
// and the partial .tmp is kept for resume.
func (m *DownloadManager) Cancel(slug string) error {
	m.mu.Lock()
	task, ok := m.tasks[slug]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no download for %q", ErrNotFound, slug)
	}
	task.cancelled.Store(true)
	return nil
}

// Tasks returns snapshots of all known tasks, running and finished.
func (m *DownloadManager) Tasks() []TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Task returns the snapshot for one slug.
func (m *DownloadManager) Task(slug string) (TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[slug]
	if !ok {
		return TaskSnapshot{}, false
	}
	return t.snapshot(), true
}

func (m *DownloadManager) updateActiveGauge() {
	m.mu.Lock()
	n := 0
	for _, t := range m.tasks {
		t.mu.Lock()
		if t.State == TaskRunning {
			n++
		}
		t.mu.Unlock()
	}
	m.mu.Unlock()
	m.metrics.SetDownloadsActive(n)
}

// SweepStale removes .tmp files older than 24 hours that no active task
// owns. Run once at startup.
func (m *DownloadManager) SweepStale() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	active := make(map[string]bool)
	m.mu.Lock()
	for _, t := range m.tasks {
		t.mu.Lock()
		if t.State == TaskQueued || t.State == TaskRunning {
			active[t.Filename+".tmp"] = true
		}
		t.mu.Unlock()
	}
	m.mu.Unlock()

	cutoff := m.now().Add(-staleTmpAge)
	for _, de := range entries {
		name := de.Name()
		if !strings.HasSuffix(name, ".tmp") || active[name] {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
			m.logger.Info("removed stale partial download", "file", name)
		}
	}
}
