package zimi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// State owns everything zimi persists under <data_dir>: the archive metadata
// cache, the management password hash, collections, the history log and
// source-rank overrides. Title indexes live under <data_dir>/titles but are
// managed by the index store.
//
// Every write goes through a temp file plus atomic rename so a crash mid-write
// leaves the previous file intact.
type State struct {
	dataDir string
	logger  *slog.Logger

	mu           sync.Mutex
	metaCache    map[string]*Archive // fingerprint -> record
	collections  map[string][]string
	history      []HistoryEvent
	passwordHash []byte
	ranks        map[string]int
	autoUpdate   *autoUpdateSettings
}

// autoUpdateSettings is the persisted runtime override of the auto-update
// config. Absent until the management API changes it.
type autoUpdateSettings struct {
	Enabled bool   `json:"enabled"`
	Freq    string `json:"freq"`
}

// Legacy flat files at the archive dir root, moved into data_dir on first run.
var legacyNames = map[string]string{
	".zimi_password":         "password",
	".zimi_collections.json": "collections.json",
	".zimi_cache.json":       "cache.json",
	".zimi_history.json":     "history.json",
}

// OpenState creates data_dir (and its titles/ subdirectory), migrates legacy
// state files from archiveDir, and loads everything into memory.
func OpenState(dataDir, archiveDir string, logger *slog.Logger) (*State, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "titles"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &State{
		dataDir:     dataDir,
		logger:      logger,
		metaCache:   make(map[string]*Archive),
		collections: make(map[string][]string),
		ranks:       make(map[string]int),
	}
	s.migrateLegacy(archiveDir)

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// TitlesDir is where the per-archive title index databases live.
func (s *State) TitlesDir() string {
	return filepath.Join(s.dataDir, "titles")
}

func (s *State) migrateLegacy(archiveDir string) {
	if archiveDir == "" {
		return
	}
	for old, cur := range legacyNames {
		src := filepath.Join(archiveDir, old)
		dst := filepath.Join(s.dataDir, cur)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue // current file wins
		}
		if err := os.Rename(src, dst); err != nil {
			s.logger.Warn("legacy state migration failed", "from", src, "error", err)
			continue
		}
		s.logger.Info("migrated legacy state file", "from", src, "to", dst)
	}
}

func (s *State) loadAll() error {
	if err := s.loadJSON("cache.json", &s.metaCache); err != nil {
		return err
	}
	if err := s.loadJSON("collections.json", &s.collections); err != nil {
		return err
	}
	if err := s.loadJSON("history.json", &s.history); err != nil {
		return err
	}
	if err := s.loadJSON("ranks.json", &s.ranks); err != nil {
		return err
	}
	if err := s.loadJSON("autoupdate.json", &s.autoUpdate); err != nil {
		return err
	}
	if b, err := os.ReadFile(filepath.Join(s.dataDir, "password")); err == nil {
		s.passwordHash = b
	}
	return nil
}

// loadJSON reads a state file into v. A missing file is fine; a malformed one
// is logged and treated as empty rather than refusing to start.
func (s *State) loadJSON(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		s.logger.Warn("discarding malformed state file", "file", name, "error", err)
	}
	return nil
}

// writeJSON persists v to name atomically. Caller must hold s.mu.
func (s *State) writeJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.writeFile(name, b)
}

func (s *State) writeFile(name string, b []byte) error {
	dst := filepath.Join(s.dataDir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func metaFingerprint(path string, size, mtime int64) string {
	return fmt.Sprintf("%s|%d|%d", path, size, mtime)
}

// CachedMeta returns the cached metadata record matching the exact
// (path, size, mtime) fingerprint, or false when the file changed.
func (s *State) CachedMeta(path string, size, mtime int64) (*Archive, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.metaCache[metaFingerprint(path, size, mtime)]
	if !ok {
		return nil, false
	}
	cp := Archive{
		ID: a.ID, Path: a.Path, Size: a.Size, ModTime: a.ModTime,
		Entries: a.Entries, Title: a.Title, Description: a.Description,
		Language: a.Language, Publisher: a.Publisher, Flavor: a.Flavor,
		Category: a.Category,
	}
	return &cp, true
}

// SaveMetaCache replaces the metadata cache with the given archive set.
func (s *State) SaveMetaCache(archives []*Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaCache = make(map[string]*Archive, len(archives))
	for _, a := range archives {
		s.metaCache[metaFingerprint(a.Path, a.Size, a.ModTime)] = a
	}
	return s.writeJSON("cache.json", s.metaCache)
}

// LoadRanks returns source-rank overrides from ranks.json. Keys are archive
// ids or category names.
func (s *State) LoadRanks() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.ranks))
	for k, v := range s.ranks {
		out[k] = v
	}
	return out
}

// AutoUpdate returns the persisted auto-update override; ok is false when the
// configured defaults still apply.
func (s *State) AutoUpdate() (enabled bool, freq string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoUpdate == nil {
		return false, "", false
	}
	return s.autoUpdate.Enabled, s.autoUpdate.Freq, true
}

// SetAutoUpdate persists a runtime auto-update override.
func (s *State) SetAutoUpdate(enabled bool, freq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoUpdate = &autoUpdateSettings{Enabled: enabled, Freq: freq}
	return s.writeJSON("autoupdate.json", s.autoUpdate)
}

// PasswordHash returns the stored management password hash, nil when no
// password is set.
func (s *State) PasswordHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordHash
}

// SetPasswordHash stores the hash, or clears the password when hash is empty.
func (s *State) SetPasswordHash(hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwordHash = hash
	if len(hash) == 0 {
		err := os.Remove(filepath.Join(s.dataDir, "password"))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return s.writeFile("password", hash)
}
