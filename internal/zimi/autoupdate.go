package zimi

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// autoUpdateInterval maps a cadence name onto its wake interval.
func autoUpdateInterval(freq string) time.Duration {
	switch freq {
	case "daily":
		return 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default: // weekly
		return 7 * 24 * time.Hour
	}
}

// AutoUpdater periodically checks the catalog and downloads newer versions
// of installed archives. At most one update pass runs at a time. Enabled
// state and cadence can change at runtime through the management API.
type AutoUpdater struct {
	catalog *Catalog
	reg     *Registry
	dl      *DownloadManager
	logger  *slog.Logger

	enabled atomic.Bool
	freq    atomic.Value // string
	running atomic.Bool
}

// NewAutoUpdater constructs the scheduler. It does nothing until Run is
// called and the updater is enabled.
func NewAutoUpdater(enabled bool, freq string, catalog *Catalog, reg *Registry, dl *DownloadManager, logger *slog.Logger) *AutoUpdater {
	u := &AutoUpdater{
		catalog: catalog,
		reg:     reg,
		dl:      dl,
		logger:  logger,
	}
	u.enabled.Store(enabled)
	u.freq.Store(freq)
	return u
}

// Enabled reports whether scheduled passes run.
func (u *AutoUpdater) Enabled() bool { return u.enabled.Load() }

// Freq returns the current cadence name.
func (u *AutoUpdater) Freq() string { s, _ := u.freq.Load().(string); return s }

// Configure updates the enabled flag and cadence. Takes effect at the next
// wake.
func (u *AutoUpdater) Configure(enabled bool, freq string) {
	u.enabled.Store(enabled)
	if freq != "" {
		u.freq.Store(freq)
	}
}

// Run wakes on the configured cadence until ctx is cancelled. The interval is
// re-read each wake so runtime reconfiguration takes effect.
func (u *AutoUpdater) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(autoUpdateInterval(u.Freq()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !u.Enabled() {
			continue
		}
		if err := u.RunOnce(ctx); err != nil {
			u.logger.Warn("auto-update pass failed", "error", err)
		}
	}
}

// RunOnce performs one check-and-download pass. Concurrent calls are
// collapsed: the second returns immediately.
func (u *AutoUpdater) RunOnce(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return nil
	}
	defer u.running.Store(false)

	updates, err := u.catalog.FindUpdates(ctx, u.reg.List())
	if err != nil {
		return err
	}

	available := make(map[string]bool, len(updates))
	for _, up := range updates {
		available[up.ArchiveID] = true
	}
	u.reg.SetUpdateAvailable(available)

	for _, up := range updates {
		slug := up.Entry.Name
		if slug == "" {
			slug, _ = splitDateStamp(up.Entry.Filename)
		}

		// A user-cancelled download wins over the scheduler; that slug
		// waits for the next cadence.
		if snap, ok := u.dl.Task(slug); ok && snap.State == TaskCancelled {
			continue
		}

		_, err := u.dl.Start(ctx, slug, up.Entry.URL, up.Entry.Filename, up.Entry.Size, "update")
		if err != nil {
			u.logger.Warn("auto-update download not started", "slug", slug, "error", err)
			continue
		}
		u.logger.Info("auto-update download started", "slug", slug, "file", up.Entry.Filename)
	}
	return nil
}
