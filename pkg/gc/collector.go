// Package gc implements GC (spec component C9): reclamation of
// unreferenced parts, expired tombstones, and stale idempotency-cache
// entries for one owned slot.
//
// A part is reclaimed only once it falls outside the grace window since
// its mtime and is not referenced by the slot's current live head for
// its path — a part written by a write that never reached quorum looks
// identical to an orphan once the grace window passes, which is exactly
// the intended outcome (spec section 4.6 step 9: orphan parts are safe,
// GC converges them away).
package gc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/metrics"
	"github.com/amberio/amberio/pkg/slot"
)

// Archiver is the subset of archive.Tier GC needs: a place to push a
// part's bytes before deleting its last local copy. Kept as an
// interface here (rather than importing pkg/archive directly) so a
// Collector with archiving disabled never has to construct a Tier.
type Archiver interface {
	Archive(ctx context.Context, slotID int, path, hexSHA string, r io.Reader, length uint64) (meta.ArchiveRef, error)
	Evictable(ctx context.Context, slotID int, path, hexSHA string) (bool, error)
}

// Config contains the garbage collector's tunables (spec section 6).
type Config struct {
	Enabled            bool
	Interval           time.Duration
	PartGCGrace        time.Duration
	TombstoneRetention time.Duration
	IdempotencyTTL     time.Duration

	// ArchiveOnEvict archives a part to the cold tier before deleting
	// its last local copy, instead of deleting it outright (spec
	// section 4.10).
	ArchiveOnEvict bool
}

// DefaultConfig returns spec section 6's defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Interval:           24 * time.Hour,
		PartGCGrace:        24 * time.Hour,
		TombstoneRetention: 7 * 24 * time.Hour,
		IdempotencyTTL:     24 * time.Hour,
	}
}

// Collector runs periodic garbage collection against one slot's Engine.
//
// Start and Stop are not idempotent: each is called at most once per
// Collector (Stop on an enabled collector closes its stop channel).
type Collector struct {
	slotID   int
	engine   *slot.Engine
	archiver Archiver
	config   Config
	metrics  metrics.GCMetrics
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a Collector for one slot. archiver may be nil;
// a nil archiver with ArchiveOnEvict set just skips archiving (the
// part is deleted outright, same as Config.ArchiveOnEvict == false).
func NewCollector(slotID int, engine *slot.Engine, archiver Archiver, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.PartGCGrace == 0 {
		config.PartGCGrace = DefaultConfig().PartGCGrace
	}
	if config.TombstoneRetention == 0 {
		config.TombstoneRetention = DefaultConfig().TombstoneRetention
	}
	if config.IdempotencyTTL == 0 {
		config.IdempotencyTTL = DefaultConfig().IdempotencyTTL
	}
	return &Collector{
		slotID:   slotID,
		engine:   engine,
		archiver: archiver,
		config:   config,
		metrics:  metrics.NewGCMetrics(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background garbage collection. Safe to call once; a
// disabled collector logs and returns without starting a goroutine.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("gc: slot %d collection disabled", c.engine.SlotID)
		return
	}
	logger.Info("gc: slot %d starting, interval=%s part_grace=%s tombstone_retention=%s",
		c.engine.SlotID, c.config.Interval, c.config.PartGCGrace, c.config.TombstoneRetention)
	go c.worker()
}

// Stop signals the background worker to stop and waits for it, bounded
// by ctx.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate collection cycle, useful for tests and
// admin-triggered cleanup.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()
			if err != nil {
				logger.Error("gc: slot %d collection failed: %v", c.engine.SlotID, err)
			} else {
				logger.Info("gc: slot %d %s", c.engine.SlotID, stats.Summary())
			}
		case <-c.stopCh:
			return
		}
	}
}

// collect runs one full cycle: part reclamation, tombstone vacuuming,
// idempotency cache expiry (spec section 4.9 steps 1-5).
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	reachable, err := c.reachableParts()
	if err != nil {
		return stats, fmt.Errorf("gc: building reachable set: %w", err)
	}

	if err := c.reclaimParts(ctx, reachable, stats); err != nil {
		return stats, fmt.Errorf("gc: reclaiming parts: %w", err)
	}

	removedTombstones, err := c.engine.Meta.VacuumTombstones(time.Now().Add(-c.config.TombstoneRetention))
	if err != nil {
		return stats, fmt.Errorf("gc: vacuuming tombstones: %w", err)
	}
	stats.TombstonesVacuumed = uint64(len(removedTombstones))

	expiredWrites, err := c.engine.Meta.VacuumWriteIDs(time.Now().Add(-c.config.IdempotencyTTL))
	if err != nil {
		return stats, fmt.Errorf("gc: vacuuming write ids: %w", err)
	}
	stats.WriteIDsExpired = uint64(expiredWrites)

	stats.EndTime = time.Now()
	c.metrics.RecordCycle(stats.Duration().Seconds(), stats.PartsDeleted, stats.PartsArchived,
		stats.PartsFailed, stats.TombstonesVacuumed, stats.WriteIDsExpired)
	return stats, nil
}

// reachableParts builds path -> set(sha256) for every part referenced
// by the slot's current live (non-tombstone) head. Tombstoned paths
// contribute nothing: once a path's effective head is a tombstone,
// nothing under its lineage is reachable, per spec invariant that GC
// never deletes a part referenced by a live meta record (there is none
// once a tombstone has become effective).
func (c *Collector) reachableParts() (map[string]map[string]bool, error) {
	reachable := make(map[string]map[string]bool)
	err := c.engine.Meta.ScanHeads(func(h meta.Head) error {
		if h.Tombstone {
			return nil
		}
		set := reachable[h.Path]
		if set == nil {
			set = make(map[string]bool, len(h.Parts))
			reachable[h.Path] = set
		}
		for _, p := range h.Parts {
			set[p.SHA256] = true
		}
		return nil
	})
	return reachable, err
}

// reclaimParts walks every object directory, deleting on-disk part
// files that are neither in reachable nor within the staging grace
// window, and drops their PartRef bookkeeping row.
func (c *Collector) reclaimParts(ctx context.Context, reachable map[string]map[string]bool, stats *Stats) error {
	grace := time.Now().Add(-c.config.PartGCGrace)

	return c.engine.Parts.ObjectDirs(func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		files, err := c.engine.Parts.ListParts(path)
		if err != nil {
			return err
		}
		stats.PartsScanned += uint64(len(files))

		live := reachable[path]
		for _, f := range files {
			if live[f.HexSHA256] {
				continue
			}
			if f.ModTime.After(grace) {
				continue // still within the staging grace window
			}

			if c.config.ArchiveOnEvict && c.archiver != nil {
				if archived, err := c.archiveBeforeEvict(ctx, path, f.HexSHA256, f.Size); err != nil {
					logger.Warn("gc: archiving part %s/%s before evict: %v", path, f.HexSHA256, err)
					stats.PartsFailed++
					continue
				} else if archived {
					stats.PartsArchived++
				}
			}

			if err := c.engine.Parts.Remove(path, f.HexSHA256); err != nil {
				logger.Warn("gc: removing part %s/%s: %v", path, f.HexSHA256, err)
				stats.PartsFailed++
				continue
			}
			if err := c.engine.Meta.RemovePartRef(path, f.HexSHA256); err != nil {
				logger.Warn("gc: removing part ref %s/%s: %v", path, f.HexSHA256, err)
			}
			stats.PartsDeleted++
		}
		return nil
	})
}

// archiveBeforeEvict archives a part that hasn't already been archived.
// Returns whether an archive write actually happened.
func (c *Collector) archiveBeforeEvict(ctx context.Context, path, hexSHA string, size int64) (bool, error) {
	already, err := c.archiver.Evictable(ctx, c.slotID, path, hexSHA)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	rc, err := c.engine.OpenPart(path, hexSHA)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	if _, err := c.archiver.Archive(ctx, c.slotID, path, hexSHA, rc, uint64(size)); err != nil {
		return false, err
	}
	return true, nil
}

// Stats summarizes one collection cycle.
type Stats struct {
	StartTime          time.Time
	EndTime            time.Time
	PartsScanned       uint64
	PartsDeleted       uint64
	PartsArchived      uint64
	PartsFailed        uint64
	TombstonesVacuumed uint64
	WriteIDsExpired    uint64
}

// Duration returns the cycle's wall-clock duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a one-line human-readable summary.
func (s *Stats) Summary() string {
	return fmt.Sprintf("parts_scanned=%d parts_deleted=%d parts_archived=%d parts_failed=%d tombstones_vacuumed=%d write_ids_expired=%d duration=%s",
		s.PartsScanned, s.PartsDeleted, s.PartsArchived, s.PartsFailed, s.TombstonesVacuumed, s.WriteIDsExpired, s.Duration())
}
