package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"nvr-engine/database"
	"nvr-engine/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Deepest directory level scanned below a camera directory (date partition)
	maxScanDepth = 1
	// Upper bound on pending directories during one camera walk
	maxScanStack = 4096
)

// SyncStats summarises one reconciliation pass
type SyncStats struct {
	Cameras        int           `json:"cameras"`
	Files          int           `json:"files"`
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	Anomalies      int           `json:"anomalies"`
	ParseFallbacks int           `json:"parseFallbacks"`
	Errors         int           `json:"errors"`
	Coalesced      bool          `json:"coalesced"` // Folded into a pass already in flight
	Duration       time.Duration `json:"duration"`
}

func (s *SyncStats) add(o SyncStats) {
	s.Cameras += o.Cameras
	s.Files += o.Files
	s.Created += o.Created
	s.Updated += o.Updated
	s.Anomalies += o.Anomalies
	s.ParseFallbacks += o.ParseFallbacks
	s.Errors += o.Errors
}

// Reconciler mirrors segment files on disk into the inventory.
// Only one pass runs at a time; a Sync requested during a pass is folded into
// one follow-up pass run by the caller that holds the pass.
type Reconciler struct {
	db     database.Database
	layout Layout
	log    zerolog.Logger

	mu      sync.Mutex
	pending atomic.Bool
}

// NewReconciler creates a reconciler over the given layout
func NewReconciler(db database.Database, layout Layout) *Reconciler {
	return &Reconciler{
		db:     db,
		layout: layout,
		log:    logging.For("reconciler"),
	}
}

// Layout returns the naming convention the reconciler scans with
func (r *Reconciler) Layout() Layout {
	return r.layout
}

// Sync brings the inventory in line with the segment files on disk.
// When a pass is already running the request is queued behind it and Sync
// returns immediately with Coalesced set.
func (r *Reconciler) Sync(ctx context.Context) (SyncStats, error) {
	r.pending.Store(true)

	var (
		stats SyncStats
		err   error
		ran   bool
	)
	for r.pending.Load() {
		if !r.mu.TryLock() {
			if !ran {
				return SyncStats{Coalesced: true}, nil
			}
			return stats, err
		}
		for r.pending.CompareAndSwap(true, false) {
			stats, err = r.pass(ctx)
			ran = true
		}
		r.mu.Unlock()
	}
	if !ran {
		return SyncStats{Coalesced: true}, nil
	}
	return stats, err
}

// Exclusive runs fn while no reconciliation pass is in flight and runs any
// pass requested meanwhile once fn returns.
func (r *Reconciler) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	r.mu.Lock()
	err := fn(ctx)
	r.mu.Unlock()

	if r.pending.Load() {
		if _, syncErr := r.Sync(ctx); syncErr != nil {
			r.log.Error().Err(syncErr).Msg("deferred sync failed")
		}
	}
	return err
}

// pass scans every registered camera, enabled or not
func (r *Reconciler) pass(ctx context.Context) (SyncStats, error) {
	started := time.Now()
	var total SyncStats

	cameras, err := r.db.GetCameras()
	if err != nil {
		return total, fmt.Errorf("failed to read camera registry: %w", err)
	}

	for _, cam := range cameras {
		if err := ctx.Err(); err != nil {
			total.Duration = time.Since(started)
			return total, err
		}
		camStats, err := r.syncCamera(ctx, cam)
		total.add(camStats)
		if err != nil {
			total.Errors++
			r.log.Error().Err(err).Str("camera", cam.ID).Msg("camera sync failed")
		}
	}

	total.Duration = time.Since(started)
	if total.Created > 0 || total.Updated > 0 || total.Anomalies > 0 {
		r.log.Info().
			Int("created", total.Created).
			Int("updated", total.Updated).
			Int("anomalies", total.Anomalies).
			Int("files", total.Files).
			Dur("took", total.Duration).
			Msg("inventory reconciled")
	} else {
		r.log.Debug().Int("files", total.Files).Dur("took", total.Duration).Msg("inventory unchanged")
	}
	return total, nil
}

type scanDir struct {
	path  string
	depth int
}

func (r *Reconciler) syncCamera(ctx context.Context, cam database.Camera) (SyncStats, error) {
	var stats SyncStats

	existing, err := r.db.ListRecordings(database.RecordingFilter{CameraID: cam.ID})
	if err != nil {
		return stats, err
	}
	known := make(map[string]database.Recording, len(existing))
	for _, rec := range existing {
		known[rec.Path] = rec
	}

	seen := false
	for _, root := range r.layout.CameraDirs(cam) {
		if _, err := os.Stat(root); err != nil {
			if !os.IsNotExist(err) {
				stats.Errors++
				r.log.Warn().Err(err).Str("camera", cam.ID).Str("path", root).Msg("camera directory not accessible")
			}
			continue
		}
		seen = true

		// Explicit stack instead of recursion; the depth limit keeps it to date partitions.
		stack := []scanDir{{path: root}}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			dir := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			entries, err := os.ReadDir(dir.path)
			if err != nil {
				stats.Errors++
				r.log.Warn().Err(err).Str("camera", cam.ID).Str("path", dir.path).Msg("failed to read directory")
				continue
			}
			for _, entry := range entries {
				full := filepath.Join(dir.path, entry.Name())
				if entry.IsDir() {
					if dir.depth < maxScanDepth && len(stack) < maxScanStack {
						stack = append(stack, scanDir{path: full, depth: dir.depth + 1})
					}
					continue
				}
				if !IsSegmentFile(entry.Name()) {
					continue
				}
				stats.Files++
				rel, _ := filepath.Rel(root, full)
				if err := r.syncFile(cam, full, rel, known, &stats); err != nil {
					stats.Errors++
					r.log.Warn().Err(err).Str("camera", cam.ID).Str("path", full).Msg("failed to reconcile segment")
				}
			}
		}
	}
	if seen {
		stats.Cameras = 1
	}
	return stats, nil
}

// syncFile creates or monotonically advances the record of one segment file
func (r *Reconciler) syncFile(cam database.Camera, path, rel string, known map[string]database.Recording, stats *SyncStats) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Rotated away or evicted between listing and stat
			return nil
		}
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	rec, ok := known[path]
	if !ok {
		// Another camera directory may already own this path
		found, err := r.db.GetRecordingByPath(path)
		if err != nil {
			return err
		}
		if found != nil {
			rec, ok = *found, true
		}
	}

	if !ok {
		start, err := r.layout.ParseSegmentStart(rel)
		if err != nil {
			stats.ParseFallbacks++
			start = fileCreationTime(path, info)
			r.log.Warn().Err(err).Str("camera", cam.ID).Time("fallback_start", start).Msg("using file creation time")
		}
		rec = database.Recording{
			ID:        uuid.NewString(),
			CameraID:  cam.ID,
			Filename:  r.layout.RelativeFilename(path),
			Path:      path,
			StartTime: start,
			EndTime:   segmentEnd(start, info.ModTime()),
			Size:      info.Size(),
			Status:    database.StatusComplete,
		}
		if err := r.db.CreateRecording(rec); err != nil {
			return err
		}
		known[path] = rec
		stats.Created++
		r.log.Info().Str("camera", cam.ID).Str("file", rec.Filename).Msg("new recording")
		return nil
	}

	size := info.Size()
	end := segmentEnd(rec.StartTime, info.ModTime())
	endMs, storedEndMs := end.UnixMilli(), rec.EndTime.UnixMilli()

	grew := size > rec.Size || endMs > storedEndMs
	shrank := size < rec.Size || endMs < storedEndMs

	switch {
	case grew:
		newSize, newEnd := max(size, rec.Size), rec.EndTime
		if endMs > storedEndMs {
			newEnd = end
		}
		status := rec.Status
		if shrank {
			status = database.StatusAnomaly
			stats.Anomalies++
			r.log.Warn().Str("camera", cam.ID).Str("path", path).
				Int64("size", size).Int64("stored_size", rec.Size).
				Time("end", end).Time("stored_end", rec.EndTime).
				Msg("segment regressed on one axis, keeping the larger values")
		}
		if err := r.db.UpdateRecordingProgress(rec.ID, newSize, newEnd, status); err != nil {
			return err
		}
		rec.Size, rec.EndTime, rec.Status = newSize, newEnd, status
		known[path] = rec
		stats.Updated++
	case shrank && rec.Status != database.StatusAnomaly:
		if err := r.db.UpdateRecordingProgress(rec.ID, rec.Size, rec.EndTime, database.StatusAnomaly); err != nil {
			return err
		}
		rec.Status = database.StatusAnomaly
		known[path] = rec
		stats.Anomalies++
		r.log.Warn().Str("camera", cam.ID).Str("path", path).
			Int64("size", size).Int64("stored_size", rec.Size).
			Msg("segment shrank or went back in time since last sync")
	}
	return nil
}

// segmentEnd is start + max(0, modTime - start)
func segmentEnd(start, modTime time.Time) time.Time {
	if modTime.Before(start) {
		return start
	}
	return modTime
}
