package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nvr-engine/config"
	"nvr-engine/database"
	"nvr-engine/logging"

	"github.com/rs/zerolog"
)

// DefaultMaxDeletions bounds the work of one cleanup invocation
const DefaultMaxDeletions = 50

// UsageMeter reports the effective storage usage percent
type UsageMeter interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// RetentionSettingsSource supplies the eviction ceiling and floor. It is read on every check.
type RetentionSettingsSource interface {
	RetentionSettings() config.RetentionSettings
}

// ActiveSegment is the file a live capture process is writing
type ActiveSegment struct {
	CameraID string
	Path     string
}

// ActiveSegmentSource lists the segments currently being written
type ActiveSegmentSource interface {
	ActiveSegments(now time.Time) []ActiveSegment
}

// CleanupResult describes one retention check
type CleanupResult struct {
	Triggered   bool    `json:"triggered"`
	UsageBefore float64 `json:"usageBefore"`
	UsageAfter  float64 `json:"usageAfter"`
	Ceiling     float64 `json:"ceiling"`
	Floor       float64 `json:"floor"`
	Deleted     int     `json:"deleted"`
	FreedBytes  int64   `json:"freedBytes"`
	Protected   int     `json:"protected"`
	Failed      int     `json:"failed"`
	Exhausted   bool    `json:"exhausted"`
	BudgetHit   bool    `json:"budgetHit"`
}

// Retention evicts the oldest recordings while storage usage is above the ceiling
type Retention struct {
	db           database.Database
	layout       Layout
	meter        UsageMeter
	settings     RetentionSettingsSource
	active       ActiveSegmentSource
	maxDeletions int
	log          zerolog.Logger
	now          func() time.Time
}

// NewRetention creates a retention policy. active may be nil when nothing records.
func NewRetention(db database.Database, layout Layout, meter UsageMeter, settings RetentionSettingsSource, active ActiveSegmentSource, maxDeletions int) *Retention {
	if maxDeletions <= 0 {
		maxDeletions = DefaultMaxDeletions
	}
	return &Retention{
		db:           db,
		layout:       layout,
		meter:        meter,
		settings:     settings,
		active:       active,
		maxDeletions: maxDeletions,
		log:          logging.For("retention"),
		now:          time.Now,
	}
}

// CheckAndCleanup deletes the oldest eligible recordings, file first then record,
// until usage is at or below the floor, nothing eligible remains, or the
// per-call deletion budget is spent. ErrRetentionExhausted is returned when usage
// stays above the floor with no eligible recordings left.
func (p *Retention) CheckAndCleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult

	usage, err := p.meter.UsedPercent(ctx)
	if err != nil {
		return res, err
	}
	thresholds := p.settings.RetentionSettings()
	res.UsageBefore, res.UsageAfter = usage, usage
	res.Ceiling, res.Floor = thresholds.CleanThresholdPercent, thresholds.TargetThresholdPercent

	if usage <= thresholds.CleanThresholdPercent {
		return res, nil
	}
	res.Triggered = true
	p.log.Info().
		Float64("usage", usage).
		Float64("ceiling", res.Ceiling).
		Float64("floor", res.Floor).
		Msg("storage above ceiling, evicting oldest recordings")

	excluded, protectedPaths, activeDirs, err := p.protectedSet()
	if err != nil {
		return res, err
	}
	res.Protected = len(excluded)

	touchedDirs := make(map[string]struct{})
	defer func() { p.removeEmptyDateDirs(touchedDirs, activeDirs) }()

	for res.Deleted < p.maxDeletions {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ids := make([]string, 0, len(excluded))
		for id := range excluded {
			ids = append(ids, id)
		}
		oldest, err := p.db.GetOldestRecordings(1, ids)
		if err != nil {
			return res, err
		}
		if len(oldest) == 0 {
			res.Exhausted = true
			p.log.Warn().
				Float64("usage", res.UsageAfter).
				Int("deleted", res.Deleted).
				Int("protected", res.Protected).
				Msg("no eligible recordings left to evict")
			return res, ErrRetentionExhausted
		}
		rec := oldest[0]

		if _, ok := protectedPaths[rec.Path]; ok {
			excluded[rec.ID] = struct{}{}
			res.Protected++
			continue
		}

		if err := RemoveFile(rec.Path); err != nil {
			// Leave the record so the footage stays listed; skip it for the rest of this call
			excluded[rec.ID] = struct{}{}
			res.Failed++
			p.log.Error().Err(err).Str("camera", rec.CameraID).Str("path", rec.Path).Msg("failed to delete segment file")
			continue
		}
		if err := p.db.DeleteRecording(rec.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			excluded[rec.ID] = struct{}{}
			res.Failed++
			p.log.Error().Err(err).Str("camera", rec.CameraID).Str("id", rec.ID).Msg("failed to delete recording record")
			continue
		}

		res.Deleted++
		res.FreedBytes += rec.Size
		touchedDirs[filepath.Dir(rec.Path)] = struct{}{}
		p.log.Info().Str("camera", rec.CameraID).Str("file", rec.Filename).Int64("size", rec.Size).Msg("evicted recording")

		usage, err = p.meter.UsedPercent(ctx)
		if err != nil {
			return res, err
		}
		res.UsageAfter = usage
		if usage <= thresholds.TargetThresholdPercent {
			p.log.Info().
				Float64("usage", usage).
				Int("deleted", res.Deleted).
				Int64("freed_bytes", res.FreedBytes).
				Msg("storage back under floor")
			return res, nil
		}
	}

	res.BudgetHit = true
	p.log.Warn().
		Int("deleted", res.Deleted).
		Float64("usage", res.UsageAfter).
		Msg("deletion budget for this check reached, continuing next tick")
	return res, nil
}

// protectedSet returns the record ids and paths that must not be evicted:
// the segment each live capture is writing and the newest record of each recording camera.
func (p *Retention) protectedSet() (map[string]struct{}, map[string]struct{}, map[string]struct{}, error) {
	ids := make(map[string]struct{})
	paths := make(map[string]struct{})
	dirs := make(map[string]struct{})
	if p.active == nil {
		return ids, paths, dirs, nil
	}

	for _, seg := range p.active.ActiveSegments(p.now()) {
		paths[seg.Path] = struct{}{}
		dirs[filepath.Dir(seg.Path)] = struct{}{}

		rec, err := p.db.GetRecordingByPath(seg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to resolve active segment %s: %w", seg.Path, err)
		}
		if rec != nil {
			ids[rec.ID] = struct{}{}
		}

		latest, err := p.db.GetLatestRecording(seg.CameraID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to resolve newest recording of %s: %w", seg.CameraID, err)
		}
		if latest != nil {
			ids[latest.ID] = struct{}{}
			paths[latest.Path] = struct{}{}
		}
	}
	return ids, paths, dirs, nil
}

// removeEmptyDateDirs drops date partitions emptied by eviction. Camera
// directories and the partition a capture is writing into are kept.
func (p *Retention) removeEmptyDateDirs(dirs, active map[string]struct{}) {
	for dir := range dirs {
		if _, ok := active[dir]; ok {
			continue
		}
		rel, err := filepath.Rel(p.layout.Root, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		// <camera>/<date>
		if len(strings.Split(filepath.ToSlash(rel), "/")) != 2 {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			p.log.Debug().Err(err).Str("path", dir).Msg("failed to remove empty date directory")
			continue
		}
		p.log.Debug().Str("path", dir).Msg("removed empty date directory")
	}
}
