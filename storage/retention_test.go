package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nvr-engine/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirMeter reports the bytes under root against a fixed capacity
type dirMeter struct {
	root     string
	capacity int64
	readings []float64
}

func (m *dirMeter) UsedPercent(ctx context.Context) (float64, error) {
	var total int64
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	pct := float64(total) / float64(m.capacity) * 100
	m.readings = append(m.readings, pct)
	return pct, nil
}

type staticSettings config.RetentionSettings

func (s staticSettings) RetentionSettings() config.RetentionSettings {
	return config.RetentionSettings(s)
}

type staticActive []ActiveSegment

func (a staticActive) ActiveSegments(time.Time) []ActiveSegment {
	return a
}

type retentionFixture struct {
	*reconcilerFixture
	meter *dirMeter
	paths []string // oldest first
}

// newRetentionFixture writes n segments of 100 bytes for the lobby camera, one per 5 minutes
func newRetentionFixture(t *testing.T, n int) *retentionFixture {
	t.Helper()
	f := &retentionFixture{reconcilerFixture: newReconcilerFixture(t)}
	f.meter = &dirMeter{root: f.root, capacity: 1000}
	for i := 0; i < n; i++ {
		start := t0.Add(time.Duration(i) * 5 * time.Minute)
		p := f.layout.SegmentPath(f.lobby, start)
		writeSegment(t, p, 100, start.Add(5*time.Minute))
		f.paths = append(f.paths, p)
	}
	_, err := f.rec.Sync(context.Background())
	require.NoError(t, err)
	return f
}

func (f *retentionFixture) retention(ceiling, floor float64, active ActiveSegmentSource, max int) *Retention {
	settings := staticSettings{CleanThresholdPercent: ceiling, TargetThresholdPercent: floor}
	return NewRetention(f.db, f.layout, f.meter, settings, active, max)
}

func TestRetentionBelowCeilingDoesNothing(t *testing.T) {
	f := newRetentionFixture(t, 5)
	res, err := f.retention(80, 70, nil, 0).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.Deleted)
	assert.Len(t, f.all(t), 5)
}

func TestRetentionEvictsOldestUntilFloor(t *testing.T) {
	f := newRetentionFixture(t, 9)

	res, err := f.retention(80, 50, nil, 0).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 4, res.Deleted)
	assert.Equal(t, int64(400), res.FreedBytes)
	assert.InDelta(t, 50, res.UsageAfter, 0.001)

	// Usage only went down
	for i := 1; i < len(f.meter.readings); i++ {
		assert.Less(t, f.meter.readings[i], f.meter.readings[i-1])
	}

	for i, p := range f.paths {
		_, statErr := os.Stat(p)
		rec, err := f.db.GetRecordingByPath(p)
		require.NoError(t, err)
		if i < 4 {
			assert.True(t, os.IsNotExist(statErr), "oldest file %d should be gone", i)
			assert.Nil(t, rec)
		} else {
			assert.NoError(t, statErr)
			assert.NotNil(t, rec)
		}
	}
}

func TestRetentionNeverEvictsActiveSegment(t *testing.T) {
	f := newRetentionFixture(t, 3)

	// The live capture writes the oldest file overall
	active := staticActive{{CameraID: f.lobby.ID, Path: f.paths[0]}}
	res, err := f.retention(10, 5, active, 0).CheckAndCleanup(context.Background())
	assert.True(t, errors.Is(err, ErrRetentionExhausted))
	assert.True(t, res.Exhausted)

	// Newest record of the recording camera is kept as well
	assert.Equal(t, 1, res.Deleted)
	_, err = os.Stat(f.paths[0])
	assert.NoError(t, err, "active segment must survive")
	_, err = os.Stat(f.paths[2])
	assert.NoError(t, err, "newest segment of an active camera must survive")
	_, err = os.Stat(f.paths[1])
	assert.True(t, os.IsNotExist(err))
}

func TestRetentionToleratesMissingFiles(t *testing.T) {
	f := newRetentionFixture(t, 9)
	require.NoError(t, os.Remove(f.paths[0]))

	res, err := f.retention(70, 50, nil, 0).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Deleted, "the already-missing file counts as deleted")
	assert.Zero(t, res.Failed)

	rec, err := f.db.GetRecordingByPath(f.paths[0])
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRetentionContinuesPastFailedDeletion(t *testing.T) {
	f := newRetentionFixture(t, 9)

	// The oldest segment path becomes a non-empty directory that cannot be removed
	require.NoError(t, os.Remove(f.paths[0]))
	writeSegment(t, filepath.Join(f.paths[0], "stuck.bin"), 100, t0)

	res, err := f.retention(80, 50, nil, 0).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 4, res.Deleted)
	assert.InDelta(t, 50, res.UsageAfter, 0.001)

	rec, err := f.db.GetRecordingByPath(f.paths[0])
	require.NoError(t, err)
	assert.NotNil(t, rec, "record of the undeletable file is kept")

	for _, p := range f.paths[1:5] {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), "%s should be evicted", p)
	}
	assert.Len(t, f.all(t), 5)
}

func TestRetentionDeletionBudget(t *testing.T) {
	f := newRetentionFixture(t, 9)

	res, err := f.retention(80, 10, nil, 2).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.True(t, res.BudgetHit)
	assert.Len(t, f.all(t), 7)
}

func TestRetentionExhaustedWithEmptyInventory(t *testing.T) {
	f := newRetentionFixture(t, 0)
	writeSegment(t, filepath.Join(f.root, "untracked.bin"), 900, t0)

	res, err := f.retention(80, 70, nil, 0).CheckAndCleanup(context.Background())
	assert.ErrorIs(t, err, ErrRetentionExhausted)
	assert.True(t, res.Exhausted)
	assert.Zero(t, res.Deleted)
}

func TestRetentionRemovesEmptyDateDirs(t *testing.T) {
	f := newRetentionFixture(t, 0)
	yesterday := t0.Add(-24 * time.Hour)
	old := f.layout.SegmentPath(f.lobby, yesterday)
	writeSegment(t, old, 500, yesterday.Add(5*time.Minute))
	current := f.layout.SegmentPath(f.lobby, t0)
	writeSegment(t, current, 400, t0.Add(5*time.Minute))
	_, err := f.rec.Sync(context.Background())
	require.NoError(t, err)

	res, err := f.retention(80, 50, nil, 0).CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = os.Stat(filepath.Dir(old))
	assert.True(t, os.IsNotExist(err), "emptied date directory is removed")
	_, err = os.Stat(f.layout.CameraDir(f.lobby))
	assert.NoError(t, err, "camera directory stays")
}

func TestRetentionReadsSettingsEachCall(t *testing.T) {
	f := newRetentionFixture(t, 6)
	settings := &mutableSettings{s: config.RetentionSettings{CleanThresholdPercent: 80, TargetThresholdPercent: 70}}
	p := NewRetention(f.db, f.layout, f.meter, settings, nil, 0)

	res, err := p.CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Triggered)

	settings.s = config.RetentionSettings{CleanThresholdPercent: 50, TargetThresholdPercent: 40}
	res, err = p.CheckAndCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
}

type mutableSettings struct {
	s config.RetentionSettings
}

func (m *mutableSettings) RetentionSettings() config.RetentionSettings {
	return m.s
}
