package storage

import (
	"context"
	"testing"
	"time"

	"nvr-engine/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProbe struct {
	usage DiskUsage
	err   error
}

func (p fixedProbe) Usage(context.Context, string) (DiskUsage, error) {
	return p.usage, p.err
}

type fixedCap float64

func (c fixedCap) StorageCapGB() float64 { return float64(c) }

func TestDiskManagerVolumeUsage(t *testing.T) {
	dm := NewDiskManager("/srv/rec", fixedProbe{usage: DiskUsage{UsedPercent: 42.5}}, nil, nil)
	pct, err := dm.UsedPercent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, pct)
}

func TestDiskManagerStorageCap(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	// 0.75 GB of footage against a 1 GB cap
	require.NoError(t, db.CreateRecording(database.Recording{
		ID: "r1", CameraID: "cam-1", Filename: "a.mp4", Path: "/srv/rec/a.mp4",
		StartTime: start, EndTime: start.Add(time.Minute), Size: 3 * bytesPerGB / 4,
	}))

	dm := NewDiskManager("/srv/rec", fixedProbe{usage: DiskUsage{UsedPercent: 20}}, db, fixedCap(1))
	stats, err := dm.Stats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 75, stats.UsedPercent, 0.001)
	assert.Equal(t, int64(3*bytesPerGB/4), stats.InventoryBytes)

	// Volume fuller than the cap share wins
	dm = NewDiskManager("/srv/rec", fixedProbe{usage: DiskUsage{UsedPercent: 90}}, db, fixedCap(1))
	pct, err := dm.UsedPercent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(90), pct)
}

func TestGopsutilProbe(t *testing.T) {
	u, err := GopsutilProbe{}.Usage(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, u.TotalBytes, uint64(0))
	assert.GreaterOrEqual(t, u.UsedPercent, float64(0))
	assert.LessOrEqual(t, u.UsedPercent, float64(100))

	_, err = GopsutilProbe{}.Usage(context.Background(), "/definitely/not/here")
	assert.ErrorIs(t, err, ErrFilesystem)
}
