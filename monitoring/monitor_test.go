package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDisk struct {
	pct float64
	err error
}

func (s staticDisk) UsedPercent(ctx context.Context) (float64, error) {
	return s.pct, s.err
}

func TestSample(t *testing.T) {
	m, err := NewMonitor(staticDisk{pct: 42.5})
	require.NoError(t, err)

	usage, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryUsedMB, 0.0)
	assert.Greater(t, usage.MemoryTotalMB, usage.MemoryUsedMB)
	assert.Positive(t, usage.NumGoroutines)
	assert.Equal(t, 42.5, usage.DiskUsedPercent)
}

func TestSampleDiskError(t *testing.T) {
	m, err := NewMonitor(staticDisk{err: errors.New("probe failed")})
	require.NoError(t, err)

	_, err = m.Sample(context.Background())
	assert.ErrorContains(t, err, "disk usage")
}

func TestRunStopsOnCancel(t *testing.T) {
	m, err := NewMonitor(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx, 10*time.Millisecond))
}
