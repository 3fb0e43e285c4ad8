package service

import (
	"context"
	"os"
	"testing"
	"time"

	"nvr-engine/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingQueries(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	svc := NewRecordingService(db, &directLocker{}, time.Local)

	day1 := t0
	day2 := t0.AddDate(0, 0, 1)
	addSegment(t, db, root, "a1", "cam-1", day1, 5*time.Minute)
	addSegment(t, db, root, "a2", "cam-1", day1.Add(5*time.Minute), 5*time.Minute)
	addSegment(t, db, root, "b1", "cam-2", day2, 5*time.Minute)

	all, err := svc.ListRecordings("", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[0].ID)

	cam1, err := svc.ListRecordings("cam-1", day1.Format("2006-01-02"), 0)
	require.NoError(t, err)
	require.Len(t, cam1, 2)
	assert.Equal(t, "a2", cam1[0].ID)

	none, err := svc.ListRecordings("cam-1", day2.Format("2006-01-02"), 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = svc.ListRecordings("", "02/03/2026", 0)
	assert.ErrorIs(t, err, ErrInvalidDate)

	dates, err := svc.RecordingDates()
	require.NoError(t, err)
	assert.Equal(t, []string{day2.Format("2006-01-02"), day1.Format("2006-01-02")}, dates)

	rec, err := svc.GetRecording("a1")
	require.NoError(t, err)
	assert.Equal(t, "cam-1", rec.CameraID)

	_, err = svc.GetRecording("nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteRecording(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	locker := &directLocker{}
	svc := NewRecordingService(db, locker, nil)

	rec := addSegment(t, db, root, "a1", "cam-1", t0, 5*time.Minute)
	gone := addSegment(t, db, root, "a2", "cam-1", t0.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, os.Remove(gone.Path))

	ctx := context.Background()
	require.NoError(t, svc.DeleteRecording(ctx, rec.ID))
	assert.NoFileExists(t, rec.Path)

	require.NoError(t, svc.DeleteRecording(ctx, gone.ID))
	assert.ErrorIs(t, svc.DeleteRecording(ctx, "a1"), database.ErrNotFound)
	assert.Equal(t, 3, locker.calls)

	left, err := db.ListRecordings(database.RecordingFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPurgeAll(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	svc := NewRecordingService(db, &directLocker{}, nil)

	var paths []string
	for i, id := range []string{"a1", "a2", "a3"} {
		rec := addSegment(t, db, root, id, "cam-1", t0.Add(time.Duration(i)*5*time.Minute), 5*time.Minute)
		paths = append(paths, rec.Path)
	}

	n, err := svc.PurgeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	for _, p := range paths {
		assert.NoFileExists(t, p)
	}

	dates, err := svc.RecordingDates()
	require.NoError(t, err)
	assert.Empty(t, dates)
}
