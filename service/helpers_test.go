package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nvr-engine/database"
	"nvr-engine/transcode"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)

func newTestDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// addSegment writes a segment file and its inventory record
func addSegment(t *testing.T, db database.Database, root, id, cameraID string, start time.Time, length time.Duration) database.Recording {
	t.Helper()
	rel := filepath.Join(cameraID, start.Format("2006-01-02"), start.Format("15-04-05")+".mp4")
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, make([]byte, 512), 0644))

	rec := database.Recording{
		ID:        id,
		CameraID:  cameraID,
		Filename:  rel,
		Path:      p,
		StartTime: start,
		EndTime:   start.Add(length),
		Size:      512,
	}
	require.NoError(t, db.CreateRecording(rec))
	return rec
}

// fakeCutter records cut requests and writes a small output on success
type fakeCutter struct {
	mu       sync.Mutex
	requests []transcode.CutRequest
	fail     map[transcode.CodecMode]error
	delay    time.Duration
	inFlight int
	maxSeen  int
}

func (f *fakeCutter) Cut(ctx context.Context, req transcode.CutRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	err := f.fail[req.Mode]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	// A failing tool may still leave a truncated file behind
	if werr := os.WriteFile(req.Output, []byte("clip"), 0644); werr != nil {
		return werr
	}
	return err
}

func (f *fakeCutter) calls() []transcode.CutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcode.CutRequest(nil), f.requests...)
}

type fakeArchiver struct {
	err  error
	keys []string
}

func (f *fakeArchiver) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, remotePath)
	return "https://media.example.com/" + remotePath, nil
}

// directLocker runs fn inline
type directLocker struct{ calls int }

func (d *directLocker) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	d.calls++
	return fn(ctx)
}
