package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nvr-engine/database"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// writeSegment creates a segment file of size bytes whose mtime is modTime
func writeSegment(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

var _ database.Database = (*countingDB)(nil)

// countingDB records inventory writes
type countingDB struct {
	database.Database
	mu      sync.Mutex
	creates int
	updates int
	deletes int
}

func (c *countingDB) CreateRecording(rec database.Recording) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.Database.CreateRecording(rec)
}

func (c *countingDB) UpdateRecordingProgress(id string, size int64, end time.Time, status database.RecordingStatus) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Database.UpdateRecordingProgress(id, size, end, status)
}

func (c *countingDB) DeleteRecording(id string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Database.DeleteRecording(id)
}

func (c *countingDB) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates + c.updates + c.deletes
}
