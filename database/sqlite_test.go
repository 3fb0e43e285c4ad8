package database

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecording(id, cameraID string, start time.Time, d time.Duration) Recording {
	return Recording{
		ID:        id,
		CameraID:  cameraID,
		Filename:  cameraID + "/" + id + ".mp4",
		Path:      "/recordings/" + cameraID + "/" + id + ".mp4",
		StartTime: start,
		EndTime:   start.Add(d),
		Size:      1024,
		Status:    StatusComplete,
	}
}

// TestSQLiteDB tests inventory operations
func TestSQLiteDB(t *testing.T) {
	db := newTestDB(t)

	testCreateAndGetRecording(t, db)
	testUpdateRecordingProgress(t, db)
	testDeleteRecording(t, db)
}

func testCreateAndGetRecording(t *testing.T, db *SQLiteDB) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := testRecording("rec-1", "cam-1", start, 5*time.Minute)

	if err := db.CreateRecording(rec); err != nil {
		t.Fatalf("Failed to create recording: %v", err)
	}

	retrieved, err := db.GetRecording("rec-1")
	if err != nil {
		t.Fatalf("Failed to get recording: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected to retrieve recording, got nil")
	}
	if retrieved.Path != rec.Path {
		t.Errorf("Expected path %s, got %s", rec.Path, retrieved.Path)
	}
	if !retrieved.StartTime.Equal(start) {
		t.Errorf("Expected start %v, got %v", start, retrieved.StartTime)
	}
	if retrieved.Duration() != 5*time.Minute {
		t.Errorf("Expected duration 5m, got %v", retrieved.Duration())
	}

	byPath, err := db.GetRecordingByPath(rec.Path)
	if err != nil || byPath == nil || byPath.ID != "rec-1" {
		t.Errorf("Expected lookup by path to return rec-1, got %v (err %v)", byPath, err)
	}

	nonExistent, err := db.GetRecording("non-existent")
	if err != nil {
		t.Fatalf("Expected no error for non-existent recording, got: %v", err)
	}
	if nonExistent != nil {
		t.Errorf("Expected nil for non-existent recording, got: %v", nonExistent)
	}

	// Path is unique
	dup := rec
	dup.ID = "rec-dup"
	if err := db.CreateRecording(dup); err == nil {
		t.Error("Expected error when inserting a second record for the same path")
	}
}

func testUpdateRecordingProgress(t *testing.T, db *SQLiteDB) {
	newEnd := time.Date(2024, 5, 1, 10, 4, 59, 500_000_000, time.UTC)
	if err := db.UpdateRecordingProgress("rec-1", 4096, newEnd, StatusComplete); err != nil {
		t.Fatalf("Failed to update recording: %v", err)
	}

	rec, err := db.GetRecording("rec-1")
	if err != nil {
		t.Fatalf("Failed to get recording: %v", err)
	}
	if rec.Size != 4096 {
		t.Errorf("Expected size 4096, got %d", rec.Size)
	}
	if !rec.EndTime.Equal(newEnd) {
		t.Errorf("Expected end %v, got %v", newEnd, rec.EndTime)
	}

	err = db.UpdateRecordingProgress("missing", 1, newEnd, StatusComplete)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testDeleteRecording(t *testing.T, db *SQLiteDB) {
	if err := db.DeleteRecording("rec-1"); err != nil {
		t.Fatalf("Failed to delete recording: %v", err)
	}
	rec, err := db.GetRecording("rec-1")
	if err != nil {
		t.Fatalf("Failed to get recording: %v", err)
	}
	if rec != nil {
		t.Error("Expected recording to be deleted")
	}
	if err := db.DeleteRecording("rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListAndOrdering(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		cam := "cam-a"
		if i%2 == 1 {
			cam = "cam-b"
		}
		rec := testRecording("rec-"+strconv.Itoa(i), cam, base.Add(time.Duration(i)*5*time.Minute), 5*time.Minute)
		if err := db.CreateRecording(rec); err != nil {
			t.Fatalf("Failed to create recording %d: %v", i, err)
		}
	}

	all, err := db.ListRecordings(RecordingFilter{})
	if err != nil {
		t.Fatalf("Failed to list recordings: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("Expected 6 recordings, got %d", len(all))
	}
	if all[0].ID != "rec-5" {
		t.Errorf("Expected newest first, got %s", all[0].ID)
	}

	camA, err := db.ListRecordings(RecordingFilter{CameraID: "cam-a"})
	if err != nil {
		t.Fatalf("Failed to list cam-a recordings: %v", err)
	}
	if len(camA) != 3 {
		t.Errorf("Expected 3 cam-a recordings, got %d", len(camA))
	}

	window, err := db.ListRecordings(RecordingFilter{From: base.Add(10 * time.Minute), To: base.Add(20 * time.Minute)})
	if err != nil {
		t.Fatalf("Failed to list window: %v", err)
	}
	if len(window) != 2 {
		t.Errorf("Expected 2 recordings in window, got %d", len(window))
	}

	oldest, err := db.GetOldestRecordings(2, []string{"rec-0"})
	if err != nil {
		t.Fatalf("Failed to get oldest: %v", err)
	}
	if len(oldest) != 2 || oldest[0].ID != "rec-1" || oldest[1].ID != "rec-2" {
		t.Errorf("Expected rec-1, rec-2 got %v", oldest)
	}

	latest, err := db.GetLatestRecording("cam-a")
	if err != nil || latest == nil {
		t.Fatalf("Failed to get latest: %v", err)
	}
	if latest.ID != "rec-4" {
		t.Errorf("Expected rec-4 as latest cam-a recording, got %s", latest.ID)
	}

	// rec-2 covers 10:10-10:15 and rec-4 covers 10:20-10:25
	overlap, err := db.GetRecordingsOverlapping("cam-a", base.Add(12*time.Minute), base.Add(21*time.Minute))
	if err != nil {
		t.Fatalf("Failed to get overlapping: %v", err)
	}
	if len(overlap) != 2 || overlap[0].ID != "rec-2" || overlap[1].ID != "rec-4" {
		t.Errorf("Expected rec-2 and rec-4, got %v", overlap)
	}

	starts, err := db.GetRecordingStartTimes()
	if err != nil {
		t.Fatalf("Failed to get start times: %v", err)
	}
	if len(starts) != 6 {
		t.Errorf("Expected 6 start times, got %d", len(starts))
	}

	total, err := db.GetRecordingsTotalSize()
	if err != nil {
		t.Fatalf("Failed to sum sizes: %v", err)
	}
	if total != 6*1024 {
		t.Errorf("Expected total size %d, got %d", 6*1024, total)
	}

	n, err := db.DeleteAllRecordings()
	if err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}
	if n != 6 {
		t.Errorf("Expected 6 deleted rows, got %d", n)
	}
}

func TestCameraRegistry(t *testing.T) {
	db := newTestDB(t)

	cams := []Camera{
		{ID: "cam-1", Name: "Front Door", Address: "rtsp://10.0.0.2/stream", Enabled: true},
		{ID: "cam-2", Name: "Back Yard", Address: "rtsp://10.0.0.3/stream", Enabled: false},
	}
	if err := db.InsertCameras(cams); err != nil {
		t.Fatalf("Failed to insert cameras: %v", err)
	}

	list, err := db.GetCameras()
	if err != nil {
		t.Fatalf("Failed to get cameras: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(list))
	}

	cam, err := db.GetCamera("cam-2")
	if err != nil || cam == nil {
		t.Fatalf("Failed to get camera: %v", err)
	}
	if cam.Enabled {
		t.Error("Expected cam-2 to be disabled")
	}

	cam.Enabled = true
	if err := db.UpsertCamera(*cam); err != nil {
		t.Fatalf("Failed to upsert camera: %v", err)
	}
	cam, _ = db.GetCamera("cam-2")
	if !cam.Enabled {
		t.Error("Expected cam-2 to be enabled after upsert")
	}

	missing, err := db.GetCamera("nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing camera, got %v, %v", missing, err)
	}
}

func TestSystemConfig(t *testing.T) {
	db := newTestDB(t)

	cfg, err := db.GetSystemConfig(ConfigCleanThresholdPercent)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("Expected unset key to return nil, got %v", cfg)
	}

	err = db.SetSystemConfig(SystemConfig{Key: ConfigCleanThresholdPercent, Value: "85", Type: "int"})
	if err != nil {
		t.Fatalf("Failed to set config: %v", err)
	}
	err = db.SetSystemConfig(SystemConfig{Key: ConfigCleanThresholdPercent, Value: "90", Type: "int", UpdatedBy: "api"})
	if err != nil {
		t.Fatalf("Failed to overwrite config: %v", err)
	}

	cfg, err = db.GetSystemConfig(ConfigCleanThresholdPercent)
	if err != nil || cfg == nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if cfg.Value != "90" || cfg.UpdatedBy != "api" {
		t.Errorf("Expected value 90 by api, got %s by %s", cfg.Value, cfg.UpdatedBy)
	}

	all, err := db.GetAllSystemConfigs()
	if err != nil {
		t.Fatalf("Failed to list configs: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 config entry, got %d", len(all))
	}
}
