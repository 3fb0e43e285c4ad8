package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned by mutating operations that target a missing row.
var ErrNotFound = errors.New("record not found")

// RecordingStatus represents the state of an inventory record
type RecordingStatus string

const (
	StatusComplete RecordingStatus = "complete" // Segment mirrored from disk
	StatusAnomaly  RecordingStatus = "anomaly"  // File shrank or went back in time since last sync
)

// Camera is a camera registry entry. The engine only reads it.
type Camera struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`  // Source URL (rtsp://host:port/path)
	Username string `json:"username"` // Source credentials
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

// Recording mirrors one segment file on disk.
type Recording struct {
	ID        string          `json:"id"`
	CameraID  string          `json:"cameraId"`
	Filename  string          `json:"filename"` // Path relative to the storage root
	Path      string          `json:"path"`     // Absolute path, unique
	StartTime time.Time       `json:"startTime"`
	EndTime   time.Time       `json:"endTime"`
	Size      int64           `json:"size"`
	Status    RecordingStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Duration returns how much footage the record covers.
func (r Recording) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Contains reports whether t falls inside [StartTime, EndTime].
func (r Recording) Contains(t time.Time) bool {
	return !t.Before(r.StartTime) && !t.After(r.EndTime)
}

// RecordingFilter narrows ListRecordings. Zero values are ignored.
type RecordingFilter struct {
	CameraID string
	From     time.Time // StartTime >= From
	To       time.Time // StartTime < To
	Limit    int
}

// SystemConfig is a key/value entry of the settings store
type SystemConfig struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      string    `json:"type"` // string, int, bool
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Settings store keys
const (
	ConfigCleanThresholdPercent  = "clean_threshold_percent"
	ConfigTargetThresholdPercent = "target_threshold_percent"
	ConfigNodeName               = "node_name"
	ConfigStorageCapGB           = "storage_cap_gb"
)

// Database defines the interface for database operations
type Database interface {
	// Camera registry
	GetCameras() ([]Camera, error)
	GetCamera(id string) (*Camera, error)
	UpsertCamera(camera Camera) error
	InsertCameras(cameras []Camera) error

	// Inventory
	CreateRecording(rec Recording) error
	GetRecording(id string) (*Recording, error)
	GetRecordingByPath(path string) (*Recording, error)
	UpdateRecordingProgress(id string, size int64, endTime time.Time, status RecordingStatus) error
	ListRecordings(filter RecordingFilter) ([]Recording, error)
	GetRecordingsOverlapping(cameraID string, from, to time.Time) ([]Recording, error)
	GetOldestRecordings(limit int, excludeIDs []string) ([]Recording, error)
	GetLatestRecording(cameraID string) (*Recording, error)
	GetRecordingStartTimes() ([]time.Time, error)
	GetRecordingsTotalSize() (int64, error)
	DeleteRecording(id string) error
	DeleteAllRecordings() (int64, error)

	// Settings store
	GetSystemConfig(key string) (*SystemConfig, error)
	SetSystemConfig(config SystemConfig) error
	GetAllSystemConfigs() ([]SystemConfig, error)

	// Helper operations
	Close() error
}
