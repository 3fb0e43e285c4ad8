package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"nvr-engine/logging"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database instance
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Create tables if they don't exist
	if err := initTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// initTables creates the necessary tables if they don't exist
func initTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT,
			username TEXT,
			password TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			created_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_start ON recordings (start_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera_start ON recordings (camera_id, start_ms)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'string',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_by TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	// status was added after the first inventory schema shipped
	return addColumnIfMissing(db, "recordings", "status", "TEXT NOT NULL DEFAULT 'complete'")
}

func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		return err
	}
	l := logging.For("database")
	l.Info().Str("table", table).Str("column", column).Msg("added column")
	return nil
}

// --- camera registry ---

// GetCameras returns every camera, enabled or not, ordered by name.
func (s *SQLiteDB) GetCameras() ([]Camera, error) {
	rows, err := s.db.Query(`SELECT id, name, address, username, password, enabled FROM cameras ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera row: %w", err)
		}
		cameras = append(cameras, cam)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating camera rows: %w", err)
	}
	return cameras, nil
}

// GetCamera returns the camera with the given id, or nil when it does not exist.
func (s *SQLiteDB) GetCamera(id string) (*Camera, error) {
	row := s.db.QueryRow(`SELECT id, name, address, username, password, enabled FROM cameras WHERE id = ?`, id)
	cam, err := scanCamera(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %s: %w", id, err)
	}
	return &cam, nil
}

// UpsertCamera inserts or replaces a camera
func (s *SQLiteDB) UpsertCamera(camera Camera) error {
	_, err := s.db.Exec(`
		INSERT INTO cameras (id, name, address, username, password, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			username = excluded.username,
			password = excluded.password,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`, camera.ID, camera.Name, camera.Address, camera.Username, camera.Password, camera.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert camera %s: %w", camera.ID, err)
	}
	return nil
}

// InsertCameras upserts cameras in a single transaction
func (s *SQLiteDB) InsertCameras(cameras []Camera) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO cameras (id, name, address, username, password, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare camera insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cameras {
		if _, err := stmt.Exec(c.ID, c.Name, c.Address, c.Username, c.Password, c.Enabled); err != nil {
			return fmt.Errorf("failed to insert camera %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row rowScanner) (Camera, error) {
	var cam Camera
	var address, username, password sql.NullString
	if err := row.Scan(&cam.ID, &cam.Name, &address, &username, &password, &cam.Enabled); err != nil {
		return cam, err
	}
	cam.Address = address.String
	cam.Username = username.String
	cam.Password = password.String
	return cam, nil
}

// --- inventory ---

const recordingColumns = `id, camera_id, filename, path, start_ms, end_ms, size, status, created_ms, updated_ms`

// CreateRecording inserts a new inventory record. Path is unique.
func (s *SQLiteDB) CreateRecording(rec Recording) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusComplete
	}
	_, err := s.db.Exec(`INSERT INTO recordings (`+recordingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CameraID,
		rec.Filename,
		rec.Path,
		rec.StartTime.UnixMilli(),
		rec.EndTime.UnixMilli(),
		rec.Size,
		rec.Status,
		rec.CreatedAt.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create recording %s: %w", rec.Path, err)
	}
	return nil
}

// GetRecording retrieves a recording by ID, or nil when it does not exist
func (s *SQLiteDB) GetRecording(id string) (*Recording, error) {
	return s.getRecordingWhere("id = ?", id)
}

// GetRecordingByPath retrieves a recording by absolute path, or nil when it does not exist
func (s *SQLiteDB) GetRecordingByPath(path string) (*Recording, error) {
	return s.getRecordingWhere("path = ?", path)
}

func (s *SQLiteDB) getRecordingWhere(where string, arg interface{}) (*Recording, error) {
	row := s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE `+where, arg)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return &rec, nil
}

// UpdateRecordingProgress stores the latest size, end time and status of a growing segment
func (s *SQLiteDB) UpdateRecordingProgress(id string, size int64, endTime time.Time, status RecordingStatus) error {
	res, err := s.db.Exec(`
		UPDATE recordings
		SET size = ?, end_ms = ?, status = ?, updated_ms = ?
		WHERE id = ?
	`, size, endTime.UnixMilli(), status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update recording %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRecordings returns recordings matching filter, newest first
func (s *SQLiteDB) ListRecordings(filter RecordingFilter) ([]Recording, error) {
	var conds []string
	var args []interface{}
	if filter.CameraID != "" {
		conds = append(conds, "camera_id = ?")
		args = append(args, filter.CameraID)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "start_ms >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		conds = append(conds, "start_ms < ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := `SELECT ` + recordingColumns + ` FROM recordings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_ms DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryRecordings(query, args...)
}

// GetRecordingsOverlapping returns a camera's recordings intersecting [from, to], oldest first
func (s *SQLiteDB) GetRecordingsOverlapping(cameraID string, from, to time.Time) ([]Recording, error) {
	return s.queryRecordings(`
		SELECT `+recordingColumns+` FROM recordings
		WHERE camera_id = ? AND start_ms <= ? AND end_ms >= ?
		ORDER BY start_ms ASC
	`, cameraID, to.UnixMilli(), from.UnixMilli())
}

// GetOldestRecordings returns up to limit recordings ordered by start time, skipping excludeIDs
func (s *SQLiteDB) GetOldestRecordings(limit int, excludeIDs []string) ([]Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	args := make([]interface{}, 0, len(excludeIDs)+1)
	if len(excludeIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(excludeIDs)), ",")
		query += " WHERE id NOT IN (" + placeholders + ")"
		for _, id := range excludeIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY start_ms ASC, path ASC LIMIT ?"
	args = append(args, limit)
	return s.queryRecordings(query, args...)
}

// GetLatestRecording returns the newest recording of a camera, or nil
func (s *SQLiteDB) GetLatestRecording(cameraID string) (*Recording, error) {
	row := s.db.QueryRow(`
		SELECT `+recordingColumns+` FROM recordings
		WHERE camera_id = ?
		ORDER BY start_ms DESC LIMIT 1
	`, cameraID)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest recording for %s: %w", cameraID, err)
	}
	return &rec, nil
}

// GetRecordingStartTimes returns the start time of every recording
func (s *SQLiteDB) GetRecordingStartTimes() ([]time.Time, error) {
	rows, err := s.db.Query(`SELECT start_ms FROM recordings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query start times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("failed to scan start time: %w", err)
		}
		times = append(times, time.UnixMilli(ms))
	}
	return times, rows.Err()
}

// GetRecordingsTotalSize returns the summed size in bytes of every inventory record
func (s *SQLiteDB) GetRecordingsTotalSize() (int64, error) {
	var total int64
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM recordings`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum recording sizes: %w", err)
	}
	return total, nil
}

// DeleteRecording removes a recording record by its ID
func (s *SQLiteDB) DeleteRecording(id string) error {
	res, err := s.db.Exec("DELETE FROM recordings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete recording %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAllRecordings empties the inventory and returns the number of removed rows
func (s *SQLiteDB) DeleteAllRecordings() (int64, error) {
	res, err := s.db.Exec("DELETE FROM recordings")
	if err != nil {
		return 0, fmt.Errorf("failed to delete recordings: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteDB) queryRecordings(query string, args ...interface{}) ([]Recording, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %w", err)
	}
	return recordings, nil
}

func scanRecording(row rowScanner) (Recording, error) {
	var rec Recording
	var startMs, endMs, createdMs, updatedMs int64
	var status string
	err := row.Scan(&rec.ID, &rec.CameraID, &rec.Filename, &rec.Path,
		&startMs, &endMs, &rec.Size, &status, &createdMs, &updatedMs)
	if err != nil {
		return rec, err
	}
	rec.StartTime = time.UnixMilli(startMs)
	rec.EndTime = time.UnixMilli(endMs)
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	rec.Status = RecordingStatus(status)
	return rec, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
