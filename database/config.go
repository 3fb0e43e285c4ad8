package database

import (
	"database/sql"
	"fmt"
	"time"
)

// GetSystemConfig retrieves a settings entry by key, or nil when it is unset
func (s *SQLiteDB) GetSystemConfig(key string) (*SystemConfig, error) {
	var cfg SystemConfig
	var updatedAt sql.NullTime
	var updatedBy sql.NullString
	err := s.db.QueryRow(
		"SELECT key, value, type, updated_at, updated_by FROM system_config WHERE key = ?", key,
	).Scan(&cfg.Key, &cfg.Value, &cfg.Type, &updatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system config %s: %w", key, err)
	}
	cfg.UpdatedAt = updatedAt.Time
	cfg.UpdatedBy = updatedBy.String
	return &cfg, nil
}

// SetSystemConfig creates or replaces a settings entry
func (s *SQLiteDB) SetSystemConfig(cfg SystemConfig) error {
	if cfg.Type == "" {
		cfg.Type = "string"
	}
	if cfg.UpdatedBy == "" {
		cfg.UpdatedBy = "system"
	}
	_, err := s.db.Exec(`
		INSERT INTO system_config (key, value, type, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, cfg.Key, cfg.Value, cfg.Type, time.Now().UTC(), cfg.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to set system config %s: %w", cfg.Key, err)
	}
	return nil
}

// GetAllSystemConfigs returns every settings entry ordered by key
func (s *SQLiteDB) GetAllSystemConfigs() ([]SystemConfig, error) {
	rows, err := s.db.Query("SELECT key, value, type, updated_at, updated_by FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to query system config: %w", err)
	}
	defer rows.Close()

	var configs []SystemConfig
	for rows.Next() {
		var cfg SystemConfig
		var updatedAt sql.NullTime
		var updatedBy sql.NullString
		if err := rows.Scan(&cfg.Key, &cfg.Value, &cfg.Type, &updatedAt, &updatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan system config row: %w", err)
		}
		cfg.UpdatedAt = updatedAt.Time
		cfg.UpdatedBy = updatedBy.String
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating system config rows: %w", err)
	}
	return configs, nil
}
