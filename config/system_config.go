package config

import (
	"fmt"
	"strconv"

	"nvr-engine/database"
	"nvr-engine/logging"

	"github.com/rs/zerolog"
)

// Default retention thresholds, in percent of the storage volume
const (
	DefaultCleanThresholdPercent  = 80
	DefaultTargetThresholdPercent = 70
)

// RetentionSettings holds the eviction ceiling and floor
type RetentionSettings struct {
	CleanThresholdPercent  float64 `json:"cleanThresholdPercent"`  // Eviction starts above this usage
	TargetThresholdPercent float64 `json:"targetThresholdPercent"` // Eviction stops at or below this usage
}

// Valid reports whether 0 < target <= clean <= 100
func (r RetentionSettings) Valid() bool {
	return r.TargetThresholdPercent > 0 &&
		r.TargetThresholdPercent <= r.CleanThresholdPercent &&
		r.CleanThresholdPercent <= 100
}

// DefaultRetentionSettings returns the built-in thresholds
func DefaultRetentionSettings() RetentionSettings {
	return RetentionSettings{
		CleanThresholdPercent:  DefaultCleanThresholdPercent,
		TargetThresholdPercent: DefaultTargetThresholdPercent,
	}
}

// SettingsService reads operator settings from the system_config table.
// Every call goes to the database, so changes apply on the next read.
type SettingsService struct {
	db  database.Database
	log zerolog.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db database.Database) *SettingsService {
	return &SettingsService{
		db:  db,
		log: logging.For("settings"),
	}
}

// RetentionSettings returns the current thresholds, falling back to defaults
// when a value is missing, malformed or the pair is inconsistent.
func (s *SettingsService) RetentionSettings() RetentionSettings {
	settings := RetentionSettings{
		CleanThresholdPercent:  s.getFloat(database.ConfigCleanThresholdPercent, DefaultCleanThresholdPercent),
		TargetThresholdPercent: s.getFloat(database.ConfigTargetThresholdPercent, DefaultTargetThresholdPercent),
	}
	if !settings.Valid() {
		s.log.Warn().
			Float64("clean", settings.CleanThresholdPercent).
			Float64("target", settings.TargetThresholdPercent).
			Msg("inconsistent retention thresholds, using defaults")
		return DefaultRetentionSettings()
	}
	return settings
}

// SetRetentionSettings validates and stores new thresholds
func (s *SettingsService) SetRetentionSettings(settings RetentionSettings, updatedBy string) error {
	if !settings.Valid() {
		return fmt.Errorf("invalid retention thresholds: clean %.1f, target %.1f",
			settings.CleanThresholdPercent, settings.TargetThresholdPercent)
	}
	configs := []database.SystemConfig{
		{
			Key:       database.ConfigCleanThresholdPercent,
			Value:     strconv.FormatFloat(settings.CleanThresholdPercent, 'f', -1, 64),
			Type:      "float",
			UpdatedBy: updatedBy,
		},
		{
			Key:       database.ConfigTargetThresholdPercent,
			Value:     strconv.FormatFloat(settings.TargetThresholdPercent, 'f', -1, 64),
			Type:      "float",
			UpdatedBy: updatedBy,
		},
	}
	for _, c := range configs {
		if err := s.db.SetSystemConfig(c); err != nil {
			return fmt.Errorf("failed to set %s: %w", c.Key, err)
		}
	}
	s.log.Info().
		Float64("clean", settings.CleanThresholdPercent).
		Float64("target", settings.TargetThresholdPercent).
		Str("by", updatedBy).
		Msg("retention thresholds updated")
	return nil
}

// NodeName returns the operator-assigned name of this recorder, or fallback
func (s *SettingsService) NodeName(fallback string) string {
	cfg, err := s.db.GetSystemConfig(database.ConfigNodeName)
	if err != nil || cfg == nil || cfg.Value == "" {
		return fallback
	}
	return cfg.Value
}

// StorageCapGB returns the optional storage cap in GB, 0 when unlimited
func (s *SettingsService) StorageCapGB() float64 {
	return s.getFloat(database.ConfigStorageCapGB, 0)
}

// InitializeDefaults stores default values for keys that are not set yet
func (s *SettingsService) InitializeDefaults() error {
	defaults := []database.SystemConfig{
		{Key: database.ConfigCleanThresholdPercent, Value: strconv.Itoa(DefaultCleanThresholdPercent), Type: "float"},
		{Key: database.ConfigTargetThresholdPercent, Value: strconv.Itoa(DefaultTargetThresholdPercent), Type: "float"},
		{Key: database.ConfigStorageCapGB, Value: "0", Type: "float"},
	}
	for _, d := range defaults {
		existing, err := s.db.GetSystemConfig(d.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.db.SetSystemConfig(d); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", d.Key, err)
		}
	}
	return nil
}

func (s *SettingsService) getFloat(key string, fallback float64) float64 {
	cfg, err := s.db.GetSystemConfig(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to read setting")
		return fallback
	}
	if cfg == nil {
		return fallback
	}
	val, err := strconv.ParseFloat(cfg.Value, 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", cfg.Value).Msg("malformed setting, using default")
		return fallback
	}
	return val
}
