package config

import (
	"path/filepath"
	"testing"

	"nvr-engine/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSettings(t *testing.T) (*SettingsService, database.Database) {
	t.Helper()
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSettingsService(db), db
}

func TestRetentionSettingsDefaults(t *testing.T) {
	s, _ := newSettings(t)
	got := s.RetentionSettings()
	assert.Equal(t, float64(80), got.CleanThresholdPercent)
	assert.Equal(t, float64(70), got.TargetThresholdPercent)
}

func TestRetentionSettingsHotReload(t *testing.T) {
	s, db := newSettings(t)
	require.NoError(t, s.SetRetentionSettings(RetentionSettings{CleanThresholdPercent: 90, TargetThresholdPercent: 85}, "test"))
	assert.Equal(t, float64(90), s.RetentionSettings().CleanThresholdPercent)

	// Direct writes to the store are picked up on the next read
	require.NoError(t, db.SetSystemConfig(database.SystemConfig{Key: database.ConfigTargetThresholdPercent, Value: "60"}))
	assert.Equal(t, float64(60), s.RetentionSettings().TargetThresholdPercent)
}

func TestRetentionSettingsInvalidFallsBack(t *testing.T) {
	s, db := newSettings(t)

	assert.Error(t, s.SetRetentionSettings(RetentionSettings{CleanThresholdPercent: 50, TargetThresholdPercent: 60}, "test"))

	// floor above ceiling
	require.NoError(t, db.SetSystemConfig(database.SystemConfig{Key: database.ConfigCleanThresholdPercent, Value: "40"}))
	assert.Equal(t, DefaultRetentionSettings(), s.RetentionSettings())

	require.NoError(t, db.SetSystemConfig(database.SystemConfig{Key: database.ConfigCleanThresholdPercent, Value: "lots"}))
	assert.Equal(t, float64(80), s.RetentionSettings().CleanThresholdPercent)
}

func TestInitializeDefaultsKeepsExisting(t *testing.T) {
	s, db := newSettings(t)
	require.NoError(t, db.SetSystemConfig(database.SystemConfig{Key: database.ConfigCleanThresholdPercent, Value: "95"}))
	require.NoError(t, s.InitializeDefaults())

	cfg, err := db.GetSystemConfig(database.ConfigCleanThresholdPercent)
	require.NoError(t, err)
	assert.Equal(t, "95", cfg.Value)

	cfg, err = db.GetSystemConfig(database.ConfigTargetThresholdPercent)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "70", cfg.Value)

	assert.Equal(t, float64(0), s.StorageCapGB())
	assert.Equal(t, "nvr-1", s.NodeName("nvr-1"))
}
