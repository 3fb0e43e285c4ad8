package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"nvr-engine/database"
	"nvr-engine/logging"

	"gopkg.in/yaml.v3"
)

// CameraConfig is a camera entry used to seed the registry on first run
type CameraConfig struct {
	ID       string `json:"id" yaml:"id"`             // Stable camera identifier
	Name     string `json:"name" yaml:"name"`         // Display name, also used for directory naming
	Address  string `json:"address" yaml:"address"`   // Source URL (rtsp://host:port/path)
	Username string `json:"username" yaml:"username"` // RTSP authentication username
	Password string `json:"password" yaml:"password"` // RTSP authentication password
	Enabled  bool   `json:"enabled" yaml:"enabled"`   // Whether this camera should be captured
}

// Config contains all configuration for the application
type Config struct {
	// Storage Configuration
	StoragePath string `yaml:"storage_path"` // Storage root for segments
	ExportPath  string `yaml:"export_path"`  // Holding area for exported clips

	// Database Configuration
	DatabasePath string `yaml:"database_path"`

	// Server Configuration
	ServerPort string `yaml:"server_port"`

	// Capture Configuration
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	RelayURL        string        `yaml:"relay_url"` // Optional fmt template, receives the camera ID
	SegmentDuration time.Duration `yaml:"segment_duration"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	RestartMaxDelay time.Duration `yaml:"restart_max_delay"`

	// Storage Monitor Configuration
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	MaxDeletionsPerTick int           `yaml:"max_deletions_per_tick"`

	// Export Configuration
	ExportTTL            time.Duration `yaml:"export_ttl"`
	ExportTolerance      time.Duration `yaml:"export_tolerance"`
	MaxConcurrentExports int           `yaml:"max_concurrent_exports"`

	// R2 Storage Configuration
	R2AccessKey string `yaml:"r2_access_key"`
	R2SecretKey string `yaml:"r2_secret_key"`
	R2AccountID string `yaml:"r2_account_id"`
	R2Bucket    string `yaml:"r2_bucket"`
	R2Region    string `yaml:"r2_region"`
	R2Endpoint  string `yaml:"r2_endpoint"`
	R2BaseURL   string `yaml:"r2_base_url"` // Public URL prefix for archived clips
	R2Enabled   bool   `yaml:"r2_enabled"`

	// Logging Configuration
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json, empty picks by terminal

	// Multi-camera Configuration
	Cameras []CameraConfig `yaml:"cameras"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		StoragePath:          "./recordings",
		ExportPath:           "./exports",
		DatabasePath:         "./data/nvr.db",
		ServerPort:           "3001",
		FFmpegPath:           "ffmpeg",
		SegmentDuration:      300 * time.Second,
		RestartDelay:         5 * time.Second,
		RestartMaxDelay:      5 * time.Second,
		MonitorInterval:      10 * time.Second,
		MaxDeletionsPerTick:  50,
		ExportTTL:            3 * time.Hour,
		ExportTolerance:      2 * time.Second,
		MaxConcurrentExports: 2,
		R2Region:             "auto",
		LogLevel:             "info",
	}
}

// LoadConfig loads configuration from environment variables.
// When CONFIG_FILE is set the YAML file is applied first and the environment overrides it.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadConfigFromFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}

	cfg.StoragePath = getEnv("STORAGE_PATH", cfg.StoragePath)
	cfg.ExportPath = getEnv("EXPORT_PATH", cfg.ExportPath)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.FFmpegPath = getEnv("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.RelayURL = getEnv("RTSP_RELAY_URL", cfg.RelayURL)
	cfg.SegmentDuration = getEnvDuration("SEGMENT_DURATION", cfg.SegmentDuration)
	cfg.RestartDelay = getEnvDuration("RESTART_DELAY", cfg.RestartDelay)
	cfg.RestartMaxDelay = getEnvDuration("RESTART_MAX_DELAY", cfg.RestartMaxDelay)
	if _, set := os.LookupEnv("RESTART_MAX_DELAY"); !set && cfg.RestartMaxDelay < cfg.RestartDelay {
		// Only the base delay was raised; stay flat
		cfg.RestartMaxDelay = cfg.RestartDelay
	}
	cfg.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.MaxDeletionsPerTick = getEnvInt("MAX_DELETIONS_PER_TICK", cfg.MaxDeletionsPerTick)
	cfg.ExportTTL = getEnvDuration("EXPORT_TTL", cfg.ExportTTL)
	cfg.ExportTolerance = getEnvDuration("EXPORT_TOLERANCE", cfg.ExportTolerance)
	cfg.MaxConcurrentExports = getEnvInt("MAX_CONCURRENT_EXPORTS", cfg.MaxConcurrentExports)

	cfg.R2AccessKey = getEnv("R2_ACCESS_KEY", cfg.R2AccessKey)
	cfg.R2SecretKey = getEnv("R2_SECRET_KEY", cfg.R2SecretKey)
	cfg.R2AccountID = getEnv("R2_ACCOUNT_ID", cfg.R2AccountID)
	cfg.R2Bucket = getEnv("R2_BUCKET", cfg.R2Bucket)
	cfg.R2Region = getEnv("R2_REGION", cfg.R2Region)
	cfg.R2Endpoint = getEnv("R2_ENDPOINT", cfg.R2Endpoint)
	cfg.R2BaseURL = getEnv("R2_BASE_URL", cfg.R2BaseURL)
	cfg.R2Enabled = getEnvBool("R2_ENABLED", cfg.R2Enabled)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if camerasJSON := getEnv("CAMERAS_CONFIG", ""); camerasJSON != "" {
		var envCams []CameraConfig
		if err := json.Unmarshal([]byte(camerasJSON), &envCams); err != nil {
			return cfg, fmt.Errorf("failed to parse CAMERAS_CONFIG: %w", err)
		}
		cfg.Cameras = envCams
	}

	return cfg, cfg.Validate()
}

// LoadConfigFromFile loads configuration from a YAML file on top of the defaults
func LoadConfigFromFile(filePath string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Validate rejects configurations the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.StoragePath == "" {
		errs = append(errs, errors.New("storage path is empty"))
	}
	if c.ExportPath == "" {
		errs = append(errs, errors.New("export path is empty"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, fmt.Errorf("segment duration must be positive, got %s", c.SegmentDuration))
	}
	if c.RestartDelay <= 0 {
		errs = append(errs, fmt.Errorf("restart delay must be positive, got %s", c.RestartDelay))
	}
	if c.RestartMaxDelay < c.RestartDelay {
		errs = append(errs, fmt.Errorf("restart max delay %s is below restart delay %s", c.RestartMaxDelay, c.RestartDelay))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor interval must be positive, got %s", c.MonitorInterval))
	}
	if c.ExportTTL <= 0 {
		errs = append(errs, fmt.Errorf("export TTL must be positive, got %s", c.ExportTTL))
	}
	if c.ExportTolerance < 0 {
		errs = append(errs, fmt.Errorf("export tolerance must not be negative, got %s", c.ExportTolerance))
	}
	if c.MaxConcurrentExports <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent exports must be positive, got %d", c.MaxConcurrentExports))
	}
	if c.MaxDeletionsPerTick <= 0 {
		errs = append(errs, fmt.Errorf("max deletions per tick must be positive, got %d", c.MaxDeletionsPerTick))
	}
	if c.R2Enabled && (c.R2Bucket == "" || c.R2AccessKey == "" || c.R2SecretKey == "") {
		errs = append(errs, errors.New("R2 is enabled but bucket or credentials are missing"))
	}
	return errors.Join(errs...)
}

// SeedCameras stores the configured cameras when the registry is still empty.
// An existing registry is never overwritten.
func SeedCameras(cfg Config, db database.Database) error {
	l := logging.For("config")

	existing, err := db.GetCameras()
	if err != nil {
		return fmt.Errorf("failed to read camera registry: %w", err)
	}
	if len(existing) > 0 {
		l.Info().Int("cameras", len(existing)).Msg("camera registry already populated")
		return nil
	}
	if len(cfg.Cameras) == 0 {
		l.Warn().Msg("camera registry is empty and no cameras are configured")
		return nil
	}

	cams := make([]database.Camera, 0, len(cfg.Cameras))
	for i, c := range cfg.Cameras {
		id := c.ID
		if id == "" {
			id = "camera_" + strconv.Itoa(i+1)
		}
		name := c.Name
		if name == "" {
			name = id
		}
		cams = append(cams, database.Camera{
			ID:       id,
			Name:     name,
			Address:  c.Address,
			Username: c.Username,
			Password: c.Password,
			Enabled:  c.Enabled,
		})
	}
	if err := db.InsertCameras(cams); err != nil {
		return err
	}
	l.Info().Int("cameras", len(cams)).Msg("seeded camera registry from configuration")
	return nil
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l := logging.For("config")
		l.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "3h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l := logging.For("config")
		l.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

// EnsurePaths creates the storage root, the holding area and the database directory
func EnsurePaths(config Config) error {
	for _, dir := range []string{config.StoragePath, config.ExportPath, filepath.Dir(config.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
