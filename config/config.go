package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
)

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging struct {
		// Level is the minimum log level to output (debug, info, warn, error)
		Level string `mapstructure:"level"`
		// File is the path to the log file. If empty, logs to stdout only
		File string `mapstructure:"file"`
		// MaxSizeMB is the maximum size of the log file before rotation
		MaxSizeMB int `mapstructure:"max_size_mb"`
		// RetentionDays is how many days rotated logs are kept
		RetentionDays int `mapstructure:"retention_days"`
	} `mapstructure:"logging"`

	// Capture configuration
	Capture struct {
		// OutputDir is where capture files are written before upload
		OutputDir string `mapstructure:"output_dir"`
		// Interface overrides interface auto-detection when set
		Interface string `mapstructure:"interface"`
		// MaxPacketCount is the administrative cap for count-mode captures
		MaxPacketCount int `mapstructure:"max_packet_count"`
		// MaxDurationMinutes is the administrative cap for time-mode captures
		MaxDurationMinutes int `mapstructure:"max_duration_minutes"`
	} `mapstructure:"capture"`

	// Storage configuration for the session record store
	Storage struct {
		// PostgresDSN selects the Postgres store. Empty means in-memory.
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"storage"`

	// Upload configuration for the artifact uploader
	Upload struct {
		// Enabled toggles uploading of finished capture files
		Enabled bool `mapstructure:"enabled"`
		// Server is the base URL of the artifact storage service
		Server string `mapstructure:"server"`
		// APIKey authenticates upload requests
		APIKey string `mapstructure:"api_key"`
		// MaxFileMB rejects capture files larger than this before upload
		MaxFileMB int64 `mapstructure:"max_file_mb"`
		// MaxAttempts bounds upload retries
		MaxAttempts int `mapstructure:"max_attempts"`
		// BaseDelaySeconds is the first retry delay; doubles each attempt
		BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	} `mapstructure:"upload"`

	// Server configuration for the HTTP API
	Server struct {
		// ListenAddr is the bind address for the HTTP API
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"server"`
}

// LoadConfig loads configuration from a JSON file plus SCANIOT_* env
// overrides. An empty path searches /etc/scaniot-capture and the
// working directory; a missing file yields defaults only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/scaniot-capture")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCANIOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if configPath != "" {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.retention_days", 7)

	v.SetDefault("capture.output_dir", "/var/lib/scaniot-capture/captures")
	v.SetDefault("capture.max_packet_count", 1000000)
	v.SetDefault("capture.max_duration_minutes", 720) // 12 hours

	v.SetDefault("upload.enabled", true)
	v.SetDefault("upload.max_file_mb", 400)
	v.SetDefault("upload.max_attempts", 5)
	v.SetDefault("upload.base_delay_seconds", 2)

	v.SetDefault("server.listen_addr", ":8088")
}

// InitializeLogging sets up logging based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logConfig := logger.Config{
		LogLevel:   level,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxAgeDays: c.Logging.RetentionDays,
	}

	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}
