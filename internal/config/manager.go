package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Folders FoldersConfig `yaml:"folders" mapstructure:"folders"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	// BaseURL is the advertised address of this server; its host and port
	// become the bind address. Overridden by the IMAGE_SERVER env var.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FoldersConfig represents the filesystem roots the server works with
type FoldersConfig struct {
	Output       string `yaml:"output" mapstructure:"output"`               // env OUTPUT_FOLDER
	Dicom        string `yaml:"dicom" mapstructure:"dicom"`                 // env DICOM_FOLDER
	ViewableFile string `yaml:"viewable_file" mapstructure:"viewable_file"` // viewable folders JSON document
}

// CacheConfig represents the local image cache configuration
type CacheConfig struct {
	Directory       string        `yaml:"directory" mapstructure:"directory"`
	MaxSizeMB       int64         `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	DefaultTTLHours int           `yaml:"default_ttl_hours" mapstructure:"default_ttl_hours"`
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	copyCfg := *c
	return &copyCfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Folders.Output == "" {
		return fmt.Errorf("output folder is required (set OUTPUT_FOLDER or folders.output)")
	}
	if !filepath.IsAbs(c.Folders.Output) {
		return fmt.Errorf("output folder must be an absolute path, got %q", c.Folders.Output)
	}

	if c.Folders.Dicom == "" {
		return fmt.Errorf("dicom folder is required (set DICOM_FOLDER or folders.dicom)")
	}
	if !filepath.IsAbs(c.Folders.Dicom) {
		return fmt.Errorf("dicom folder must be an absolute path, got %q", c.Folders.Dicom)
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil {
			return fmt.Errorf("server base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server base_url must use http or https, got %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("server base_url must include a host")
		}
	}

	if c.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("cache max_size_mb must be non-negative")
	}
	if c.Cache.DefaultTTLHours < 0 {
		return fmt.Errorf("cache default_ttl_hours must be non-negative")
	}
	if c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache sweep_interval must be non-negative")
	}
	if c.Cache.Directory != "" && !filepath.IsAbs(c.Cache.Directory) {
		return fmt.Errorf("cache directory must be an absolute path, got %q", c.Cache.Directory)
	}

	if c.Log.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		isValid := false
		for _, level := range validLevels {
			if c.Log.Level == level {
				isValid = true
				break
			}
		}
		if !isValid {
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}
	if c.Log.MaxSize < 0 {
		return fmt.Errorf("log.max_size must be non-negative")
	}
	if c.Log.MaxAge < 0 {
		return fmt.Errorf("log.max_age must be non-negative")
	}
	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must be non-negative")
	}

	return nil
}

// ChangeCallback represents a function called when configuration changes
type ChangeCallback func(oldConfig, newConfig *Config)

// ConfigGetter represents a function that returns the current configuration
type ConfigGetter func() *Config

// Manager manages configuration state and persistence
type Manager struct {
	current    *Config
	configFile string
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

// NewManager creates a new configuration manager
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{
		current:    config,
		configFile: configFile,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// GetConfigGetter returns a function that provides the current configuration
func (m *Manager) GetConfigGetter() ConfigGetter {
	return m.GetConfig
}

// UpdateConfig updates the current configuration (thread-safe)
func (m *Manager) UpdateConfig(config *Config) error {
	m.mutex.Lock()
	// Take a deep copy of the old config so callbacks get an immutable snapshot
	var oldConfig *Config
	if m.current != nil {
		oldConfig = m.current.DeepCopy()
	}
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	// Notify callbacks after releasing the lock
	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// OnConfigChange registers a callback to be called when configuration changes
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ValidateConfigUpdate validates configuration updates with additional restrictions
func (m *Manager) ValidateConfigUpdate(newConfig *Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	m.mutex.RLock()
	currentConfig := m.current
	m.mutex.RUnlock()

	if currentConfig != nil {
		// Folder roots and the bind address are fixed for the process lifetime
		if newConfig.Folders.Output != currentConfig.Folders.Output {
			return fmt.Errorf("output folder cannot be changed at runtime - requires server restart")
		}
		if newConfig.Folders.Dicom != currentConfig.Folders.Dicom {
			return fmt.Errorf("dicom folder cannot be changed at runtime - requires server restart")
		}
		if newConfig.Server.BaseURL != currentConfig.Server.BaseURL {
			return fmt.Errorf("server base_url cannot be changed at runtime - requires server restart")
		}
		if newConfig.Cache.Directory != currentConfig.Cache.Directory {
			return fmt.Errorf("cache directory cannot be changed at runtime - requires server restart")
		}
	}

	return nil
}

// SaveConfig saves the current configuration to file
func (m *Manager) SaveConfig() error {
	m.mutex.RLock()
	config := m.current
	m.mutex.RUnlock()

	if config == nil {
		return fmt.Errorf("no configuration to save")
	}

	return SaveToFile(config, m.configFile)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://0.0.0.0:8888",
		},
		Folders: FoldersConfig{
			Output:       "",
			Dicom:        "",
			ViewableFile: "",
		},
		Cache: CacheConfig{
			Directory:       "", // Empty = <output folder>/image_cache
			MaxSizeMB:       1024,
			DefaultTTLHours: 24,
			SweepInterval:   10 * time.Minute,
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			MaxSize:    100,    // 100MB max size
			MaxAge:     30,     // Keep for 30 days
			MaxBackups: 10,     // Keep 10 old files
			Compress:   true,   // Compress old files
		},
	}
}

// SaveToFile saves a configuration to a YAML file
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfig loads configuration from file, applies environment overrides
// and validates the result. A missing file is fine when no explicit path
// was given; the environment alone can carry a full configuration.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("scanserve")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading configuration: %w", err)
		}
	} else {
		if err := viper.Unmarshal(config); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides overlays the environment variables the dashboard
// deployment contract defines on top of file values.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("OUTPUT_FOLDER"); v != "" {
		config.Folders.Output = v
	}
	if v := os.Getenv("DICOM_FOLDER"); v != "" {
		config.Folders.Dicom = v
	}
	if v := os.Getenv("IMAGE_SERVER"); v != "" {
		config.Server.BaseURL = v
	}
}

// GetConfigFilePath returns the configuration file path used by viper
func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}
