package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appName = "no-hidden-extensions"

// Config represents application configuration
type Config struct {
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Tray        TrayConfig        `mapstructure:"tray"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Instance    InstanceConfig    `mapstructure:"instance"`
}

// MonitorConfig represents the watched flag and how to reach it
type MonitorConfig struct {
	Backend      string `mapstructure:"backend"` // "registry" or "file"
	RegistryKey  string `mapstructure:"registry_key"`
	ValueName    string `mapstructure:"value_name"`
	FilePath     string `mapstructure:"file_path"` // For file backend
	RetryInitial string `mapstructure:"retry_initial"`
	RetryMax     string `mapstructure:"retry_max"`
}

// RemediationConfig represents the fix-now sequence
type RemediationConfig struct {
	ShellProcess string `mapstructure:"shell_process"`
	ShellPath    string `mapstructure:"shell_path"`
	RelaunchWait string `mapstructure:"relaunch_wait"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
}

// TrayConfig represents the status-bar icon
type TrayConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	StartMinimized bool `mapstructure:"start_minimized"`
	Notify         bool `mapstructure:"notify"`
}

// LoggingConfig represents log output
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// InstanceConfig represents the single-instance lock
type InstanceConfig struct {
	LockFile string `mapstructure:"lock_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.backend", "registry")
	v.SetDefault("monitor.registry_key", `Software\Microsoft\Windows\CurrentVersion\Explorer\Advanced`)
	v.SetDefault("monitor.value_name", "HideFileExt")
	v.SetDefault("monitor.file_path", "")
	v.SetDefault("monitor.retry_initial", "1s")
	v.SetDefault("monitor.retry_max", "1m")

	v.SetDefault("remediation.shell_process", "explorer.exe")
	v.SetDefault("remediation.shell_path", `%WINDIR%\explorer.exe`)
	v.SetDefault("remediation.relaunch_wait", "5s")
	v.SetDefault("remediation.max_attempts", 3)

	v.SetDefault("tray.enabled", true)
	v.SetDefault("tray.start_minimized", false)
	v.SetDefault("tray.notify", true)

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.level", "info")

	v.SetDefault("instance.lock_file", "")
}

// Load loads configuration from file. An empty configPath searches the
// working directory and the user config directory; finding nothing there is
// not an error and leaves every key at its default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, appName))
		}
	}

	// Read environment variables, e.g. NHE_MONITOR_BACKEND
	v.SetEnvPrefix("NHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.ExpandEnvVars()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Monitor.Backend {
	case "registry":
		if c.Monitor.RegistryKey == "" {
			return fmt.Errorf("monitor.registry_key is required for registry backend")
		}
		if c.Monitor.ValueName == "" {
			return fmt.Errorf("monitor.value_name is required for registry backend")
		}
	case "file":
		if c.Monitor.FilePath == "" {
			return fmt.Errorf("monitor.file_path is required for file backend")
		}
	default:
		return fmt.Errorf("monitor.backend must be 'registry' or 'file', got '%s'", c.Monitor.Backend)
	}

	if err := validDuration("monitor.retry_initial", c.Monitor.RetryInitial); err != nil {
		return err
	}
	if err := validDuration("monitor.retry_max", c.Monitor.RetryMax); err != nil {
		return err
	}
	if err := validDuration("remediation.relaunch_wait", c.Remediation.RelaunchWait); err != nil {
		return err
	}

	if c.Remediation.ShellProcess == "" {
		return fmt.Errorf("remediation.shell_process is required")
	}
	if c.Remediation.ShellPath == "" {
		return fmt.Errorf("remediation.shell_path is required")
	}
	if c.Remediation.MaxAttempts <= 0 {
		return fmt.Errorf("remediation.max_attempts must be positive")
	}

	return nil
}

func validDuration(key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}

// GetRetryInitial returns the first delay after the flag store fails
func (c *MonitorConfig) GetRetryInitial() time.Duration {
	return parseDuration(c.RetryInitial, time.Second)
}

// GetRetryMax returns the largest delay between flag store retries
func (c *MonitorConfig) GetRetryMax() time.Duration {
	return parseDuration(c.RetryMax, time.Minute)
}

// GetRelaunchWait returns how long to wait for Windows to restart the shell
func (c *RemediationConfig) GetRelaunchWait() time.Duration {
	return parseDuration(c.RelaunchWait, 5*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

// GetLockFile returns the single-instance lock path
func (c *InstanceConfig) GetLockFile() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(stateDir(), "instance.lock")
}

// DefaultLogFile returns the log path used when running with a tray icon,
// where no console is attached
func DefaultLogFile() string {
	return filepath.Join(stateDir(), "monitor.log")
}

func stateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName)
}

// ExpandEnvVars expands environment variables in config paths
func (c *Config) ExpandEnvVars() {
	c.Monitor.FilePath = os.ExpandEnv(c.Monitor.FilePath)
	c.Logging.File = os.ExpandEnv(c.Logging.File)
	c.Instance.LockFile = os.ExpandEnv(c.Instance.LockFile)
}
