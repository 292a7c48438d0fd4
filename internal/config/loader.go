// Package config provides configuration loading for the facelock terminal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for facelock.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is never
// matched (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Name/type without search paths: ReadInConfig returns
		// ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName("facelock")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: FACELOCK_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("FACELOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for facelock.yaml or facelock.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".facelock"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "facelock"))
		}
	} else {
		paths = append(paths, "/etc/facelock")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first facelock.yaml or .yml found in paths,
// or an empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "facelock"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the scalar keys that can be overridden from the environment.
// Example: FACELOCK_SERIAL_PORT overrides serial.port.
var envKeys = []string{
	"server.http_addr",
	"server.log_level",
	"server.password_rate_limit",
	"serial.port",
	"serial.baud_rate",
	"keypad.source",
	"keypad.submit_key",
	"keypad.poll_interval",
	"camera.snapshot_url",
	"camera.frame_timeout",
	"vision.url",
	"vision.timeout",
	"liveness.rounds",
	"liveness.confidence_threshold",
	"liveness.hold_duration",
	"liveness.challenge_time",
	"liveness.round_pause",
	"liveness.warmup",
	"liveness.sample_interval",
	"match.acceptance_distance",
	"match.stability_window",
	"match.absence_timeout",
	"match.max_duration",
	"match.sample_interval",
	"password.entry_timeout",
	"actuator.driver",
	"actuator.duration",
	"access.condition",
	"access.timezone",
	"store.path",
	"store.images_dir",
	"telemetry.exporter",
	"telemetry.metric_interval",
	"dev_mode",
}

// bindNestedEnvKeys binds nested keys so Unmarshal sees environment overrides.
// Lists (allowed_origins, clear_keys, expressions) belong in the config file.
func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, applies dev defaults and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
