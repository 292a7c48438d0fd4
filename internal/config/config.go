// Package config provides configuration types for the facelock terminal.
//
// A terminal is a single process driving one camera, one keypad and one
// relay. Durations are Go duration strings ("300ms", "1m").
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP API listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Serial configures the microcontroller port carrying keypad input and relay output.
	Serial SerialConfig `yaml:"serial" mapstructure:"serial"`

	// Keypad configures where key events come from and how they are interpreted.
	Keypad KeypadConfig `yaml:"keypad" mapstructure:"keypad"`

	// Camera configures the frame source.
	Camera CameraConfig `yaml:"camera" mapstructure:"camera"`

	// Vision configures the face detection service.
	Vision VisionConfig `yaml:"vision" mapstructure:"vision"`

	// Liveness configures the expression challenge.
	Liveness LivenessConfig `yaml:"liveness" mapstructure:"liveness"`

	// Match configures face matching against enrolled identities.
	Match MatchConfig `yaml:"match" mapstructure:"match"`

	// Password configures the keypad password phase.
	Password PasswordConfig `yaml:"password" mapstructure:"password"`

	// Actuator configures the door relay.
	Actuator ActuatorConfig `yaml:"actuator" mapstructure:"actuator"`

	// Access is an optional CEL rule evaluated after the password is verified.
	Access AccessConfig `yaml:"access" mapstructure:"access"`

	// Store configures identity and access event persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (debug logging, stdin keypad, log relay).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists browser origins allowed to call the API.
	// Empty blocks every request that carries an Origin header.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`

	// PasswordRateLimit is the number of password checks per minute per client.
	// 0 disables the limit. Defaults to 10.
	PasswordRateLimit int `yaml:"password_rate_limit" mapstructure:"password_rate_limit" validate:"min=0"`
}

// SerialConfig configures the serial device.
type SerialConfig struct {
	// Port is the device name (e.g. "/dev/ttyACM0", "COM3").
	Port string `yaml:"port" mapstructure:"port"`
	// BaudRate defaults to 9600.
	BaudRate int `yaml:"baud_rate" mapstructure:"baud_rate" validate:"omitempty,min=300"`
}

// KeypadConfig configures keypad input.
type KeypadConfig struct {
	// Source is "serial", "stdin" or "none". Defaults to "serial".
	Source string `yaml:"source" mapstructure:"source" validate:"required,oneof=serial stdin none"`
	// SubmitKey raises the submit flag. Defaults to "D".
	SubmitKey string `yaml:"submit_key" mapstructure:"submit_key" validate:"required,len=1"`
	// ClearKeys empty the buffer. Defaults to ["*", "#"].
	ClearKeys []string `yaml:"clear_keys" mapstructure:"clear_keys" validate:"dive,len=1"`
	// PollInterval is how often the password phase samples the keypad. Defaults to "300ms".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"duration"`
}

// CameraConfig configures the snapshot camera.
type CameraConfig struct {
	// SnapshotURL returns one encoded frame per GET.
	SnapshotURL string `yaml:"snapshot_url" mapstructure:"snapshot_url" validate:"required,url"`
	// FrameTimeout bounds a single frame fetch. Defaults to "2s".
	FrameTimeout string `yaml:"frame_timeout" mapstructure:"frame_timeout" validate:"duration"`
}

// VisionConfig configures the vision service client.
type VisionConfig struct {
	// URL is the base URL of the vision service.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// Timeout bounds each request. Defaults to "5s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`
}

// LivenessConfig configures the expression challenge.
type LivenessConfig struct {
	// Expressions is the challenge set. Defaults to [happy, neutral].
	Expressions []string `yaml:"expressions" mapstructure:"expressions" validate:"required,min=1,unique,dive,expression_label"`
	// Rounds is the number of rounds to pass. Defaults to 2.
	Rounds int `yaml:"rounds" mapstructure:"rounds" validate:"min=1,max=10"`
	// ConfidenceThreshold is the probability an expression must exceed. Defaults to 0.6.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"gt=0,lt=1"`
	// HoldDuration is how long an expression must be held. Defaults to "1s".
	HoldDuration string `yaml:"hold_duration" mapstructure:"hold_duration" validate:"duration"`
	// ChallengeTime bounds each challenge step. Defaults to "10s".
	ChallengeTime string `yaml:"challenge_time" mapstructure:"challenge_time" validate:"duration"`
	// RoundPause is the pause between rounds. Defaults to "1500ms".
	RoundPause string `yaml:"round_pause" mapstructure:"round_pause" validate:"duration"`
	// Warmup delays the first challenge. Defaults to "600ms".
	Warmup string `yaml:"warmup" mapstructure:"warmup" validate:"duration"`
	// SampleInterval is the frame cadence. Defaults to "200ms".
	SampleInterval string `yaml:"sample_interval" mapstructure:"sample_interval" validate:"duration"`
}

// MatchConfig configures face matching.
type MatchConfig struct {
	// AcceptanceDistance is the maximum descriptor distance for a match. Defaults to 0.6.
	AcceptanceDistance float64 `yaml:"acceptance_distance" mapstructure:"acceptance_distance" validate:"gt=0"`
	// StabilityWindow is how long the same label must stay the best match. Defaults to "2s".
	StabilityWindow string `yaml:"stability_window" mapstructure:"stability_window" validate:"duration"`
	// AbsenceTimeout ends matching when no face is seen for this long. Defaults to "5s".
	AbsenceTimeout string `yaml:"absence_timeout" mapstructure:"absence_timeout" validate:"duration"`
	// MaxDuration bounds the whole matching phase. "0s" disables it. Defaults to "30s".
	MaxDuration string `yaml:"max_duration" mapstructure:"max_duration" validate:"duration"`
	// SampleInterval is the frame cadence. Defaults to "200ms".
	SampleInterval string `yaml:"sample_interval" mapstructure:"sample_interval" validate:"duration"`
}

// PasswordConfig configures password entry.
type PasswordConfig struct {
	// EntryTimeout bounds how long the terminal waits for a submitted password. Defaults to "60s".
	EntryTimeout string `yaml:"entry_timeout" mapstructure:"entry_timeout" validate:"duration"`
}

// ActuatorConfig configures the door relay.
type ActuatorConfig struct {
	// Driver is "serial" or "log". Defaults to "serial".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=serial log"`
	// Duration is how long the relay stays on. Defaults to "4800ms".
	Duration string `yaml:"duration" mapstructure:"duration" validate:"duration"`
}

// AccessConfig configures the post-password access rule.
type AccessConfig struct {
	// Condition is a CEL expression over identity, hour, minute, weekday,
	// weekday_name and now. Defaults to "true".
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	// Timezone is the IANA zone used for time variables. Defaults to "Local".
	Timezone string `yaml:"timezone" mapstructure:"timezone" validate:"required"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults to "./facelock.db".
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
	// ImagesDir holds reference images as <label>/<n>.png. Defaults to "./images".
	ImagesDir string `yaml:"images_dir" mapstructure:"images_dir" validate:"required"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Exporter is "none" or "stdout". Defaults to "none".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"oneof=none stdout"`
	// MetricInterval is the metric export period. Defaults to "30s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"duration"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Without a serial port, type keys on stdin and log relay switches.
	if c.Serial.Port == "" {
		if !viper.IsSet("keypad.source") {
			c.Keypad.Source = "stdin"
		}
		if !viper.IsSet("actuator.driver") {
			c.Actuator.Driver = "log"
		}
	}
	if c.Camera.SnapshotURL == "" {
		c.Camera.SnapshotURL = "http://127.0.0.1:8081/snapshot.jpg"
	}
	if c.Telemetry.Exporter == "none" && !viper.IsSet("telemetry.exporter") {
		c.Telemetry.Exporter = "stdout"
	}
}

// SetDefaults applies default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only. Network access must be configured explicitly.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	// viper.IsSet distinguishes "not set" from an explicit 0.
	if !viper.IsSet("server.password_rate_limit") {
		c.Server.PasswordRateLimit = 10
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}

	if c.Keypad.Source == "" {
		c.Keypad.Source = "serial"
	}
	if c.Keypad.SubmitKey == "" {
		c.Keypad.SubmitKey = "D"
	}
	if len(c.Keypad.ClearKeys) == 0 {
		c.Keypad.ClearKeys = []string{"*", "#"}
	}
	if c.Keypad.PollInterval == "" {
		c.Keypad.PollInterval = "300ms"
	}

	if c.Camera.FrameTimeout == "" {
		c.Camera.FrameTimeout = "2s"
	}

	if c.Vision.URL == "" {
		c.Vision.URL = "http://127.0.0.1:8500"
	}
	if c.Vision.Timeout == "" {
		c.Vision.Timeout = "5s"
	}

	if len(c.Liveness.Expressions) == 0 {
		c.Liveness.Expressions = []string{"happy", "neutral"}
	}
	if c.Liveness.Rounds == 0 {
		c.Liveness.Rounds = 2
	}
	if c.Liveness.ConfidenceThreshold == 0 {
		c.Liveness.ConfidenceThreshold = 0.6
	}
	if c.Liveness.HoldDuration == "" {
		c.Liveness.HoldDuration = "1s"
	}
	if c.Liveness.ChallengeTime == "" {
		c.Liveness.ChallengeTime = "10s"
	}
	if c.Liveness.RoundPause == "" {
		c.Liveness.RoundPause = "1500ms"
	}
	if c.Liveness.Warmup == "" {
		c.Liveness.Warmup = "600ms"
	}
	if c.Liveness.SampleInterval == "" {
		c.Liveness.SampleInterval = "200ms"
	}

	if c.Match.AcceptanceDistance == 0 {
		c.Match.AcceptanceDistance = 0.6
	}
	if c.Match.StabilityWindow == "" {
		c.Match.StabilityWindow = "2s"
	}
	if c.Match.AbsenceTimeout == "" {
		c.Match.AbsenceTimeout = "5s"
	}
	if c.Match.MaxDuration == "" {
		c.Match.MaxDuration = "30s"
	}
	if c.Match.SampleInterval == "" {
		c.Match.SampleInterval = "200ms"
	}

	if c.Password.EntryTimeout == "" {
		c.Password.EntryTimeout = "60s"
	}

	if c.Actuator.Driver == "" {
		c.Actuator.Driver = "serial"
	}
	if c.Actuator.Duration == "" {
		c.Actuator.Duration = "4800ms"
	}

	if c.Access.Condition == "" {
		c.Access.Condition = "true"
	}
	if c.Access.Timezone == "" {
		c.Access.Timezone = "Local"
	}

	if c.Store.Path == "" {
		c.Store.Path = "./facelock.db"
	}
	if c.Store.ImagesDir == "" {
		c.Store.ImagesDir = "./images"
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "30s"
	}
}

// Duration parses a validated duration field. Invalid input yields 0.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Location returns the access rule time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Access.Timezone)
}
