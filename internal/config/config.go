// Package config loads the pipeline configuration from JSON or TOML. Every
// leaf is optional: unset values fall back to the defaults returned by the
// Get* accessors, so partial files are safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/display"
	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/publish"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/serialmux"
)

// MaxFileSize caps the size of a configuration file.
const MaxFileSize = 1 * 1024 * 1024

// Config is the root configuration.
type Config struct {
	Port     PortConfig     `json:"port" toml:"port"`
	Pipeline PipelineConfig `json:"pipeline" toml:"pipeline"`
	Output   OutputConfig   `json:"output" toml:"output"`
	MQTT     MQTTConfig     `json:"mqtt" toml:"mqtt"`
	Display  DisplayConfig  `json:"display" toml:"display"`
	Debug    DebugConfig    `json:"debug" toml:"debug"`
}

// PortConfig selects and configures the serial device.
type PortConfig struct {
	Device   *string `json:"device,omitempty" toml:"device,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty" toml:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty" toml:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty" toml:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty" toml:"parity,omitempty"`
}

// PipelineConfig tunes decoding and dispatch.
type PipelineConfig struct {
	DefaultEncoding        *string `json:"default_encoding,omitempty" toml:"default_encoding,omitempty"`
	TickDuration           *string `json:"tick_duration,omitempty" toml:"tick_duration,omitempty"` // duration string like "1ms"
	ReadChunkSize          *int    `json:"read_chunk_size,omitempty" toml:"read_chunk_size,omitempty"`
	ReadTimeout            *string `json:"read_timeout,omitempty" toml:"read_timeout,omitempty"`
	ShutdownTimeout        *string `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`
	QueueSize              *int    `json:"queue_size,omitempty" toml:"queue_size,omitempty"`
	OverflowReportInterval *string `json:"overflow_report_interval,omitempty" toml:"overflow_report_interval,omitempty"`
	LossThreshold          *int    `json:"loss_threshold,omitempty" toml:"loss_threshold,omitempty"`
	LossReportInterval     *int    `json:"loss_report_interval,omitempty" toml:"loss_report_interval,omitempty"`
	MaxBuffered            *int    `json:"max_buffered,omitempty" toml:"max_buffered,omitempty"`
}

// OutputConfig enables the file and database sinks. Empty values disable
// the corresponding sink.
type OutputConfig struct {
	CSVDir  *string `json:"csv_dir,omitempty" toml:"csv_dir,omitempty"`
	RawPath *string `json:"raw_path,omitempty" toml:"raw_path,omitempty"`
	DBPath  *string `json:"db_path,omitempty" toml:"db_path,omitempty"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker      *string `json:"broker,omitempty" toml:"broker,omitempty"`
	TopicPrefix *string `json:"topic_prefix,omitempty" toml:"topic_prefix,omitempty"`
	ClientID    *string `json:"client_id,omitempty" toml:"client_id,omitempty"`
	Username    *string `json:"username,omitempty" toml:"username,omitempty"`
	Password    *string `json:"password,omitempty" toml:"password,omitempty"`
	QoS         *int    `json:"qos,omitempty" toml:"qos,omitempty"`
}

// DisplayConfig tunes the live display.
type DisplayConfig struct {
	History         *int    `json:"history,omitempty" toml:"history,omitempty"`
	Window          *int    `json:"window,omitempty" toml:"window,omitempty"`
	RefreshInterval *string `json:"refresh_interval,omitempty" toml:"refresh_interval,omitempty"`
}

// DebugConfig enables the debug HTTP listener when Listen is set.
type DebugConfig struct {
	Listen *string `json:"listen,omitempty" toml:"listen,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config { return &Config{} }

// Load reads a configuration file. The format follows the extension: .json
// or .toml. The result is validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".toml" {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set value is usable.
func (c *Config) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("port: %w", err)
	}

	p := c.Pipeline
	if p.DefaultEncoding != nil {
		if _, err := sensor.ParseEncoding(*p.DefaultEncoding); err != nil {
			return fmt.Errorf("default_encoding: %w", err)
		}
	}
	for name, v := range map[string]*string{
		"tick_duration":            p.TickDuration,
		"read_timeout":             p.ReadTimeout,
		"shutdown_timeout":         p.ShutdownTimeout,
		"overflow_report_interval": p.OverflowReportInterval,
		"refresh_interval":         c.Display.RefreshInterval,
	} {
		if err := validateDuration(name, v); err != nil {
			return err
		}
	}
	for name, v := range map[string]*int{
		"read_chunk_size": p.ReadChunkSize,
		"queue_size":      p.QueueSize,
		"loss_threshold":  p.LossThreshold,
		"max_buffered":    p.MaxBuffered,
		"history":         c.Display.History,
		"window":          c.Display.Window,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	// One read can land on top of an incomplete frame.
	if minBuffered := getInt(p.ReadChunkSize, serialmux.DefaultReadChunkSize) + frame.DefaultMaxFrameSize; p.MaxBuffered != nil && *p.MaxBuffered < minBuffered {
		return fmt.Errorf("max_buffered must be at least read_chunk_size + %d (%d), got %d", frame.DefaultMaxFrameSize, minBuffered, *p.MaxBuffered)
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}
	return nil
}

func validateDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

func getString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// getDuration assumes Validate has passed.
func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetDevice returns the serial device path.
func (c *Config) GetDevice() string { return getString(c.Port.Device, "") }

// PortOptions returns the serial options; unset values are left zero for
// serialmux to default.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: getInt(c.Port.BaudRate, 0),
		DataBits: getInt(c.Port.DataBits, 0),
		StopBits: getInt(c.Port.StopBits, 0),
		Parity:   getString(c.Port.Parity, ""),
	}
}

// GetDefaultEncoding returns the encoding for frames with an unspecified
// format byte.
func (c *Config) GetDefaultEncoding() sensor.Encoding {
	enc, err := sensor.ParseEncoding(getString(c.Pipeline.DefaultEncoding, ""))
	if err != nil {
		return sensor.EncodingFixed
	}
	return enc
}

// GetQueueSize returns the per-sink queue capacity.
func (c *Config) GetQueueSize() int {
	return getInt(c.Pipeline.QueueSize, dispatch.DefaultQueueSize)
}

// SerialMuxConfig builds the ingestion loop configuration.
func (c *Config) SerialMuxConfig() serialmux.Config {
	p := c.Pipeline
	return serialmux.Config{
		ReadChunkSize:          getInt(p.ReadChunkSize, serialmux.DefaultReadChunkSize),
		DefaultEncoding:        c.GetDefaultEncoding(),
		TickDuration:           getDuration(p.TickDuration, 0),
		ReadTimeout:            getDuration(p.ReadTimeout, serialmux.DefaultReadTimeout),
		ShutdownTimeout:        getDuration(p.ShutdownTimeout, serialmux.DefaultShutdownTimeout),
		OverflowReportInterval: getDuration(p.OverflowReportInterval, dispatch.DefaultOverflowReportInterval),
		Sync: frame.Options{
			LossThreshold:      getInt(p.LossThreshold, frame.DefaultLossThreshold),
			LossReportInterval: getInt(p.LossReportInterval, frame.DefaultLossReportInterval),
			MaxBuffered:        getInt(p.MaxBuffered, frame.DefaultMaxBuffered),
		},
	}
}

// GetCSVDir returns the CSV output directory, "" when disabled.
func (c *Config) GetCSVDir() string { return getString(c.Output.CSVDir, "") }

// GetRawPath returns the raw archive path, "" when disabled.
func (c *Config) GetRawPath() string { return getString(c.Output.RawPath, "") }

// GetDBPath returns the SQLite database path, "" when disabled.
func (c *Config) GetDBPath() string { return getString(c.Output.DBPath, "") }

// GetMQTTBroker returns the broker URL, "" when disabled.
func (c *Config) GetMQTTBroker() string { return getString(c.MQTT.Broker, "") }

// GetMQTTTopicPrefix returns the topic prefix.
func (c *Config) GetMQTTTopicPrefix() string { return getString(c.MQTT.TopicPrefix, publish.DefaultTopicPrefix) }

// GetMQTTClientID returns the MQTT client id.
func (c *Config) GetMQTTClientID() string { return getString(c.MQTT.ClientID, "serial-sensors") }

// GetMQTTCredentials returns the broker username and password.
func (c *Config) GetMQTTCredentials() (username, password string) {
	return getString(c.MQTT.Username, ""), getString(c.MQTT.Password, "")
}

// GetMQTTQoS returns the publish QoS.
func (c *Config) GetMQTTQoS() byte { return byte(getInt(c.MQTT.QoS, 0)) }

// GetDisplayHistory returns the number of recent records displayed.
func (c *Config) GetDisplayHistory() int { return getInt(c.Display.History, display.DefaultHistory) }

// GetDisplayWindow returns the per-stream statistics window.
func (c *Config) GetDisplayWindow() int { return getInt(c.Display.Window, display.DefaultWindow) }

// GetDisplayRefreshInterval returns how often the monitor command redraws.
func (c *Config) GetDisplayRefreshInterval() time.Duration {
	return getDuration(c.Display.RefreshInterval, 250*time.Millisecond)
}

// GetDebugListen returns the debug HTTP listen address, "" when disabled.
func (c *Config) GetDebugListen() string { return getString(c.Debug.Listen, "") }
