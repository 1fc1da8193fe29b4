package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/raman-dash/internal/recorder"
)

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	Instrument  InstrumentConfig  `yaml:"instrument" json:"instrument"`
	Acquisition AcquisitionConfig `yaml:"acquisition" json:"acquisition"`
	Processing  ProcessingConfig  `yaml:"processing" json:"processing"`
	Stream      StreamConfig      `yaml:"stream" json:"stream"`
	Recorder    recorder.Config   `yaml:"recorder" json:"recorder"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Server      ServerConfig      `yaml:"server" json:"server"`

	path string // file path for save/load
}

type InstrumentConfig struct {
	Type            string   `yaml:"type" json:"type"`   // "mock", "serial" or "" for no auto-connect
	Ports           []string `yaml:"ports" json:"ports"` // static endpoints, e.g. /dev/ttyUSB0
	Enumerate       bool     `yaml:"enumerate" json:"enumerate"`
	DefaultIndex    int      `yaml:"default_index" json:"defaultIndex"` // device list index for "serial"
	BaudRate        int      `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs   int      `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	CalibrationFile string   `yaml:"calibration_file" json:"calibrationFile"`
}

type AcquisitionConfig struct {
	LaserPower    int    `yaml:"laser_power" json:"laserPower"`
	ExposureMs    int    `yaml:"exposure_ms" json:"exposureMs"`
	Accumulations int    `yaml:"accumulations" json:"accumulations"`
	SubtractDark  bool   `yaml:"subtract_dark" json:"subtractDark"`
	Mode          string `yaml:"mode" json:"mode"`               // "normal" or "high-precision"
	StreamDark    bool   `yaml:"stream_dark" json:"streamDark"` // stream dark + corrected samples too
}

type ProcessingConfig struct {
	SmoothCode int  `yaml:"smooth_code" json:"smoothCode"` // 0 none, 1 narrow, 2 wide
	Baseline   bool `yaml:"baseline" json:"baseline"`
	Calibrate  bool `yaml:"calibrate" json:"calibrate"`
}

type StreamConfig struct {
	MaxValues int  `yaml:"max_values" json:"maxValues"` // 0 streams every pixel
	AutoStart bool `yaml:"auto_start" json:"autoStart"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"poolSize"`
	Channel  string `yaml:"channel" json:"channel"`
	History  int    `yaml:"history" json:"history"` // samples kept per device list
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"` // "text" or "json"
	Output   string `yaml:"output" json:"output"` // "stdout" or "file"
	FilePath string `yaml:"file_path" json:"filePath"`
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr" json:"listenAddr"`
	StatusIntervalMs int    `yaml:"status_interval_ms" json:"statusIntervalMs"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Type:          "mock",
			Enumerate:     true,
			DefaultIndex:  1,
			BaudRate:      115200,
			ReadTimeoutMs: 5000,
		},
		Acquisition: AcquisitionConfig{
			LaserPower:    0,
			ExposureMs:    1000,
			Accumulations: 1,
			Mode:          "high-precision",
		},
		Processing: ProcessingConfig{
			SmoothCode: 0,
			Baseline:   true,
			Calibrate:  true,
		},
		Recorder: recorder.Config{
			Enabled:  false,
			Path:     "/var/lib/raman-dash/spectra",
			MaxFiles: 1000,
			Creator:  "raman-dash",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "raman_samples",
			History:  1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			StatusIntervalMs: 2000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RAMAN_DEVICE_TYPE, RAMAN_PORT, RAMAN_BAUD, LISTEN_ADDR,
// LOG_LEVEL, LOG_FORMAT, REDIS_ADDR, REDIS_ENABLED, RECORD_ENABLED,
// RECORD_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAMAN_DEVICE_TYPE"); v != "" {
		c.Instrument.Type = v
	}
	if v := os.Getenv("RAMAN_PORT"); v != "" {
		c.Instrument.Ports = []string{v}
	}
	if v := os.Getenv("RAMAN_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Instrument.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = truthy(v)
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recorder.Enabled = truthy(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recorder.Path = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/raman-dash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// Runtime returns the sections the stream loop rereads on every cycle.
func (c *Config) Runtime() (AcquisitionConfig, ProcessingConfig, StreamConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Acquisition, c.Processing, c.Stream
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
