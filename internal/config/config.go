// Package config loads uartctl settings from a TOML or YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	serial "github.com/luhtfiimanal/go-serial-session"
	"gopkg.in/yaml.v3"
)

// Config is the resolved tool configuration.
type Config struct {
	Port           string
	Serial         serial.Config
	Transport      string
	ReadBufferSize int
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	LogLevel       string
	Bridge         BridgeConfig
}

// BridgeConfig configures the WebSocket bridge.
type BridgeConfig struct {
	Listen         string
	Path           string
	SendQueue      int
	AllowedOrigins []string
}

// fileConfig mirrors the on-disk layout. Durations and the line mode are
// strings so both formats share one shape.
type fileConfig struct {
	Port           string     `toml:"port" yaml:"port"`
	Mode           string     `toml:"mode" yaml:"mode"`
	Transport      string     `toml:"transport" yaml:"transport"`
	ReadBufferSize int        `toml:"read_buffer" yaml:"read_buffer"`
	PollInterval   string     `toml:"poll_interval" yaml:"poll_interval"`
	WriteTimeout   string     `toml:"write_timeout" yaml:"write_timeout"`
	LogLevel       string     `toml:"log_level" yaml:"log_level"`
	Bridge         fileBridge `toml:"bridge" yaml:"bridge"`
}

type fileBridge struct {
	Listen         string   `toml:"listen" yaml:"listen"`
	Path           string   `toml:"path" yaml:"path"`
	SendQueue      int      `toml:"send_queue" yaml:"send_queue"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	return Config{
		Serial:         serial.DefaultConfig(),
		Transport:      "default",
		ReadBufferSize: serial.DefaultReadBufferSize,
		PollInterval:   serial.DefaultPollInterval,
		WriteTimeout:   100 * time.Millisecond,
		LogLevel:       "info",
		Bridge: BridgeConfig{
			Listen:    "127.0.0.1:8080",
			Path:      "/ws",
			SendQueue: 64,
		},
	}
}

func defaultFile() fileConfig {
	d := Default()
	return fileConfig{
		Mode:           d.Serial.String(),
		Transport:      d.Transport,
		ReadBufferSize: d.ReadBufferSize,
		PollInterval:   d.PollInterval.String(),
		WriteTimeout:   d.WriteTimeout.String(),
		LogLevel:       d.LogLevel,
		Bridge: fileBridge{
			Listen:    d.Bridge.Listen,
			Path:      d.Bridge.Path,
			SendQueue: d.Bridge.SendQueue,
		},
	}
}

// Load reads path, choosing the decoder from its extension (.toml, .yaml
// or .yml), and validates the result.
func Load(path string) (Config, error) {
	raw := defaultFile()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported extension %q", ext)
	}
	return raw.resolve()
}

func (f fileConfig) resolve() (Config, error) {
	cfg := Default()
	cfg.Port = strings.TrimSpace(f.Port)
	cfg.Transport = strings.TrimSpace(f.Transport)
	cfg.ReadBufferSize = f.ReadBufferSize
	cfg.LogLevel = strings.TrimSpace(f.LogLevel)

	mode, err := serial.ParseConfig(f.Mode)
	if err != nil {
		return Config{}, fmt.Errorf("parse mode: %w", err)
	}
	cfg.Serial = mode

	if cfg.PollInterval, err = time.ParseDuration(strings.TrimSpace(f.PollInterval)); err != nil {
		return Config{}, fmt.Errorf("parse poll_interval: %w", err)
	}
	if cfg.WriteTimeout, err = time.ParseDuration(strings.TrimSpace(f.WriteTimeout)); err != nil {
		return Config{}, fmt.Errorf("parse write_timeout: %w", err)
	}

	cfg.Bridge = BridgeConfig{
		Listen:         strings.TrimSpace(f.Bridge.Listen),
		Path:           strings.TrimSpace(f.Bridge.Path),
		SendQueue:      f.Bridge.SendQueue,
		AllowedOrigins: normalizeOrigins(f.Bridge.AllowedOrigins),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields Load cannot default.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: port is required")
	}
	if err := c.Serial.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := serial.LookupTransport(c.Transport); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("config: read_buffer must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write_timeout must not be negative")
	}
	if c.Bridge.Listen == "" {
		return fmt.Errorf("config: bridge.listen is required")
	}
	if !strings.HasPrefix(c.Bridge.Path, "/") {
		return fmt.Errorf("config: bridge.path must start with /")
	}
	if c.Bridge.SendQueue <= 0 {
		return fmt.Errorf("config: bridge.send_queue must be positive")
	}
	return nil
}

// RegistryOptions returns the serial.Registry options these settings imply.
func (c Config) RegistryOptions() ([]serial.Option, error) {
	t, err := serial.LookupTransport(c.Transport)
	if err != nil {
		return nil, err
	}
	return []serial.Option{
		serial.WithTransport(t),
		serial.WithReadBufferSize(c.ReadBufferSize),
		serial.WithPollInterval(c.PollInterval),
	}, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
