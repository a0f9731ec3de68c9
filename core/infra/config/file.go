package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML overlay read from CAPTURE_CONFIG_PATH.
type FileConfig struct {
	Store     StoreFile     `yaml:"store"`
	Upload    UploadFile    `yaml:"upload"`
	Recording RecordingFile `yaml:"recording"`
	Events    EventsFile    `yaml:"events"`
	HTTP      HTTPFile      `yaml:"http"`
}

type StoreFile struct {
	RedisURL      string `yaml:"redis_url"`
	DBName        string `yaml:"db_name"`
	StoreName     string `yaml:"store_name"`
	Retention     string `yaml:"retention"`
	PruneInterval string `yaml:"prune_interval"`
}

type UploadFile struct {
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type RecordingFile struct {
	Timeslice      string `yaml:"timeslice"`
	ArtifactPrefix string `yaml:"artifact_prefix"`
	MockDevice     *bool  `yaml:"mock_device"`
}

type EventsFile struct {
	NatsURL string `yaml:"nats_url"`
}

type HTTPFile struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ParseFile validates YAML/JSON bytes against the embedded schema and decodes them.
func ParseFile(data []byte) (*FileConfig, error) {
	if len(data) == 0 {
		return &FileConfig{}, nil
	}
	if err := validateConfigSchema("capture", captureSchemaFile, data); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse capture config: %w", err)
	}
	return &fc, nil
}

// LoadFile reads and parses a config file. An empty path yields an empty overlay.
func LoadFile(path string) (*FileConfig, error) {
	if strings.TrimSpace(path) == "" {
		return &FileConfig{}, nil
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture config: %w", err)
	}
	return ParseFile(data)
}

// Apply overlays non-empty file values onto cfg. Durations must parse and be positive.
func (fc *FileConfig) Apply(cfg *Config) error {
	if fc == nil || cfg == nil {
		return nil
	}
	setString(&cfg.RedisURL, fc.Store.RedisURL)
	setString(&cfg.DBName, fc.Store.DBName)
	setString(&cfg.StoreName, fc.Store.StoreName)
	setString(&cfg.NatsURL, fc.Events.NatsURL)
	setString(&cfg.HTTPAddr, fc.HTTP.Addr)
	setString(&cfg.MetricsAddr, fc.HTTP.MetricsAddr)
	setString(&cfg.ArtifactPrefix, fc.Recording.ArtifactPrefix)
	if fc.Recording.MockDevice != nil {
		cfg.MockDevice = *fc.Recording.MockDevice
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.retention", fc.Store.Retention, &cfg.Retention},
		{"store.prune_interval", fc.Store.PruneInterval, &cfg.PruneInterval},
		{"upload.timeout", fc.Upload.Timeout, &cfg.UploadTimeout},
		{"recording.timeslice", fc.Recording.Timeslice, &cfg.Timeslice},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s: %q", d.name, d.raw)
		}
		*d.dst = parsed
	}

	if len(fc.Upload.Headers) > 0 {
		if cfg.UploadHeaders == nil {
			cfg.UploadHeaders = map[string]string{}
		}
		for k, v := range fc.Upload.Headers {
			if strings.TrimSpace(k) == "" {
				continue
			}
			cfg.UploadHeaders[k] = v
		}
	}
	return nil
}

// LoadWithFile resolves env config, then overlays CAPTURE_CONFIG_PATH when set.
func LoadWithFile() (*Config, error) {
	cfg := Load()
	fc, err := LoadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if err := fc.Apply(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
