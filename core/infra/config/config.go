package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL        = ""
	defaultRedisURL       = "redis://localhost:6379"
	defaultHTTPAddr       = ":8090"
	defaultMetricsAddr    = ":9090"
	defaultDBName         = "CameraStore"
	defaultStoreName      = "media"
	defaultRetention      = 7 * 24 * time.Hour
	defaultPruneInterval  = time.Hour
	defaultTimeslice      = time.Second
	defaultArtifactPrefix = "capture"
	envNATSURL            = "NATS_URL"
	envRedisURL           = "REDIS_URL"
	envHTTPAddr           = "CAPTURE_HTTP_ADDR"
	envMetricsAddr        = "CAPTURE_METRICS_ADDR"
	envDBName             = "CAPTURE_DB_NAME"
	envStoreName          = "CAPTURE_STORE_NAME"
	envRetention          = "CAPTURE_RETENTION"
	envPruneInterval      = "CAPTURE_PRUNE_INTERVAL"
	envUploadTimeout      = "CAPTURE_UPLOAD_TIMEOUT"
	envTimeslice          = "CAPTURE_TIMESLICE"
	envArtifactPrefix     = "CAPTURE_ARTIFACT_PREFIX"
	envConfigPath         = "CAPTURE_CONFIG_PATH"
	envMockDevice         = "CAPTURE_MOCK_DEVICE"
)

// Config holds runtime configuration for the capture pipeline and its gateway.
type Config struct {
	NatsURL        string
	RedisURL       string
	HTTPAddr       string
	MetricsAddr    string
	DBName         string
	StoreName      string
	Retention      time.Duration
	PruneInterval  time.Duration
	UploadTimeout  time.Duration
	Timeslice      time.Duration
	ArtifactPrefix string
	ConfigPath     string
	MockDevice     bool
	UploadHeaders  map[string]string
}

// Load returns configuration using environment variables with sane defaults.
// NATS is optional: an empty NatsURL disables lifecycle event publishing.
func Load() *Config {
	return &Config{
		NatsURL:        envOr(envNATSURL, defaultNATSURL),
		RedisURL:       envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:       envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:    envOr(envMetricsAddr, defaultMetricsAddr),
		DBName:         envOr(envDBName, defaultDBName),
		StoreName:      envOr(envStoreName, defaultStoreName),
		Retention:      parseDurationEnv(envRetention, defaultRetention),
		PruneInterval:  parseDurationEnv(envPruneInterval, defaultPruneInterval),
		UploadTimeout:  parseDurationEnv(envUploadTimeout, 0),
		Timeslice:      parseDurationEnv(envTimeslice, defaultTimeslice),
		ArtifactPrefix: envOr(envArtifactPrefix, defaultArtifactPrefix),
		ConfigPath:     os.Getenv(envConfigPath),
		MockDevice:     parseBoolEnv(envMockDevice),
		UploadHeaders:  map[string]string{},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parseDurationEnv accepts Go durations ("90s") or bare integer seconds.
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
