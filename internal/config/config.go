// Package config loads the weather proxy configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/upstream"
)

// Config is the process configuration. Durations are positive once
// Validate succeeds.
type Config struct {
	Port string

	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	LogLevel  string
	LogPretty bool

	GeocodingURL string
	ForecastURL  string

	WeatherCacheTTL time.Duration
	ProxyCacheTTL   time.Duration

	UpstreamTimeout  time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	CacheOpTimeout       time.Duration
	CacheMonitorInterval time.Duration

	ShutdownGrace        time.Duration
	ShutdownTimeout      time.Duration
	ResourceCloseTimeout time.Duration
}

// Load reads the configuration from the environment. Unset or unparseable
// values fall back to their defaults; call Validate to check the result.
func Load() Config {
	return Config{
		Port:                 envOrDefault("PORT", "8000"),
		RedisEnabled:         boolOrDefault("REDIS_ENABLED", true),
		RedisHost:            envOrDefault("REDIS_HOST", "localhost"),
		RedisPort:            intOrDefault("REDIS_PORT", 6379),
		RedisDB:              intOrDefault("REDIS_DB", 0),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogPretty:            boolOrDefault("LOG_PRETTY", false),
		GeocodingURL:         envOrDefault("GEOCODING_URL", upstream.DefaultGeocodingURL),
		ForecastURL:          envOrDefault("FORECAST_URL", upstream.DefaultForecastURL),
		WeatherCacheTTL:      durationOrDefault("WEATHER_CACHE_TTL", 600*time.Second),
		ProxyCacheTTL:        durationOrDefault("PROXY_CACHE_TTL", 300*time.Second),
		UpstreamTimeout:      durationOrDefault("UPSTREAM_TIMEOUT", 30*time.Second),
		RetryMaxAttempts:     intOrDefault("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       durationOrDefault("RETRY_BASE_DELAY", 1*time.Second),
		RetryMaxDelay:        durationOrDefault("RETRY_MAX_DELAY", 10*time.Second),
		CacheOpTimeout:       durationOrDefault("CACHE_OP_TIMEOUT", 5*time.Second),
		CacheMonitorInterval: durationOrDefault("CACHE_MONITOR_INTERVAL", 15*time.Second),
		ShutdownGrace:        durationOrDefault("SHUTDOWN_GRACE", 2*time.Second),
		ShutdownTimeout:      durationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
		ResourceCloseTimeout: durationOrDefault("RESOURCE_CLOSE_TIMEOUT", 3*time.Second),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be 1-65535, got %q", c.Port))
	}
	if c.RedisEnabled {
		if c.RedisHost == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when REDIS_ENABLED"))
		}
		if c.RedisPort < 1 || c.RedisPort > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be 1-65535, got %d", c.RedisPort))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.RedisDB))
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"WEATHER_CACHE_TTL", c.WeatherCacheTTL},
		{"PROXY_CACHE_TTL", c.ProxyCacheTTL},
		{"UPSTREAM_TIMEOUT", c.UpstreamTimeout},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"CACHE_OP_TIMEOUT", c.CacheOpTimeout},
		{"CACHE_MONITOR_INTERVAL", c.CacheMonitorInterval},
		{"SHUTDOWN_GRACE", c.ShutdownGrace},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"RESOURCE_CLOSE_TIMEOUT", c.ResourceCloseTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.ShutdownGrace > c.ShutdownTimeout {
		errs = append(errs, errors.New("SHUTDOWN_GRACE must not exceed SHUTDOWN_TIMEOUT"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// RedisAddr is host:port of the Redis server.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// durationOrDefault accepts Go durations ("90s", "10m") and plain seconds ("600").
func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
