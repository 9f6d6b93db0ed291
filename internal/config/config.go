package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

// Imagery backend kinds accepted by IMAGERY_BACKEND.
const (
	BackendHTTP   = "http"
	BackendRaster = "raster"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	CORSAllowedOrigins []string
	// DetectTimeout bounds one synchronous detection over HTTP.
	DetectTimeout time.Duration

	// Imagery backend configuration.
	ImageryBackend   string
	ImageryURL       string
	ImageryToken     string
	ImageryTimeout   time.Duration
	ImageryCacheSize int
	ImageryFixture   string

	// DatabasePath enables the verdict history store when set.
	DatabasePath string

	// Defaults apply to request fields left unset.
	Defaults domain.ParamDefaults
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	imageryTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("IMAGERY_TIMEOUT", "60s"))
	if err != nil || imageryTimeout <= 0 {
		return nil, errors.New("invalid IMAGERY_TIMEOUT")
	}

	detectTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("DETECT_TIMEOUT", "5m"))
	if err != nil || detectTimeout <= 0 {
		return nil, errors.New("invalid DETECT_TIMEOUT")
	}

	cacheSize, err := parseNonNegative("IMAGERY_CACHE_SIZE", 0)
	if err != nil {
		return nil, err
	}

	defaults, err := loadDefaults()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaEnabled:       sharedcfg.EnvOrDefault("KAFKA_ENABLED", "true") == "true",
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "field-detection-requests"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "pest-detection-verdicts"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "crop-pest-detector"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
		CORSAllowedOrigins: splitList(sharedcfg.EnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		DetectTimeout:      detectTimeout,

		ImageryBackend:   strings.ToLower(sharedcfg.EnvOrDefault("IMAGERY_BACKEND", BackendHTTP)),
		ImageryURL:       os.Getenv("IMAGERY_URL"),
		ImageryToken:     os.Getenv("IMAGERY_TOKEN"),
		ImageryTimeout:   imageryTimeout,
		ImageryCacheSize: cacheSize,
		ImageryFixture:   os.Getenv("IMAGERY_FIXTURE"),

		DatabasePath: os.Getenv("DATABASE_PATH"),
		Defaults:     defaults,
	}

	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaSourceTopic == "" {
			return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required")
		}
	}

	switch cfg.ImageryBackend {
	case BackendHTTP:
		if cfg.ImageryURL == "" {
			return nil, errors.New("IMAGERY_URL is required when IMAGERY_BACKEND is http")
		}
	case BackendRaster:
		if cfg.ImageryFixture == "" {
			return nil, errors.New("IMAGERY_FIXTURE is required when IMAGERY_BACKEND is raster")
		}
	default:
		return nil, fmt.Errorf("invalid IMAGERY_BACKEND %q: want %s or %s", cfg.ImageryBackend, BackendHTTP, BackendRaster)
	}

	return cfg, nil
}

// loadDefaults reads the detection defaults and checks that they form a
// runnable configuration, so a bad deployment fails at startup rather than on
// every request.
func loadDefaults() (domain.ParamDefaults, error) {
	std := domain.StandardDefaults()

	threshold, err := parseFloat("NDVI_THRESHOLD", std.AnomalyThreshold)
	if err != nil {
		return domain.ParamDefaults{}, err
	}
	minFraction, err := parseFloat("MIN_FRACTION", std.MinFraction)
	if err != nil {
		return domain.ParamDefaults{}, err
	}
	consecutive, err := parseNonNegative("CONSECUTIVE_NEEDED", std.ConsecutiveNeeded)
	if err != nil {
		return domain.ParamDefaults{}, err
	}
	window, err := parseNonNegative("RECENT_WINDOW", std.RecentWindow)
	if err != nil {
		return domain.ParamDefaults{}, err
	}

	d := domain.ParamDefaults{
		SeasonStart:       sharedcfg.EnvOrDefault("SEASON_START", std.SeasonStart),
		SeasonEnd:         sharedcfg.EnvOrDefault("SEASON_END", std.SeasonEnd),
		BaselineYears:     sharedcfg.EnvOrDefault("BASELINE_YEARS", std.BaselineYears),
		AnomalyThreshold:  threshold,
		MinFraction:       minFraction,
		ConsecutiveNeeded: consecutive,
		RecentWindow:      window,
	}
	if _, err := d.Params(); err != nil {
		return domain.ParamDefaults{}, fmt.Errorf("invalid detection defaults: %w", err)
	}
	return d, nil
}

func parseFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func parseNonNegative(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", name)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
