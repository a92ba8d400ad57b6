package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"`
	Feed      FeedConfig     `json:"feed" yaml:"feed"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Notify    NotifyConfig   `json:"notify" yaml:"notify"`
	Stream    StreamConfig   `json:"stream" yaml:"stream"`
	Schedule  ScheduleConfig `json:"schedule" yaml:"schedule"`
	API       APIConfig      `json:"api" yaml:"api"`
}

type FeedConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	ThresholdAU    float64       `json:"threshold_au" yaml:"threshold_au"`
	Attempts       int           `json:"attempts" yaml:"attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	Workers        int           `json:"workers" yaml:"workers"`
	RatePerSec     float64       `json:"rate_per_sec" yaml:"rate_per_sec"`
	HistoryLimit   int           `json:"history_limit" yaml:"history_limit"`
}

type StreamConfig struct {
	Heartbeat    time.Duration `json:"heartbeat" yaml:"heartbeat"`
	ReaderBuffer int           `json:"reader_buffer" yaml:"reader_buffer"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type ScheduleConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Spec       string `json:"spec" yaml:"spec"`
	Timezone   string `json:"timezone" yaml:"timezone"`
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

const (
	defaultFeedURL   = "https://api.nasa.gov"
	defaultStreamBuf = 1024
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Feed: FeedConfig{
			BaseURL: defaultFeedURL,
			APIKey:  "DEMO_KEY",
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:neowatch.db?_pragma=busy_timeout(5000)"},
		Notify: NotifyConfig{
			ThresholdAU:    0.05,
			Attempts:       3,
			InitialBackoff: 1 * time.Second,
			Timeout:        5 * time.Second,
			Workers:        8,
			HistoryLimit:   500,
		},
		Stream: StreamConfig{
			Heartbeat:    15 * time.Second,
			ReaderBuffer: defaultStreamBuf,
		},
		Schedule: ScheduleConfig{Enabled: true, Spec: "@hourly", Timezone: "UTC"},
		API:      APIConfig{Enabled: true, Addr: ":8080"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied; used
// when no config file is given.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("NASA_API_KEY")); v != "" {
		cfg.Feed.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("NEOWATCH_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Feed.BaseURL == "" {
		cfg.Feed.BaseURL = defaultFeedURL
	}
	if cfg.Feed.Timeout <= 0 {
		cfg.Feed.Timeout = 10 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Notify.Attempts <= 0 {
		cfg.Notify.Attempts = 3
	}
	if cfg.Notify.InitialBackoff <= 0 {
		cfg.Notify.InitialBackoff = time.Second
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 8
	}
	if cfg.Notify.HistoryLimit <= 0 {
		cfg.Notify.HistoryLimit = 500
	}
	if cfg.Stream.Heartbeat <= 0 {
		cfg.Stream.Heartbeat = 15 * time.Second
	}
	if cfg.Stream.ReaderBuffer == 0 {
		cfg.Stream.ReaderBuffer = defaultStreamBuf
	}
	if cfg.Schedule.Spec == "" {
		cfg.Schedule.Spec = "@hourly"
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = "UTC"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Notify.ThresholdAU <= 0 {
		return errors.New("notify.threshold_au must be > 0")
	}
	if cfg.Notify.RatePerSec < 0 {
		return errors.New("notify.rate_per_sec must be >= 0")
	}
	if cfg.Stream.ReaderBuffer < 0 {
		return errors.New("stream.reader_buffer must be >= 0")
	}
	if cfg.Stream.Kafka.Enabled {
		if len(cfg.Stream.Kafka.Brokers) == 0 || cfg.Stream.Kafka.Topic == "" {
			return errors.New("stream.kafka requires brokers and topic")
		}
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
