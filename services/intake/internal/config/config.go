// Package config loads intake service settings. Precedence, lowest to
// highest: built-in defaults, an optional YAML file, environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "plyline.yaml"

// Config is the full runtime configuration of the intake service.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Broker   BrokerConfig   `yaml:"broker"`
	Upload   UploadConfig   `yaml:"upload"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Packager PackagerConfig `yaml:"packager"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Subject        string        `yaml:"subject"`
	AckSubject     string        `yaml:"ack_subject"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type UploadConfig struct {
	Root        string `yaml:"root"`
	WorkerSlots int    `yaml:"worker_slots"`
}

type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MinFreeBytes uint64        `yaml:"min_free_bytes"`
}

type PackagerConfig struct {
	WatchDir     string   `yaml:"watch_dir"`
	Extension    string   `yaml:"extension"`
	ConverterCmd []string `yaml:"converter_cmd"`
}

func defaults() Config {
	return Config{
		HTTP: HTTPConfig{Port: 8080},
		Broker: BrokerConfig{
			URL:            "nats://127.0.0.1:4222",
			ClientID:       "plyline-intake",
			Subject:        "ply.files",
			AckSubject:     "ply.acks",
			HealthInterval: 30 * time.Second,
		},
		Upload: UploadConfig{
			Root:        "./uploads",
			WorkerSlots: 4,
		},
		Monitor: MonitorConfig{
			Interval:     5 * time.Minute,
			MinFreeBytes: 1 << 30, // 1 GiB
		},
		Packager: PackagerConfig{
			WatchDir:  "./ply-output",
			Extension: ".ply",
		},
	}
}

// Load resolves the configuration. The file named by PLY_CONFIG (or
// ./plyline.yaml when present) is applied over the defaults, then individual
// PLY_* environment variables override both.
func Load() (Config, error) {
	cfg := defaults()

	path := os.Getenv("PLY_CONFIG")
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	cfg.HTTP.Port = getEnvInt("PLY_HTTP_PORT", cfg.HTTP.Port)
	cfg.Broker.URL = getEnv("PLY_BROKER_URL", cfg.Broker.URL)
	cfg.Broker.ClientID = getEnv("PLY_BROKER_CLIENT_ID", cfg.Broker.ClientID)
	cfg.Broker.Subject = getEnv("PLY_BROKER_SUBJECT", cfg.Broker.Subject)
	cfg.Broker.AckSubject = getEnv("PLY_BROKER_ACK_SUBJECT", cfg.Broker.AckSubject)
	cfg.Upload.Root = getEnv("PLY_UPLOAD_ROOT", cfg.Upload.Root)
	cfg.Upload.WorkerSlots = getEnvInt("PLY_UPLOAD_WORKERS", cfg.Upload.WorkerSlots)
	cfg.Packager.WatchDir = getEnv("PLY_WATCH_DIR", cfg.Packager.WatchDir)
	cfg.Packager.Extension = getEnv("PLY_ARTIFACT_EXT", cfg.Packager.Extension)

	var err error
	if cfg.Broker.HealthInterval, err = getEnvDuration("PLY_BROKER_HEALTH_INTERVAL", cfg.Broker.HealthInterval); err != nil {
		return Config{}, err
	}
	if cfg.Monitor.Interval, err = getEnvDuration("PLY_MONITOR_INTERVAL", cfg.Monitor.Interval); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("PLY_MIN_FREE_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PLY_MIN_FREE_BYTES: %q", v)
		}
		cfg.Monitor.MinFreeBytes = n
	}
	if v := os.Getenv("PLY_CONVERTER_CMD"); v != "" {
		cfg.Packager.ConverterCmd = strings.Fields(v)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d is outside the valid range 1-65535", c.HTTP.Port)
	}
	if c.Upload.Root == "" {
		return fmt.Errorf("upload root is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
