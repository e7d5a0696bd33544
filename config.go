package main

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/object-detection-service/detections"
)

type Config struct {
	HTTPAddr     string        `yaml:"http_addr" env:"HTTP_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	RatePerMin   int           `yaml:"rate_per_min" env:"RATE_PER_MIN"`
	CORSOrigins  []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`

	ModelPath      string        `yaml:"model_path" env:"MODEL_PATH"`
	LibraryPath    string        `yaml:"onnxruntime_lib" env:"ONNXRUNTIME_LIB"`
	LabelsPath     string        `yaml:"labels_path" env:"LABELS_PATH"`
	Device         string        `yaml:"device" env:"DEVICE"`
	PoolSize       int           `yaml:"pool_size" env:"POOL_SIZE"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile  string `yaml:"log_file" env:"LOG_FILE"`
	Debug    bool   `yaml:"debug" env:"DEBUG"`
}

func defaultConfig() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		RatePerMin:     120,
		CORSOrigins:    []string{"*"},
		ModelPath:      detections.DefaultModelPath,
		Device:         "auto",
		PoolSize:       detections.DefaultPoolSize,
		AcquireTimeout: detections.AcquireTimeout,
		LogLevel:       "info",
	}
}

// LoadConfig layers, from lowest to highest priority: built-in defaults, the
// YAML file named by CONFIG_FILE, and the environment (.env included).
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.PoolSize <= 0 {
		return errors.Errorf("POOL_SIZE must be positive, got %d", c.PoolSize)
	}
	if c.AcquireTimeout <= 0 {
		return errors.Errorf("ACQUIRE_TIMEOUT must be positive, got %s", c.AcquireTimeout)
	}
	if c.RatePerMin < 0 {
		return errors.Errorf("RATE_PER_MIN must not be negative, got %d", c.RatePerMin)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "LOG_LEVEL")
	}
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	return nil
}

func (c *Config) DetectorConfig() detections.Config {
	return detections.Config{
		ModelPath:      c.ModelPath,
		LibraryPath:    c.LibraryPath,
		LabelsPath:     c.LabelsPath,
		Device:         c.Device,
		PoolSize:       c.PoolSize,
		AcquireTimeout: c.AcquireTimeout,
	}
}
