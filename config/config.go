// Package config loads the service configuration: config.yaml first, then a
// local .env file and CARPRICE_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Schema   SchemaConfig   `yaml:"schema"`
	Cache    CacheConfig    `yaml:"cache"`
	Explain  ExplainConfig  `yaml:"explain"`
	Events   EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" env:"CARPRICE_PORT"`
	Timeout        time.Duration `yaml:"timeout" env:"CARPRICE_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"CARPRICE_ALLOWED_ORIGINS" envSeparator:","`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      float64       `yaml:"rate_limit" env:"CARPRICE_RATE_LIMIT"`
	RateBurst      int           `yaml:"rate_burst"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"CARPRICE_LOG_LEVEL"`
	File       string `yaml:"file" env:"CARPRICE_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"CARPRICE_DB_PATH"`
}

type ModelConfig struct {
	// URI is either models:/<name>/<version|latest> or a path to a model artifact.
	URI string `yaml:"uri" env:"CARPRICE_MODEL_URI"`
	// EncoderPath overrides the encoder artifact registered with the model.
	EncoderPath string `yaml:"encoder_path" env:"CARPRICE_ENCODER_PATH"`
}

type SchemaConfig struct {
	UnknownPolicy string             `yaml:"unknown_policy" env:"CARPRICE_UNKNOWN_POLICY"`
	Columns       []string           `yaml:"columns"`
	Numeric       []string           `yaml:"numeric"`
	Categorical   []CategoricalField `yaml:"categorical"`
}

type CategoricalField struct {
	Name   string   `yaml:"name"`
	Labels []string `yaml:"labels"`
	// FromEncoder takes the vocabulary from the model's encoder artifact
	// when one is available; Labels is the fallback.
	FromEncoder bool   `yaml:"from_encoder"`
	Encoding    string `yaml:"encoding"`
	// Metadata is "mapping" (label -> code object) or "labels" (list).
	Metadata string `yaml:"metadata"`
}

type CacheConfig struct {
	Size int `yaml:"size" env:"CARPRICE_CACHE_SIZE"`
}

type ExplainConfig struct {
	Samples    int        `yaml:"samples"`
	Seed       int64      `yaml:"seed"`
	OutputDir  string     `yaml:"output_dir" env:"CARPRICE_PLOT_DIR"`
	Language   string     `yaml:"language"`
	Background Background `yaml:"background"`
}

// Background is the reference car attributions are measured against.
type Background struct {
	Year         int    `yaml:"year"`
	KmDriven     int    `yaml:"km_driven"`
	Fuel         string `yaml:"fuel"`
	Transmission string `yaml:"transmission"`
	Brand        string `yaml:"brand"`
	Owner        string `yaml:"owner"`
	SellerType   string `yaml:"seller_type"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 16,
			RateLimit:      50,
			RateBurst:      100,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Database: DatabaseConfig{Path: "data/carprice.db"},
		Schema: SchemaConfig{
			UnknownPolicy: "reject",
			Columns:       []string{"year", "km_driven", "fuel", "seller_type", "transmission", "owner", "brand"},
			Numeric:       []string{"year", "km_driven"},
			Categorical: []CategoricalField{
				{Name: "fuel", Labels: []string{"Diesel", "Petrol", "LPG", "CNG", "Electric"}, Metadata: "mapping"},
				{Name: "seller_type", Labels: []string{"Dealer", "Individual", "Trustmark Dealer"}, Metadata: "labels"},
				{Name: "transmission", Labels: []string{"Automatic", "Manual"}, Metadata: "mapping"},
				{Name: "owner", Labels: []string{"First Owner", "Second Owner", "Third Owner", "Fourth & Above Owner", "Test Drive Car"}, Metadata: "labels"},
				{Name: "brand", Labels: []string{"Hyundai", "Maruti", "Ford", "Toyota"}, FromEncoder: true, Metadata: "labels"},
			},
		},
		Cache: CacheConfig{Size: 1024},
		Explain: ExplainConfig{
			Samples:   2048,
			Seed:      42,
			OutputDir: "plots",
			Language:  "en",
			Background: Background{
				Year:         2010,
				KmDriven:     50000,
				Fuel:         "Petrol",
				Transmission: "Manual",
				Brand:        "Hyundai",
				Owner:        "First Owner",
				SellerType:   "Dealer",
			},
		},
		Events: EventsConfig{Buffer: 256},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return errors.New("server.timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Model.URI == "" {
		return errors.New("model.uri is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Schema.UnknownPolicy {
	case "reject", "sentinel":
	default:
		return fmt.Errorf("schema.unknown_policy %q is not one of reject, sentinel", c.Schema.UnknownPolicy)
	}
	if len(c.Schema.Columns) == 0 {
		return errors.New("schema.columns is empty")
	}
	for _, field := range c.Schema.Categorical {
		if field.Name == "" {
			return errors.New("schema.categorical entry without name")
		}
		if len(field.Labels) == 0 && !field.FromEncoder {
			return fmt.Errorf("schema.categorical %s has no labels", field.Name)
		}
		switch field.Metadata {
		case "", "mapping", "labels":
		default:
			return fmt.Errorf("schema.categorical %s: metadata %q is not one of mapping, labels", field.Name, field.Metadata)
		}
	}
	if c.Cache.Size < 0 {
		return errors.New("cache.size must not be negative")
	}
	if c.Explain.Samples <= 0 {
		return errors.New("explain.samples must be positive")
	}
	return nil
}
