package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aprilaire-go-home/internal/entity"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"` // "auto" browses mDNS
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Units        string `yaml:"units"`
	ScriptsDir   string `yaml:"scripts_dir"`
	ServicesFile string `yaml:"services_file"`
	SetupTimeout string `yaml:"setup_timeout"`
	ReadyTimeout string `yaml:"ready_timeout"`
}

// envOverrides maps environment variables onto config fields. They win over
// the YAML file so secrets can stay out of it.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"APRILAIRE_WEB_LISTEN":    &c.Web.Listen,
		"APRILAIRE_WEB_API_KEY":   &c.Web.APIKey,
		"APRILAIRE_STORE_PATH":    &c.Store.Path,
		"APRILAIRE_MQTT_BROKER":   &c.MQTT.Broker,
		"APRILAIRE_MQTT_USERNAME": &c.MQTT.Username,
		"APRILAIRE_MQTT_PASSWORD": &c.MQTT.Password,
		"APRILAIRE_LOG_LEVEL":     &c.Log.Level,
		"APRILAIRE_LOG_FORMAT":    &c.Log.Format,
	}
}

func (c *Config) applyEnv() {
	for key, field := range c.envOverrides() {
		if v, ok := os.LookupEnv(key); ok {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "aprilaire-home.db"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aprilaire"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Units == "" {
		c.Units = "C"
	}
	if c.SetupTimeout == "" {
		c.SetupTimeout = "30s"
	}
	if c.ReadyTimeout == "" {
		c.ReadyTimeout = "30s"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Units) {
	case "c", "f", "celsius", "fahrenheit":
	default:
		return fmt.Errorf("units must be C or F, got %q", c.Units)
	}
	if c.MQTT.Enabled && strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must not be negative")
	}
	for name, v := range map[string]string{"setup_timeout": c.SetupTimeout, "ready_timeout": c.ReadyTimeout} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func (c *Config) units() entity.Units { return entity.ParseUnits(c.Units) }

func (c *Config) setupTimeout() time.Duration {
	d, _ := time.ParseDuration(c.SetupTimeout)
	return d
}

func (c *Config) readyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.ReadyTimeout)
	return d
}

// loadConfig reads the YAML file at path. A missing file is only an error
// when required is set; otherwise defaults are used. Environment overrides
// are applied after the file, defaults last.
func loadConfig(path string, required bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is ignored.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
