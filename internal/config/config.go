package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds panel-wide settings. Values come from the YAML config
// file, overridden by command line flags.
type Config struct {
	Port                int    `yaml:"port"`
	BackendURL          string `yaml:"backend_url"`
	Token               string `yaml:"token"`
	DBPath              string `yaml:"db_path"`
	TemplatesDir        string `yaml:"templates_dir"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ConfigPath          string `yaml:"-"`
	PrintToken          bool   `yaml:"-"`
}

// PollInterval is the download status poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := defaults(homeDir)

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	flag.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "base URL of the cluster backend")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the sqlite database")
	flag.StringVar(&cfg.TemplatesDir, "templates", cfg.TemplatesDir, "directory holding job template files")
	flag.IntVar(&cfg.PollIntervalSeconds, "poll-interval", cfg.PollIntervalSeconds, "download status poll interval in seconds")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func defaults(homeDir string) *Config {
	base := filepath.Join(homeDir, ".config", "opspanel")
	return &Config{
		Port:                8765,
		BackendURL:          "http://127.0.0.1:9400",
		DBPath:              filepath.Join(base, "opspanel.db"),
		TemplatesDir:        filepath.Join(base, "templates"),
		PollIntervalSeconds: 2,
		ConfigPath:          filepath.Join(base, "config.yaml"),
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL must not be empty")
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 2
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
