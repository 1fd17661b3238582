package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultBackendURL = "http://localhost:8000"

// dockerOnlyHosts only resolve inside the compose network.
var dockerOnlyHosts = []string{"ai_backend", "host.docker.internal"}

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		Scheduler bool   `yaml:"scheduler"`
	} `yaml:"server"`
	Backend struct {
		InternalURL     string `yaml:"internal_url"`
		BrowserURL      string `yaml:"browser_url"`
		RunningInDocker bool   `yaml:"running_in_docker"`
		AppURL          string `yaml:"app_url"`
	} `yaml:"backend"`
	Polygon struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"polygon"`
	OpenAI struct {
		APIKey  string        `yaml:"api_key"`
		BaseURL string        `yaml:"base_url"`
		Model   string        `yaml:"model"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"openai"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Schedule struct {
		MoversCron string `yaml:"movers_cron"`
	} `yaml:"schedule"`
	Log struct {
		File       string `yaml:"file"`
		MaxSizeMB  int64  `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

// LoadConfig reads .env, then the optional YAML file at path, then applies
// environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("API_URL_INTERNAL")); v != "" {
		c.Backend.InternalURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXT_PUBLIC_API_URL_BROWSER")); v != "" {
		c.Backend.BrowserURL = v
	}
	if v := os.Getenv("RUNNING_IN_DOCKER"); v != "" {
		c.Backend.RunningInDocker = v == "true"
	}
	if v := firstEnv("APP_URL", "NEXT_PUBLIC_APP_URL"); v != "" {
		c.Backend.AppURL = v
	} else if v := os.Getenv("VERCEL_URL"); v != "" && c.Backend.AppURL == "" {
		c.Backend.AppURL = "https://" + v
	}

	if v := firstEnv("POLYGON_API_KEY", "NEXT_PUBLIC_POLYGON_API_KEY"); v != "" {
		c.Polygon.APIKey = v
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		c.Polygon.BaseURL = v
	}

	if v := firstEnv("OPENAI_API_KEY", "NEXT_PUBLIC_OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.OpenAI.Model = v
	}

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := os.Getenv("MOVERS_CRON"); v != "" {
		c.Schedule.MoversCron = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("LOG_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Log.MaxSizeMB = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Backend.AppURL == "" {
		c.Backend.AppURL = "http://localhost:3000"
	}
	if c.Polygon.BaseURL == "" {
		c.Polygon.BaseURL = defaultPolygonBaseURL
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = defaultInsightModel
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 60 * time.Second
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "profitpath.db"
	}
	if c.Schedule.MoversCron == "" {
		c.Schedule.MoversCron = "*/30 9-16 * * 1-5"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
}

// BackendURL picks the backend base URL:
//  1. the internal URL when running in docker;
//  2. a docker-only internal URL is skipped outside docker;
//  3. otherwise the browser URL, then the internal URL, then localhost.
func (c *Config) BackendURL() string {
	internal := strings.TrimSpace(c.Backend.InternalURL)
	browser := strings.TrimSpace(c.Backend.BrowserURL)

	if c.Backend.RunningInDocker && internal != "" {
		return strings.TrimRight(internal, "/")
	}

	dockerOnly := false
	for _, host := range dockerOnlyHosts {
		if internal != "" && strings.Contains(internal, host) {
			dockerOnly = true
			break
		}
	}
	if dockerOnly {
		internal = ""
	}

	switch {
	case browser != "":
		return strings.TrimRight(browser, "/")
	case internal != "":
		return strings.TrimRight(internal, "/")
	default:
		return defaultBackendURL
	}
}

// LogSummary prints the effective configuration with secrets masked.
func (c *Config) LogSummary() {
	log.Println("--- Configuration ---")
	log.Printf("Backend: %s (docker=%v)", c.BackendURL(), c.Backend.RunningInDocker)
	log.Printf("App URL: %s", c.Backend.AppURL)
	log.Printf("Polygon: %s key=%s", c.Polygon.BaseURL, maskSecret(c.Polygon.APIKey))
	log.Printf("OpenAI: model=%s key=%s", c.OpenAI.Model, maskSecret(c.OpenAI.APIKey))
	log.Printf("Database: %s", c.Database.SQLitePath)
	log.Println("---------------------")
}

func maskSecret(val string) string {
	if val == "" {
		return "(unset)"
	}
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
