package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Generation  GenerationConfig          `json:"generation"`
	Sandbox     SandboxConfig             `json:"sandbox"`
	Firebase    FirebaseConfig            `json:"firebase"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	LogLevel          string   `json:"log_level"`
	LogPretty         bool     `json:"log_pretty"`
	AllowedOrigins    []string `json:"allowed_origins"`
	TokenTTLHours     int      `json:"token_ttl_hours"`
	TokenPurgeSpec    string   `json:"token_purge_spec"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// GenerationConfig drives the project generation worker.
type GenerationConfig struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	SystemPrompt       string  `json:"system_prompt"`
	ProjectTitle       string  `json:"project_title"`
	ProjectDescription string  `json:"project_description"`
	RatePerMinute      float64 `json:"rate_per_minute"`
	Burst              int     `json:"burst"`
}

type SandboxConfig struct {
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	RatePerMinute  float64 `json:"rate_per_minute"`
	Burst          int     `json:"burst"`
}

type FirebaseConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsPath string `json:"credentials_path"`
}

const DefaultSystemPrompt = "You are a senior software engineer who generates complete, runnable projects. " +
	"Answer with the full project: a short overview, the file tree, then every file in a fenced code block " +
	"headed by its path. When the user asks for changes, return the whole updated project, not a diff."

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so provider keys
// can stay out of the JSON file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration the server cannot start without.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("databases must be configured")
	}
	if c.Generation.Provider == "" {
		return fmt.Errorf("generation.provider must be configured")
	}
	if _, ok := c.Providers[c.Generation.Provider]; !ok {
		return fmt.Errorf("generation provider %q has no providers entry", c.Generation.Provider)
	}
	if c.Firebase.Enabled && c.Firebase.CredentialsPath == "" {
		return fmt.Errorf("firebase.credentials_path is required when firebase is enabled")
	}
	return nil
}

var providerKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

func (c *Config) applyEnv() {
	c.BasicConfig.ServerAddress = getEnv("DEVSUITE_ADDR", c.BasicConfig.ServerAddress)
	c.BasicConfig.LogLevel = getEnv("LOG_LEVEL", c.BasicConfig.LogLevel)
	c.Generation.Provider = getEnv("GENERATION_PROVIDER", c.Generation.Provider)
	c.Generation.Model = getEnv("GENERATION_MODEL", c.Generation.Model)
	c.Sandbox.BaseURL = getEnv("SANDBOX_BASE_URL", c.Sandbox.BaseURL)
	c.Sandbox.APIKey = getEnv("SANDBOX_API_KEY", c.Sandbox.APIKey)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	for name, prov := range c.Providers {
		if envKey, ok := providerKeyEnv[name]; ok {
			prov.APIKey = getEnv(envKey, prov.APIKey)
			c.Providers[name] = prov
		}
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.LogLevel == "" {
		c.BasicConfig.LogLevel = "info"
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 24
	}
	if c.BasicConfig.TokenPurgeSpec == "" {
		c.BasicConfig.TokenPurgeSpec = "@every 1h"
	}
	if c.Generation.SystemPrompt == "" {
		c.Generation.SystemPrompt = DefaultSystemPrompt
	}
	if c.Generation.ProjectTitle == "" {
		c.Generation.ProjectTitle = "Untitled Project"
	}
	if c.Generation.ProjectDescription == "" {
		c.Generation.ProjectDescription = "Generated project"
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		c.Sandbox.TimeoutSeconds = 15
	}
}

func (c *Config) resolvePaths(baseDir string) {
	for name, db := range c.Databases {
		if !strings.HasPrefix(strings.ToLower(name), "sqlite") {
			continue
		}
		dsn := db.DSN
		if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || filepath.IsAbs(dsn) {
			continue
		}
		db.DSN = filepath.Join(baseDir, dsn)
		c.Databases[name] = db
	}
	if c.Firebase.CredentialsPath != "" && !filepath.IsAbs(c.Firebase.CredentialsPath) {
		c.Firebase.CredentialsPath = filepath.Join(baseDir, c.Firebase.CredentialsPath)
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
