package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	Environment string `yaml:"environment"` // development | production
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AgentHost   string `yaml:"agentHost"`
	AgentSecret string `yaml:"agentSecret"`

	GithubAPIBaseURL string `yaml:"githubAPIBaseURL"`
	TemplateDir      string `yaml:"templateDir"`

	DeployServiceURL string `yaml:"deployServiceURL"`
	DeploySecret     string `yaml:"deploySecret"`

	JWKSURL        string `yaml:"jwksURL"`
	TokenIssuer    string `yaml:"tokenIssuer"`
	TokenAudience  string `yaml:"tokenAudience"`
	TokenLeewaySec int    `yaml:"tokenLeewaySeconds"`

	DailyMessageLimit    int            `yaml:"dailyMessageLimit"`
	DailyLimitOverrides  map[string]int `yaml:"dailyLimitOverrides"`
	MaxActiveConnections int            `yaml:"maxActiveConnections"`

	IPRateLimit     int `yaml:"ipRateLimit"`
	IPRateWindowSec int `yaml:"ipRateWindowSeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
}

// TokenLeeway returns the configured clock-skew allowance.
func (c FileConfig) TokenLeeway() time.Duration {
	return time.Duration(c.TokenLeewaySec) * time.Second
}

// IPRateWindow returns the per-IP burst window.
func (c FileConfig) IPRateWindow() time.Duration {
	return time.Duration(c.IPRateWindowSec) * time.Second
}

// IsDevelopment reports whether the process runs in development mode.
func (c FileConfig) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AGENT_HOST"); v != "" {
		cfg.AgentHost = v
	}
	if v := os.Getenv("AGENT_SECRET"); v != "" {
		cfg.AgentSecret = v
	}
	if v := os.Getenv("DEPLOY_SERVICE_URL"); v != "" {
		cfg.DeployServiceURL = v
	}
	if v := os.Getenv("DEPLOY_SECRET"); v != "" {
		cfg.DeploySecret = v
	}
	if v := os.Getenv("JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("DAILY_MESSAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DailyMessageLimit = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.AgentHost == "" {
		return errors.New("config: agentHost is required (set in config.yaml or AGENT_HOST)")
	}
	if cfg.AgentSecret == "" {
		return errors.New("config: agentSecret is required (set in config.yaml or AGENT_SECRET)")
	}
	if cfg.DeployServiceURL == "" {
		return errors.New("config: deployServiceURL is required (set in config.yaml or DEPLOY_SERVICE_URL)")
	}
	if cfg.JWKSURL == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or JWKS_URL)")
	}
	return nil
}
