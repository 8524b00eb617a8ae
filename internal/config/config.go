// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	HealthGRPCPort  string // "" disables the gRPC health server
	DBPath          string
	CORSOrigins     []string
	MetricsEnabled  bool
	LLM             LLMConfig
	Tutor           TutorConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	Provider           string // "openai" or "bedrock"
	Model              string
	BaseURL            string // OpenAI-compatible endpoint override
	APIKey             string
	AWSRegion          string
	AWSProfile         string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ReplyTimeout       time.Duration
	SummaryTimeout     time.Duration
	ReplyTemperature   float64
	SummaryTemperature float64
	MaxTokens          int
}

// TutorConfig controls session handling and prompts.
type TutorConfig struct {
	HistoryLimit      int
	IdleTimeout       time.Duration // 0 disables the idle sweeper
	IdleSweepInterval time.Duration
	Timezone          string
	ReplyPromptPath   string
	SummaryPromptPath string
}

// RateLimitConfig bounds message sends per profile.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:           "8080",
		HealthGRPCPort: "9090",
		DBPath:         "./data/tutor.db",
		CORSOrigins:    []string{"*"},
		MetricsEnabled: true,
		LLM: LLMConfig{
			Provider:           "openai",
			Model:              "gpt-4o-mini",
			AWSRegion:          "us-east-1",
			ReplyTimeout:       30 * time.Second,
			SummaryTimeout:     60 * time.Second,
			ReplyTemperature:   0.7,
			SummaryTemperature: 0.2,
			MaxTokens:          1000,
		},
		Tutor: TutorConfig{
			HistoryLimit:      10,
			IdleTimeout:       2 * time.Hour,
			IdleSweepInterval: 5 * time.Minute,
			Timezone:          "Asia/Kolkata",
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 30,
			WindowDuration:    time.Minute,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       true,
			Dir:           "./data/logs/conversations",
			GlobalEnabled: false,
			GlobalPath:    "./data/logs/conversations/all.ndjson",
			QueueSize:     1000,
		},
	}
}

// Load reads configuration from the optional TOML file named by
// TUTOR_CONFIG_FILE and then from environment variables, which win.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnv("TUTOR_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.HealthGRPCPort = getEnv("HEALTH_GRPC_PORT", c.HealthGRPCPort)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)

	c.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLM.Provider))
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.AWSRegion = getEnv("AWS_REGION", c.LLM.AWSRegion)
	c.LLM.AWSProfile = getEnv("AWS_PROFILE", c.LLM.AWSProfile)
	c.LLM.AWSAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", c.LLM.AWSAccessKeyID)
	c.LLM.AWSSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", c.LLM.AWSSecretAccessKey)
	c.LLM.ReplyTimeout = getEnvDuration("LLM_REPLY_TIMEOUT", c.LLM.ReplyTimeout)
	c.LLM.SummaryTimeout = getEnvDuration("LLM_SUMMARY_TIMEOUT", c.LLM.SummaryTimeout)
	c.LLM.ReplyTemperature = getEnvFloat("LLM_REPLY_TEMPERATURE", c.LLM.ReplyTemperature)
	c.LLM.SummaryTemperature = getEnvFloat("LLM_SUMMARY_TEMPERATURE", c.LLM.SummaryTemperature)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)

	c.Tutor.HistoryLimit = getEnvInt("TUTOR_HISTORY_LIMIT", c.Tutor.HistoryLimit)
	c.Tutor.IdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", c.Tutor.IdleTimeout)
	c.Tutor.IdleSweepInterval = getEnvDuration("SESSION_IDLE_SWEEP_INTERVAL", c.Tutor.IdleSweepInterval)
	c.Tutor.Timezone = getEnv("TUTOR_TIMEZONE", c.Tutor.Timezone)
	c.Tutor.ReplyPromptPath = getEnv("TUTOR_REPLY_PROMPT", c.Tutor.ReplyPromptPath)
	c.Tutor.SummaryPromptPath = getEnv("TUTOR_SUMMARY_PROMPT", c.Tutor.SummaryPromptPath)

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.LLM.Provider {
	case "openai", "bedrock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or bedrock, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.ReplyTimeout <= 0 || c.LLM.SummaryTimeout <= 0 {
		return fmt.Errorf("LLM timeouts must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Tutor.HistoryLimit <= 0 {
		return fmt.Errorf("TUTOR_HISTORY_LIMIT must be > 0")
	}
	if c.Tutor.IdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT cannot be negative")
	}
	if c.Tutor.IdleTimeout > 0 && c.Tutor.IdleSweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate limit requests and window must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
