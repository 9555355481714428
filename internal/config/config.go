package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	OpenAIAPIKey         string
	RealtimeBaseURL      string
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeInstructions string

	// SessionHardLimit is the upstream platform's connection lifetime cap.
	// Rotation margins are subtracted from it, so warning and handoff must
	// both fit inside the hard limit.
	SessionHardLimit     time.Duration
	SessionWarningMargin time.Duration
	SessionHandoffMargin time.Duration
	SessionCapacity      int

	ToolExecutorMode  string
	ToolExecutorURL   string
	ToolTimeout       time.Duration
	ToolMaxConcurrent int
	ToolOutputLimit   int

	ResumeContextTurns int

	DatabaseURL string
}

const defaultInstructions = "You are a voice assistant backed by specialist agents. " +
	"Talk quickly and be extremely succinct. When the user asks you to do something, " +
	"delegate the work through your tools and summarize the result conversationally."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		AllowAnyOrigin:       false,
		OpenAIAPIKey:         envTrimmed("OPENAI_API_KEY"),
		RealtimeBaseURL:      envOrDefault("REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		RealtimeModel:        envOrDefault("REALTIME_MODEL", "gpt-realtime"),
		RealtimeVoice:        envOrDefault("REALTIME_VOICE", "marin"),
		RealtimeInstructions: envOrDefault("REALTIME_INSTRUCTIONS", defaultInstructions),
		// Stay under the upstream 60 minute connection cap with room to rotate.
		SessionHardLimit:     55 * time.Minute,
		SessionWarningMargin: 5 * time.Minute,
		SessionHandoffMargin: 1 * time.Minute,
		SessionCapacity:      32,
		ToolExecutorMode:     envOrDefault("TOOL_EXECUTOR_MODE", "auto"),
		ToolExecutorURL:      envTrimmed("TOOL_EXECUTOR_URL"),
		ToolTimeout:          30 * time.Second,
		ToolMaxConcurrent:    5,
		ToolOutputLimit:      16 << 10,
		ResumeContextTurns:   10,
		DatabaseURL:          envTrimmed("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionHardLimit, err = durationFromEnv("SESSION_HARD_LIMIT", cfg.SessionHardLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionWarningMargin, err = durationFromEnv("SESSION_WARNING_MARGIN", cfg.SessionWarningMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionHandoffMargin, err = durationFromEnv("SESSION_HANDOFF_MARGIN", cfg.SessionHandoffMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCapacity, err = intFromEnv("SESSION_CAPACITY", cfg.SessionCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolMaxConcurrent, err = intFromEnv("TOOL_MAX_CONCURRENT", cfg.ToolMaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolOutputLimit, err = intFromEnv("TOOL_OUTPUT_LIMIT", cfg.ToolOutputLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ResumeContextTurns, err = intFromEnv("RESUME_CONTEXT_TURNS", cfg.ResumeContextTurns)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionCapacity <= 0 {
		return Config{}, fmt.Errorf("SESSION_CAPACITY must be positive")
	}
	if cfg.SessionHardLimit < time.Minute {
		return Config{}, fmt.Errorf("SESSION_HARD_LIMIT must be at least 1m")
	}
	if cfg.SessionWarningMargin <= cfg.SessionHandoffMargin {
		return Config{}, fmt.Errorf("SESSION_WARNING_MARGIN must exceed SESSION_HANDOFF_MARGIN")
	}
	if cfg.SessionWarningMargin >= cfg.SessionHardLimit {
		return Config{}, fmt.Errorf("SESSION_WARNING_MARGIN must be smaller than SESSION_HARD_LIMIT")
	}
	if cfg.ToolTimeout < time.Second {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be at least 1s")
	}
	if cfg.ToolMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("TOOL_MAX_CONCURRENT must be positive")
	}
	if cfg.ToolOutputLimit < 1024 {
		return Config{}, fmt.Errorf("TOOL_OUTPUT_LIMIT must be at least 1024")
	}
	if cfg.ResumeContextTurns <= 0 {
		return Config{}, fmt.Errorf("RESUME_CONTEXT_TURNS must be positive")
	}

	return cfg, nil
}

// WarningAfter returns how long after connection start the rotation warning fires.
func (c Config) WarningAfter() time.Duration {
	return c.SessionHardLimit - c.SessionWarningMargin
}

// HandoffAfter returns how long after connection start the rotation handoff fires.
func (c Config) HandoffAfter() time.Duration {
	return c.SessionHardLimit - c.SessionHandoffMargin
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
