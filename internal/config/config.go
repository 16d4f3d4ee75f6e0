package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port   string
	DBPath string

	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	PromptsPath string

	LogDir   string
	LogLevel string

	TwilioAuthToken string
	PublicBaseURL   string

	MaxTurns int
}

const (
	defaultBaseURL  = "https://openrouter.ai/api/v1"
	defaultModel    = "qwen/qwen3-30b-a3b-instruct-2507"
	defaultMaxTurns = 15
)

// Load reads all required environment variables. Fails fast if any are missing.
func Load() (*Config, error) {
	maxTurns := defaultMaxTurns
	if v := os.Getenv("MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_TURNS %q: must be a positive integer", v)
		}
		maxTurns = n
	}

	c := &Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "data/skycredit.sqlite"),
		LLMAPIKey:       os.Getenv("OPENROUTER_API_KEY"),
		LLMBaseURL:      getEnv("LLM_BASE_URL", defaultBaseURL),
		LLMModel:        getEnv("LLM_MODEL", defaultModel),
		PromptsPath:     os.Getenv("PROMPTS_PATH"),
		LogDir:          getEnv("LOG_DIR", "logs"),
		LogLevel:        getEnv("LOG_LEVEL", "debug"),
		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:   os.Getenv("PUBLIC_BASE_URL"),
		MaxTurns:        maxTurns,
	}

	required := map[string]string{
		"OPENROUTER_API_KEY": c.LLMAPIKey,
	}

	for key, val := range required {
		if val == "" {
			return nil, fmt.Errorf("missing required environment variable: %s", key)
		}
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
