package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// DiagnosisPrompt is the fixed instruction prompt sent with every image. The
// parser relies on the labeled sections it requests, so changing the section
// names is a breaking change for parser.Parse.
const DiagnosisPrompt = `You are an expert botanist and plant pathologist. Examine the attached plant
photo and diagnose the most probable disease, pest infestation or nutrient
deficiency visible in the image.

Answer with exactly these labeled sections, one per line:

Plant: <common name of the plant, or "unknown">
Disease: <name of the disease or problem, or "unknown">
Confidence: <high, medium, low, or a percentage>
Treatment: <clear, practical treatment and prevention advice>

Do not add any other sections or commentary.`

// Config holds all configuration for the plant diagnosis pipeline service.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Object storage configuration
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Server configuration
	Port string

	// LLM provider configuration
	LLMProvider  string
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string

	// Run limits
	RunDeadline time.Duration
	ListLimit   int
	CallTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "plantcare"),

		// Object storage defaults (empty endpoint means real AWS S3)
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// LLM defaults
		LLMProvider:  getEnv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o"),

		// The default run deadline is the hosting platform's 60s execution
		// limit minus a safety margin for listing and the final writes.
		RunDeadline: getDurationEnv("RUN_DEADLINE", 55*time.Second),
		ListLimit:   getIntEnv("LIST_LIMIT", 100),
		CallTimeout: getDurationEnv("CALL_TIMEOUT", 30*time.Second),
	}
}

// Validate checks that the configuration required to start is present.
// Credential values are opaque here; only presence is checked.
func (c *Config) Validate() error {
	if c.S3Bucket == "" {
		return errors.New("S3_BUCKET environment variable is required")
	}
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is required")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is required")
		}
	case "stub":
		// Deterministic local provider, no credentials needed.
	default:
		return errors.New("LLM_PROVIDER must be one of: gemini, openai, stub")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
