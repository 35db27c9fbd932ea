package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	HTTPPort    string
	LogLevel    string
	LogFilePath string

	DatabaseURL         string
	ConversationBackend string // "sqlite" or "redis"
	RedisURL            string
	RedisSessionTTL     time.Duration

	GeneratorProvider string // "gemini" or "ollama"
	GeminiAPIKey      string
	ChatModel         string
	AnalysisModel     string
	OllamaHost        string
	OllamaModel       string

	SearchAPIURL         string
	SearchAPIToken       string
	SearchTimeout        time.Duration
	SectionTimeout       time.Duration
	HealthTimeout        time.Duration
	SearchRetries        int
	SearchCacheTTL       time.Duration
	SectionCacheTTL      time.Duration
	CacheCleanupInterval time.Duration

	DefaultLanguage   string
	GatherTarget      int
	TopicWeight       float64
	BroadenBelow      int
	HistoryWindow     int
	CitedPassageLimit int

	GenerationMaxTokens   int
	GenerationTemperature float64
	GenerationTimeout     time.Duration
	AnalysisTimeout       time.Duration
	StoreTimeout          time.Duration
}

// Load reads .env (if present) and the process environment.
// It reports whether a .env file was found so the caller can log it.
func Load() (*Config, bool, error) {
	envFileLoaded := godotenv.Load() == nil

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFilePath: getEnv("LOG_FILE_PATH", "assistant.log"),

		DatabaseURL:         getEnv("DATABASE_URL", "quran_assistant.db"),
		ConversationBackend: strings.ToLower(getEnv("CONVERSATION_BACKEND", "sqlite")),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisSessionTTL:     getEnvAsDuration("REDIS_SESSION_TTL", 30*24*time.Hour),

		GeneratorProvider: strings.ToLower(getEnv("GENERATOR_PROVIDER", "gemini")),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		ChatModel:         getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		AnalysisModel:     getEnv("ANALYSIS_MODEL", "gemini-1.5-flash-latest"),
		OllamaHost:        getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3"),

		SearchAPIURL:         strings.TrimRight(getEnv("SEARCH_API_URL", ""), "/"),
		SearchAPIToken:       getEnv("SEARCH_API_TOKEN", ""),
		SearchTimeout:        getEnvAsDuration("SEARCH_TIMEOUT", 10*time.Second),
		SectionTimeout:       getEnvAsDuration("SECTION_TIMEOUT", 15*time.Second),
		HealthTimeout:        getEnvAsDuration("HEALTH_TIMEOUT", 5*time.Second),
		SearchRetries:        getEnvAsInt("SEARCH_RETRIES", 1),
		SearchCacheTTL:       getEnvAsDuration("SEARCH_CACHE_TTL", 5*time.Minute),
		SectionCacheTTL:      getEnvAsDuration("SECTION_CACHE_TTL", time.Hour),
		CacheCleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),

		DefaultLanguage:   getEnv("DEFAULT_LANGUAGE", "ru"),
		GatherTarget:      getEnvAsInt("GATHER_TARGET", 10),
		TopicWeight:       getEnvAsFloat("TOPIC_WEIGHT", 0.8),
		BroadenBelow:      getEnvAsInt("BROADEN_BELOW", 5),
		HistoryWindow:     getEnvAsInt("HISTORY_WINDOW", 5),
		CitedPassageLimit: getEnvAsInt("CITED_PASSAGE_LIMIT", 5),

		GenerationMaxTokens:   getEnvAsInt("GENERATION_MAX_TOKENS", 2048),
		GenerationTemperature: getEnvAsFloat("GENERATION_TEMPERATURE", 0.7),
		GenerationTimeout:     getEnvAsDuration("GENERATION_TIMEOUT", 60*time.Second),
		AnalysisTimeout:       getEnvAsDuration("ANALYSIS_TIMEOUT", 15*time.Second),
		StoreTimeout:          getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
	}

	return cfg, envFileLoaded, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.GeneratorProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY environment variable is required"))
		}
	case "ollama":
	default:
		errs = append(errs, errors.New("GENERATOR_PROVIDER must be gemini or ollama"))
	}
	switch c.ConversationBackend {
	case "sqlite", "redis":
	default:
		errs = append(errs, errors.New("CONVERSATION_BACKEND must be sqlite or redis"))
	}
	if c.SearchAPIURL == "" {
		errs = append(errs, errors.New("SEARCH_API_URL environment variable is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
