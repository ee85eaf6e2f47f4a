package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	AuthRequired   bool
	LogLevel       string
	Redis          RedisConfig
	Relay          RelayConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// How long presence keys survive without being refreshed.
	PresenceTTL time.Duration
}

type RelayConfig struct {
	MaxMessagesPerSecond int
	MaxMessageBytes      int64
	PingInterval         time.Duration
}

// Load reads the server configuration from the environment. A .env file in
// the working directory is loaded first but never overrides set variables.
func Load() *Config {
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		AuthRequired:   getEnvBool("AUTH_REQUIRED", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PresenceTTL: getEnvDuration("PRESENCE_TTL", 24*time.Hour),
		},
		Relay: RelayConfig{
			MaxMessagesPerSecond: getEnvInt("MAX_SIGNALING_MESSAGES_PER_SECOND", 50),
			MaxMessageBytes:      int64(getEnvInt("MAX_SIGNALING_MESSAGE_BYTES", 64*1024)),
			PingInterval:         getEnvDuration("SIGNALING_PING_INTERVAL", 54*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
