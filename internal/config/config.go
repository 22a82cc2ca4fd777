package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Config struct {
	HTTPPort        int
	SMTPPort        int
	DBPath          string
	SMTPAuthEnabled bool
	SMTPUsername    string
	// SMTPPassword may be a bcrypt hash.
	SMTPPassword    string
	MaxMessageBytes int64

	RelayAddr     string
	RelayUsername string
	RelayPassword string
	RelayRate     float64
	RelayBurst    int

	JWTSecret   string
	CORSOrigins []string

	LogLevel  string
	LogFormat string

	RetentionCron   string
	RetentionPeriod time.Duration
}

func Load() Config {
	return Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 3025),
		SMTPPort:        getEnvInt("SMTP_PORT", 2025),
		DBPath:          getEnvString("DB_PATH", "listrelay.db"),
		SMTPAuthEnabled: getEnvBool("SMTP_AUTH_ENABLED", false),
		SMTPUsername:    getEnvString("SMTP_USERNAME", "listrelay"),
		SMTPPassword:    getEnvString("SMTP_PASSWORD", ""),
		MaxMessageBytes: getEnvBytes("MAX_MESSAGE_SIZE", 25*humanize.MByte),

		RelayAddr:     getEnvString("RELAY_ADDR", ""),
		RelayUsername: getEnvString("RELAY_USERNAME", ""),
		RelayPassword: getEnvString("RELAY_PASSWORD", ""),
		RelayRate:     getEnvFloat("RELAY_RATE", 0),
		RelayBurst:    getEnvInt("RELAY_BURST", 1),

		JWTSecret:   getEnvString("JWT_SECRET", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "text"),

		RetentionCron:   getEnvString("RETENTION_CRON", "0 3 * * *"),
		RetentionPeriod: getEnvDuration("RETENTION_PERIOD", 720*time.Hour),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// getEnvBytes accepts human sizes such as "25MB" or "512 KiB".
func getEnvBytes(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := humanize.ParseBytes(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return int64(parsed)
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := getEnvString(key, "")
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
