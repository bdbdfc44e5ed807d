package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	SyncLogCapacity       int
	MaxPacketEntities     int
	LogLevel              string
	LogEncoding           string
	LogFile               string
	BootstrapAdminUser    string
	BootstrapAdminPass    string
	BootstrapOrgID        string
	BootstrapOrgName      string
}

func Load() Config {
	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		SyncLogCapacity:       getEnvInt("SYNC_LOG_CAPACITY", 200, 50),
		MaxPacketEntities:     getEnvInt("MAX_PACKET_ENTITIES", 500, 1),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogEncoding:           strings.ToLower(getEnv("LOG_ENCODING", "json")),
		LogFile:               strings.TrimSpace(os.Getenv("LOG_FILE")),
		BootstrapAdminUser:    strings.TrimSpace(os.Getenv("BOOTSTRAP_SUPERADMIN_USERNAME")),
		BootstrapAdminPass:    os.Getenv("BOOTSTRAP_SUPERADMIN_PASSWORD"),
		BootstrapOrgID:        strings.TrimSpace(os.Getenv("BOOTSTRAP_ORGANIZATION_ID")),
		BootstrapOrgName:      getEnv("BOOTSTRAP_ORGANIZATION_NAME", "Main Store"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return fallback
	}
	return n
}
