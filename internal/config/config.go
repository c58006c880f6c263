package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Auth
	JWTSecret string

	// Secret encryption (32-byte hex key for AES-256-GCM)
	SecretEncryptionKey string

	// Session limits
	MaxSessionsPerUser int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	ConnectTimeout     time.Duration
}

func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "3000"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "postgres"),
		DBPassword:          getEnv("DB_PASSWORD", ""),
		DBName:              getEnv("DB_NAME", "shellgate"),
		DBSSLMode:           getEnv("DB_SSLMODE", "disable"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		SecretEncryptionKey: getEnv("SECRET_ENCRYPTION_KEY", ""),
		MaxSessionsPerUser:  getEnvInt("MAX_SESSIONS_PER_USER", 20),
		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:       getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		ConnectTimeout:      getEnvDuration("SSH_CONNECT_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
