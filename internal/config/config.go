package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	NATSURL  string

	WorkerID          int
	HeartbeatInterval time.Duration
	ResumeWindow      time.Duration
	RateLimitPerSec   float64
	RateBurst         int

	AdminToken string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("CONCORD_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("CONCORD_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("CONCORD_DB_PATH", filepath.Join(dataDir, "concord.db")),
		NATSURL:  getEnv("CONCORD_NATS_URL", "nats://127.0.0.1:4222"),

		WorkerID:          getEnvInt("CONCORD_WORKER_ID", 0),
		HeartbeatInterval: getEnvDuration("CONCORD_HEARTBEAT_INTERVAL", 30*time.Second),
		ResumeWindow:      getEnvDuration("CONCORD_RESUME_WINDOW", 2*time.Minute),
		RateLimitPerSec:   getEnvFloat("CONCORD_RATE_LIMIT_PER_SEC", 10),
		RateBurst:         getEnvInt("CONCORD_RATE_BURST", 20),

		AdminToken: getEnv("CONCORD_ADMIN_TOKEN", ""),
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
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
