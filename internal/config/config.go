package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
)

// minSecretLen guards against weak webhook secrets; HMAC-SHA256 with a
// short key is trivially brute-forceable.
const minSecretLen = 16

type Config struct {
	ListenAddr  string
	APIKeys     []string
	CORSOrigins []string

	WebhookSecret         string
	AllowedWebhookIPs     []string
	AllowUnsignedWebhooks bool

	MaxFileSize int64
	PresignTTL  time.Duration
	WorkerURL   string

	DBPath string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool
	PublicBaseURL    string

	JobTTL          time.Duration
	CleanupInterval time.Duration

	RateLimitRPS int

	PollInterval    time.Duration
	MaxPollAttempts int
}

func Load() (*Config, error) {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       getEnv("UPLOADGATE_LISTEN_ADDR", ":8080"),
		WorkerURL:        getEnv("UPLOADGATE_WORKER_URL", ""),
		DBPath:           getEnv("UPLOADGATE_DB_PATH", ""),
		StorageEndpoint:  getEnv("UPLOADGATE_STORAGE_ENDPOINT", ""),
		StorageAccessKey: getEnv("UPLOADGATE_STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getEnv("UPLOADGATE_STORAGE_SECRET_KEY", ""),
		StorageBucket:    getEnv("UPLOADGATE_STORAGE_BUCKET", ""),
		PublicBaseURL:    getEnv("UPLOADGATE_PUBLIC_BASE_URL", ""),
	}

	cfg.APIKeys = splitList(getEnv("UPLOADGATE_API_KEYS", ""))
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("UPLOADGATE_API_KEYS must not be empty")
	}

	cfg.WebhookSecret = getEnv("UPLOADGATE_WEBHOOK_SECRET", "")
	if len(cfg.WebhookSecret) < minSecretLen {
		return nil, fmt.Errorf("UPLOADGATE_WEBHOOK_SECRET must be at least %d characters", minSecretLen)
	}

	if cfg.StorageEndpoint == "" {
		return nil, errors.New("UPLOADGATE_STORAGE_ENDPOINT must not be empty")
	}
	if cfg.StorageBucket == "" {
		return nil, errors.New("UPLOADGATE_STORAGE_BUCKET must not be empty")
	}

	cfg.AllowedWebhookIPs = splitList(getEnv("UPLOADGATE_ALLOWED_WEBHOOK_IPS", ""))
	cfg.CORSOrigins = splitList(getEnv("UPLOADGATE_CORS_ORIGINS", ""))

	// Transitional flag while workers roll out payload signing.
	cfg.AllowUnsignedWebhooks = getEnv("UPLOADGATE_ALLOW_UNSIGNED_WEBHOOKS", "false") == "true"
	cfg.StorageUseSSL = getEnv("UPLOADGATE_STORAGE_USE_SSL", "true") == "true"

	var err error
	cfg.MaxFileSize, err = getEnvInt64("UPLOADGATE_MAX_FILE_SIZE", 20<<20)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, errors.New("UPLOADGATE_MAX_FILE_SIZE must be > 0")
	}

	presignSecs, err := getEnvInt("UPLOADGATE_PRESIGN_TTL_SECONDS", 3600)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_PRESIGN_TTL_SECONDS: %w", err)
	}
	if presignSecs <= 0 {
		return nil, errors.New("UPLOADGATE_PRESIGN_TTL_SECONDS must be > 0")
	}
	cfg.PresignTTL = time.Duration(presignSecs) * time.Second

	ttlHours, err := getEnvInt("UPLOADGATE_JOB_TTL_HOURS", 24)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_JOB_TTL_HOURS: %w", err)
	}
	cfg.JobTTL = time.Duration(ttlHours) * time.Hour

	cleanupMins, err := getEnvInt("UPLOADGATE_CLEANUP_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_CLEANUP_INTERVAL_MINUTES: %w", err)
	}
	cfg.CleanupInterval = time.Duration(cleanupMins) * time.Minute

	cfg.RateLimitRPS, err = getEnvInt("UPLOADGATE_RATE_LIMIT_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_RATE_LIMIT_RPS: %w", err)
	}

	pollMillis, err := getEnvInt("UPLOADGATE_POLL_INTERVAL_MS", 2000)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_POLL_INTERVAL_MS: %w", err)
	}
	if pollMillis <= 0 {
		return nil, errors.New("UPLOADGATE_POLL_INTERVAL_MS must be > 0")
	}
	cfg.PollInterval = time.Duration(pollMillis) * time.Millisecond

	cfg.MaxPollAttempts, err = getEnvInt("UPLOADGATE_MAX_POLL_ATTEMPTS", 60)
	if err != nil {
		return nil, fmt.Errorf("UPLOADGATE_MAX_POLL_ATTEMPTS: %w", err)
	}
	if cfg.MaxPollAttempts <= 0 {
		return nil, errors.New("UPLOADGATE_MAX_POLL_ATTEMPTS must be > 0")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
