package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Listen address of the local control API.
	Addr string
	// Identity of this agent instance on the relay.
	TenantID    string
	UserID      string
	UserName    string
	AvatarURL   string
	RelayURL    string
	PollURL     string
	DatabaseURL string
	// Durable key-value storage. Redis is used when RedisURL is set,
	// otherwise a local SQLite file.
	RedisURL   string
	SQLitePath string
	// Object storage for captured photos.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Comment search
	MeiliURL       string
	MeiliMasterKey string
	// SMTP configuration for emergency alerts
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Comma-separated list of emergency alert recipients.
	AlertRecipients []string
	// Upload authentication
	SyncAPIURL  string
	SyncSecret  string
	SyncTokenTTL time.Duration
	// Offline queue
	QueueCapacity int
	SyncInterval  time.Duration
	AutoSyncDelay time.Duration
	// Device capabilities
	CameraDir     string
	Position      string
	ProbeInterval time.Duration
}

func Load() Config {
	return Config{
		Addr:        getenv("FIELDLINE_ADDR", "127.0.0.1:8780"),
		TenantID:    getenv("FIELDLINE_TENANT_ID", "default"),
		UserID:      getenv("FIELDLINE_USER_ID", ""),
		UserName:    getenv("FIELDLINE_USER_NAME", "field-agent"),
		AvatarURL:   getenv("FIELDLINE_AVATAR_URL", ""),
		RelayURL:    getenv("FIELDLINE_RELAY_URL", "ws://localhost:8790/relay"),
		PollURL:     getenv("FIELDLINE_POLL_URL", "http://localhost:8790/poll"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", ""),
		SQLitePath:  getenv("FIELDLINE_SQLITE_PATH", "./data/fieldline.db"),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "fieldline-captures"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		// SMTP - empty by default, alerts disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Fieldline"),

		AlertRecipients: getenvList("FIELDLINE_ALERT_RECIPIENTS"),

		SyncAPIURL:   getenv("FIELDLINE_SYNC_API_URL", "http://localhost:8791/sync"),
		SyncSecret:   getenv("FIELDLINE_SYNC_SECRET", "fieldline-dev-secret"),
		SyncTokenTTL: time.Duration(getenvInt("FIELDLINE_SYNC_TOKEN_TTL_SECONDS", 900)) * time.Second,

		QueueCapacity: getenvInt("FIELDLINE_QUEUE_CAPACITY", 1000),
		SyncInterval:  time.Duration(getenvInt("FIELDLINE_SYNC_INTERVAL_SECONDS", 300)) * time.Second,
		AutoSyncDelay: time.Duration(getenvInt("FIELDLINE_AUTO_SYNC_DELAY_MS", 1000)) * time.Millisecond,

		CameraDir:     getenv("FIELDLINE_CAMERA_DIR", "./data/camera"),
		Position:      getenv("FIELDLINE_POSITION", ""),
		ProbeInterval: time.Duration(getenvInt("FIELDLINE_PROBE_INTERVAL_SECONDS", 15)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
