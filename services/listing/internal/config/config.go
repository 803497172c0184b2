package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read by the service and rentalctl.
// RENTALHUB_CONFIG overrides it.
var ConfigPath = envOr("RENTALHUB_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	EnvFile  string `yaml:"envFile"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	CacheTTL      string `yaml:"cacheTTL"`

	StorageDriver     string   `yaml:"storageDriver"`
	LocalStoragePath  string   `yaml:"localStoragePath"`
	MediaURL          string   `yaml:"mediaURL"`
	MinioEndpoint     string   `yaml:"minioEndpoint"`
	MinioAccessKey    string   `yaml:"minioAccessKey"`
	MinioSecretKey    string   `yaml:"minioSecretKey"`
	MinioBucket       string   `yaml:"minioBucket"`
	MinioUseSSL       bool     `yaml:"minioUseSSL"`
	MinioPublicURL    string   `yaml:"minioPublicURL"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTTTL      string `yaml:"jwtTTL"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins         []string `yaml:"corsAllowedOrigins"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	CreateRateLimitPerMinute   int      `yaml:"createRateLimitPerMinute"`

	EventsDriver      string `yaml:"eventsDriver"`
	AMQPURL           string `yaml:"amqpURL"`
	AMQPExchange      string `yaml:"amqpExchange"`
	NATSURL           string `yaml:"natsURL"`
	NATSSubjectPrefix string `yaml:"natsSubjectPrefix"`
	EventStream       string `yaml:"eventStream"`
	EventStreamMaxLen int64  `yaml:"eventStreamMaxLen"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`

	NotifyQueue   bool   `yaml:"notifyQueue"`
	NotifyStream  string `yaml:"notifyStream"`
	NotifyWorkers int    `yaml:"notifyWorkers"`

	OTLPEndpoint     string `yaml:"otlpEndpoint"`
	MetricsNamespace string `yaml:"metricsNamespace"`
}

// Load reads config from path (defaults to ConfigPath). A .env file, when
// present, is loaded first; variables already set in the environment win.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	envFile := cfg.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load env file: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("STORAGE_DRIVER", &cfg.StorageDriver)
	str("LOCAL_STORAGE_PATH", &cfg.LocalStoragePath)
	str("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	str("MINIO_BUCKET", &cfg.MinioBucket)
	str("MINIO_PUBLIC_URL", &cfg.MinioPublicURL)
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.JWTAudience)
	str("EVENTS_DRIVER", &cfg.EventsDriver)
	str("AMQP_URL", &cfg.AMQPURL)
	str("NATS_URL", &cfg.NATSURL)
	str("SMTP_HOST", &cfg.SMTPHost)
	str("SMTP_USERNAME", &cfg.SMTPUsername)
	str("SMTP_PASSWORD", &cfg.SMTPPassword)
	str("SMTP_FROM", &cfg.SMTPFrom)
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("NOTIFY_QUEUE"); v == "true" {
		cfg.NotifyQueue = true
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if v := os.Getenv("LISTING_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("LISTING_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.StorageDriver == "local" && cfg.LocalStoragePath == "" {
		cfg.LocalStoragePath = "data/media"
	}
	if cfg.EventsDriver == "" {
		cfg.EventsDriver = "none"
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.NotifyStream == "" {
		cfg.NotifyStream = "rentalhub:notifications"
	}
	if cfg.NotifyWorkers == 0 {
		cfg.NotifyWorkers = 2
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "rentalhub"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	switch cfg.StorageDriver {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for storageDriver minio")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (want local or minio)", cfg.StorageDriver)
	}
	switch cfg.EventsDriver {
	case "none":
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for eventsDriver amqp")
		}
	case "nats":
		if cfg.NATSURL == "" {
			return errors.New("config: natsURL is required for eventsDriver nats")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for eventsDriver redis")
		}
	default:
		return fmt.Errorf("config: unknown eventsDriver %q (want none, amqp, nats or redis)", cfg.EventsDriver)
	}
	if cfg.NotifyQueue && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when notifyQueue is enabled")
	}
	if cfg.NotifyWorkers < 0 {
		return errors.New("config: notifyWorkers must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 || cfg.CreateRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	for name, raw := range map[string]string{"cacheTTL": cfg.CacheTTL, "jwtTTL": cfg.JWTTTL, "jwtLeeway": cfg.JWTLeeway} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", raw)
	}
	return dur, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
