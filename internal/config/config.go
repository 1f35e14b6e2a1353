package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Synthesis  SynthesisConfig
	Storage    StorageConfig
	Generation GenerationConfig
	RateLimit  RateLimitConfig
	Sweeper    SweeperConfig
	Bootstrap  BootstrapConfig
}

// SynthesisConfig points at the external speech engine.
type SynthesisConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	HealthTimeout   time.Duration
	LanguagesTTL    time.Duration
	SpeakerCacheTTL time.Duration
}

// StorageConfig selects the blob store for generated audio.
type StorageConfig struct {
	Driver         string
	LocalDir       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string
	MinioPartSize  uint64
}

type GenerationConfig struct {
	MaxTextLength  int
	PersistTimeout time.Duration
	DrainTimeout   time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UserRate      float64
	UserBurst     int
	MaxInFlight   int
	InFlightTTL   time.Duration
}

type SweeperConfig struct {
	Enabled        bool
	ExpirySchedule string
	StaleSchedule  string
	StaleAfter     time.Duration
	BatchSize      int
	RunTimeout     time.Duration
}

// BootstrapConfig seeds the first admin so the admin API is reachable on a
// fresh database.
type BootstrapConfig struct {
	AdminEmail  string
	AdminName   string
	AdminAPIKey string
}

const (
	StorageDriverLocal = "local"
	StorageDriverMinio = "minio"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "voxa"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "voxa"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "voxa.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Synthesis: SynthesisConfig{
			BaseURL:         strings.TrimRight(strings.TrimSpace(getenv("EXTERNAL_TTS_API_URL", "http://localhost:8000")), "/"),
			APIKey:          strings.TrimSpace(getenv("EXTERNAL_TTS_API_KEY", "")),
			Timeout:         getenvDuration("EXTERNAL_TTS_TIMEOUT", 5*time.Minute),
			HealthTimeout:   getenvDuration("EXTERNAL_TTS_HEALTH_TIMEOUT", 10*time.Second),
			LanguagesTTL:    getenvDuration("EXTERNAL_TTS_LANGUAGES_TTL", 10*time.Minute),
			SpeakerCacheTTL: getenvDuration("SPEAKER_CACHE_TTL", time.Minute),
		},
		Storage: StorageConfig{
			Driver:         strings.ToLower(getenv("STORAGE_DRIVER", StorageDriverLocal)),
			LocalDir:       getenv("STORAGE_LOCAL_DIR", "public/audio"),
			MinioEndpoint:  strings.TrimSpace(getenv("MINIO_ENDPOINT", "")),
			MinioAccessKey: strings.TrimSpace(getenv("MINIO_ACCESS_KEY", "")),
			MinioSecretKey: strings.TrimSpace(getenv("MINIO_SECRET_KEY", "")),
			MinioBucket:    getenv("MINIO_BUCKET", "voxa-audio"),
			MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
			MinioRegion:    strings.TrimSpace(getenv("MINIO_REGION", "")),
			MinioPartSize:  uint64(max(0, getenvInt("STORAGE_MINIO_PART_SIZE", 16<<20))),
		},
		Generation: GenerationConfig{
			MaxTextLength:  getenvInt("GENERATION_MAX_TEXT_LENGTH", 50000),
			PersistTimeout: getenvDuration("GENERATION_PERSIST_TIMEOUT", 2*time.Minute),
			DrainTimeout:   getenvDuration("GENERATION_DRAIN_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("REDIS_DB", 0),
			UserRate:      getenvFloat("RATE_LIMIT_USER_RATE", 1),
			UserBurst:     getenvInt("RATE_LIMIT_USER_BURST", 5),
			MaxInFlight:   getenvInt("RATE_LIMIT_MAX_INFLIGHT", 2),
			InFlightTTL:   getenvDuration("RATE_LIMIT_INFLIGHT_TTL", 6*time.Minute),
		},
		Sweeper: SweeperConfig{
			Enabled:        getenvBool("SWEEPER_ENABLED", true),
			ExpirySchedule: getenv("SWEEPER_EXPIRY_SCHEDULE", "@every 1m"),
			StaleSchedule:  getenv("SWEEPER_STALE_SCHEDULE", "@every 5m"),
			StaleAfter:     getenvDuration("SWEEPER_STALE_AFTER", 15*time.Minute),
			BatchSize:      getenvInt("SWEEPER_BATCH_SIZE", 200),
			RunTimeout:     getenvDuration("SWEEPER_RUN_TIMEOUT", 30*time.Second),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:  strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_EMAIL", "")),
			AdminName:   strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_NAME", "Voxa Admin")),
			AdminAPIKey: strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_API_KEY", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
