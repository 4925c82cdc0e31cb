package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Telegram  TelegramConfig
	OpenAI    OpenAIConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Tracing   TracingConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPort     int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// TelegramConfig holds bot configuration
type TelegramConfig struct {
	Token                string
	PaymentProviderToken string
	UpdateTimeout        int
	Debug                bool
}

// OpenAIConfig holds AI provider configuration
type OpenAIConfig struct {
	APIKey             string
	CompletionModel    string
	TranscriptionModel string
	ImageSize          string
}

// QuotaConfig holds balance seeding, cost estimation and lock tuning
type QuotaConfig struct {
	InitialTokens        int64
	InitialImages        int64
	LockTTL              time.Duration
	GenericLockTTL       time.Duration
	LockRetryDelay       time.Duration
	LockMaxAttempts      int
	CompletionReserve    int64
	TokensPerAudioSecond int64
	ImageGenerationCost  int64
}

// RateLimitConfig holds fixed-window admission limits (requests per window)
type RateLimitConfig struct {
	Window      time.Duration
	Requests    int64
	Completions int64
	Images      int64
	Documents   int64
	IP          int64
}

// AuthConfig holds admin API auth configuration
type AuthConfig struct {
	JWTSecret string
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.metricsPort", 9090)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "telegrambot")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "media")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Telegram defaults
	viper.SetDefault("telegram.updateTimeout", 60)
	viper.SetDefault("telegram.debug", false)

	// OpenAI defaults
	viper.SetDefault("openai.completionModel", "gpt-4o-mini")
	viper.SetDefault("openai.transcriptionModel", "whisper-1")
	viper.SetDefault("openai.imageSize", "1024x1024")

	// Quota defaults
	viper.SetDefault("quota.initialTokens", 5000)
	viper.SetDefault("quota.initialImages", 3)
	viper.SetDefault("quota.lockTTL", "5m")
	viper.SetDefault("quota.genericLockTTL", "5s")
	viper.SetDefault("quota.lockRetryDelay", "100ms")
	viper.SetDefault("quota.lockMaxAttempts", 50)
	viper.SetDefault("quota.completionReserve", 256)
	viper.SetDefault("quota.tokensPerAudioSecond", 20)
	viper.SetDefault("quota.imageGenerationCost", 1)

	// Rate limit defaults (per window)
	viper.SetDefault("ratelimit.window", "1m")
	viper.SetDefault("ratelimit.requests", 10)
	viper.SetDefault("ratelimit.completions", 5)
	viper.SetDefault("ratelimit.images", 2)
	viper.SetDefault("ratelimit.documents", 2)
	viper.SetDefault("ratelimit.ip", 30)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "telegram-bot")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
