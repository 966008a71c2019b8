package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	EventStore EventStoreConfig
	Auth       AuthConfig
	Gateway    GatewayConfig
	AI         AIConfig
	EMR        EMRConfig
	MQTT       MQTTConfig
	Triage     TriageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig holds the connection settings for the dedupe key store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// DedupeTTL is how long an inbound message identifier stays claimed.
	DedupeTTL time.Duration
}

// EventStoreConfig holds configuration for the EventStoreDB event publisher.
type EventStoreConfig struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
	Enabled  bool
}

type AuthConfig struct {
	JWTSecret string
}

// GatewayConfig points at the messaging gateway used for outbound
// patient instructions. The gateway owns delivery; the engine only posts.
type GatewayConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
}

// AIConfig points at the conversational AI service that generates
// automated replies. Replies are best-effort and gated on lock state.
type AIConfig struct {
	URL     string
	Enabled bool
	Timeout time.Duration
}

// EMRConfig holds the legacy EMR (MSSQL) import settings.
type EMRConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (e EMRConfig) DSN() string {
	return fmt.Sprintf(
		"server=%s;port=%d;user id=%s;password=%s;database=%s",
		e.Host, e.Port, e.User, e.Password, e.Database,
	)
}

// MQTTConfig holds the device vitals broker settings.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// TriageConfig holds the engine's clinical tuning knobs.
type TriageConfig struct {
	// LockWindow is the trailing window for counting unresolved
	// critical alerts.
	LockWindow time.Duration
	// LockThreshold is the unresolved critical alert count that trips
	// the auto-lock.
	LockThreshold int
	// ReplyTimeout bounds the conversational reply attempt. Escalation
	// handling never waits on it.
	ReplyTimeout time.Duration
	// AlertRetryAttempts and AlertRetryDelay control the persist-retry
	// loop for escalation alerts.
	AlertRetryAttempts int
	AlertRetryDelay    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "triage"),
			Password: getEnv("DB_PASSWORD", "triage"),
			Database: getEnv("DB_NAME", "triage"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			DedupeTTL: getEnvDuration("REDIS_DEDUPE_TTL", 24*time.Hour),
		},
		EventStore: EventStoreConfig{
			Host:     getEnv("EVENTSTORE_HOST", "localhost"),
			Port:     getEnvInt("EVENTSTORE_PORT", 2113),
			Insecure: getEnvBool("EVENTSTORE_INSECURE", true),
			Username: getEnv("EVENTSTORE_USERNAME", ""),
			Password: getEnv("EVENTSTORE_PASSWORD", ""),
			Enabled:  getEnvBool("EVENTSTORE_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Gateway: GatewayConfig{
			BaseURL:       getEnv("GATEWAY_URL", "http://localhost:9000"),
			APIKey:        getEnv("GATEWAY_API_KEY", ""),
			Timeout:       getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			RetryAttempts: getEnvInt("GATEWAY_RETRY_ATTEMPTS", 3),
		},
		AI: AIConfig{
			URL:     getEnv("AI_SERVICE_URL", "http://localhost:5000"),
			Enabled: getEnvBool("AI_ENABLED", true),
			Timeout: getEnvDuration("AI_TIMEOUT", 15*time.Second),
		},
		EMR: EMRConfig{
			Enabled:  getEnvBool("EMR_IMPORT_ENABLED", false),
			Host:     getEnv("EMR_DB_HOST", "localhost"),
			Port:     getEnvInt("EMR_DB_PORT", 1433),
			User:     getEnv("EMR_DB_USER", "sa"),
			Password: getEnv("EMR_DB_PASSWORD", ""),
			Database: getEnv("EMR_DB_NAME", "emr"),
		},
		MQTT: MQTTConfig{
			Enabled:  getEnvBool("MQTT_ENABLED", false),
			Broker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID: getEnv("MQTT_CLIENT_ID", "triage-engine"),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			Topic:    getEnv("MQTT_VITALS_TOPIC", "devices/+/vitals"),
		},
		Triage: TriageConfig{
			LockWindow:         getEnvDuration("TRIAGE_LOCK_WINDOW", 30*time.Minute),
			LockThreshold:      getEnvInt("TRIAGE_LOCK_THRESHOLD", 3),
			ReplyTimeout:       getEnvDuration("TRIAGE_REPLY_TIMEOUT", 20*time.Second),
			AlertRetryAttempts: getEnvInt("TRIAGE_ALERT_RETRY_ATTEMPTS", 3),
			AlertRetryDelay:    getEnvDuration("TRIAGE_ALERT_RETRY_DELAY", 500*time.Millisecond),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
