package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"payin-monitor/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	LogLevel   string
	MaxRetries int
	RetryDelay time.Duration
	HealthAddr string
	Kafka      KafkaConfig
	Database   DatabaseConfig
	Listener   ListenerConfig
	Chains     map[models.Currency]ChainConfig
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	BrokerAddress string
	Topic         string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnString returns a lib/pq connection string. The same string is used for
// the query pool and for the dedicated LISTEN connection.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// ListenerConfig holds settings for the notification-channel listener.
type ListenerConfig struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	StopTimeout  time.Duration
}

// ChainConfig holds configuration for each blockchain
type ChainConfig struct {
	RpcEndpoint  string
	ApiKey       string
	RateLimit    float64
	PollInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Not fatal, as env vars might be set externally
	}

	config := &Config{
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		MaxRetries: getEnvAsInt("MAX_RETRIES", 3),
		RetryDelay: time.Duration(getEnvAsInt("RETRY_DELAY", 5)) * time.Second,
		HealthAddr: getEnv("HEALTH_ADDR", ":8080"),
		Kafka: KafkaConfig{
			BrokerAddress: getEnv("KAFKA_BROKER_ADDRESS", "localhost:9092"),
			Topic:         getEnv("KAFKA_TOPIC", "payin-events"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "payin_monitor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Listener: ListenerConfig{
			MinReconnect: time.Duration(getEnvAsInt("LISTEN_MIN_RECONNECT", 10)) * time.Second,
			MaxReconnect: time.Duration(getEnvAsInt("LISTEN_MAX_RECONNECT", 60)) * time.Second,
			PingInterval: time.Duration(getEnvAsInt("LISTEN_PING_INTERVAL", 90)) * time.Second,
			StopTimeout:  time.Duration(getEnvAsInt("LISTEN_STOP_TIMEOUT", 10)) * time.Second,
		},
		Chains: make(map[models.Currency]ChainConfig),
	}

	config.Chains[models.Bitcoin] = ChainConfig{
		RpcEndpoint:  getEnv("BITCOIN_RPC_ENDPOINT", "http://localhost:8332"),
		ApiKey:       getEnv("BITCOIN_API_KEY", ""),
		RateLimit:    getEnvAsFloat("BITCOIN_RATE_LIMIT", 4),
		PollInterval: time.Duration(getEnvAsInt("BITCOIN_POLL_INTERVAL", 10)) * time.Second,
	}

	config.Chains[models.Ether] = ChainConfig{
		RpcEndpoint:  getEnv("ETHEREUM_RPC_ENDPOINT", "http://localhost:8545"),
		ApiKey:       getEnv("ETHEREUM_API_KEY", ""),
		RateLimit:    getEnvAsFloat("ETHEREUM_RATE_LIMIT", 4),
		PollInterval: time.Duration(getEnvAsInt("ETHEREUM_POLL_INTERVAL", 15)) * time.Second,
	}

	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float64 or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
