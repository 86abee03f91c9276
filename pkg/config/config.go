package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	ServerPort  string

	APIBaseURL   string
	WebSocketURL string

	// Session handed over by the host; authentication itself happens elsewhere.
	SessionToken  string
	SessionUserID string
	ControlToken  string

	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration

	TypingTimeout time.Duration
	ToastTimeout  time.Duration

	HTTPTimeout         time.Duration
	HTTPRetryMaxElapsed time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		Environment:          getEnv("ENVIRONMENT", "development"),
		ServerPort:           getEnv("SERVER_PORT", "8090"),
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		WebSocketURL:         getEnv("WS_URL", "ws://localhost:8080/api/v1/ws/websocket"),
		SessionToken:         getEnv("SESSION_TOKEN", ""),
		SessionUserID:        getEnv("SESSION_USER_ID", ""),
		ControlToken:         getEnv("CONTROL_TOKEN", ""),
		ReconnectDelay:       getEnvAsDuration("WS_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectDelay:    getEnvAsDuration("WS_MAX_RECONNECT_DELAY", time.Minute),
		MaxReconnectAttempts: getEnvAsInt("WS_MAX_RECONNECT_ATTEMPTS", 10),
		HeartbeatInterval:    getEnvAsDuration("WS_HEARTBEAT_INTERVAL", 4*time.Second),
		HandshakeTimeout:     getEnvAsDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		TypingTimeout:        getEnvAsDuration("TYPING_TIMEOUT", 1500*time.Millisecond),
		ToastTimeout:         getEnvAsDuration("TOAST_TIMEOUT", 5*time.Second),
		HTTPTimeout:          getEnvAsDuration("HTTP_TIMEOUT", 10*time.Second),
		HTTPRetryMaxElapsed:  getEnvAsDuration("HTTP_RETRY_MAX_ELAPSED", 15*time.Second),
	}

	return config, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
