// Package config loads the session broker's configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the session broker.
type Config struct {
	// Server settings
	Host           string
	Port           int
	PublicURL      string
	AllowedOrigins []string

	// Admission
	MaxActiveSessions int
	AdmissionURL      string
	RequireAdmission  bool

	// Session lifecycle
	FlushInterval          time.Duration
	AgentConnectTimeout    time.Duration
	ProvisionTimeout       time.Duration
	SessionIdleTimeout     time.Duration
	ClosedSessionRetention time.Duration
	ProvisionStopGrace     time.Duration

	// Durable storage
	BlobDBPath  string
	BlobTimeout time.Duration

	// Provisioning
	BranchCatalog  string
	DefaultBranch  string
	BackendCommand []string

	// Agent callback tokens
	CallbackSecret   string
	CallbackTokenTTL time.Duration

	// Browser JWT settings
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSSendBuffer      int
	WSMaxMessageSize  int64

	// Keepalive: pings every WSPingInterval; a peer silent for WSPongTimeout
	// is dropped. Zero disables.
	WSPingInterval time.Duration
	WSPongTimeout  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           getEnv("BROKER_HOST", "0.0.0.0"),
		Port:           getEnvInt("BROKER_PORT", 8080),
		PublicURL:      getEnv("PUBLIC_URL", ""),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		MaxActiveSessions: getEnvInt("MAX_ACTIVE_SESSIONS", 1),
		AdmissionURL:      getEnv("ADMISSION_URL", ""),
		RequireAdmission:  getEnvBool("REQUIRE_ADMISSION", false),

		FlushInterval:          getEnvDuration("FLUSH_INTERVAL", 60*time.Second),
		AgentConnectTimeout:    getEnvDuration("AGENT_CONNECT_TIMEOUT", 5*time.Minute),
		ProvisionTimeout:       getEnvDuration("PROVISION_TIMEOUT", 2*time.Minute),
		SessionIdleTimeout:     getEnvDuration("SESSION_IDLE_TIMEOUT", 3*time.Minute),
		ClosedSessionRetention: getEnvDuration("CLOSED_SESSION_RETENTION", 10*time.Minute),
		ProvisionStopGrace:     getEnvDuration("PROVISION_STOP_GRACE", 10*time.Second),

		BlobDBPath:  getEnv("BLOB_DB_PATH", ""),
		BlobTimeout: getEnvDuration("BLOB_TIMEOUT", 10*time.Second),

		BranchCatalog:  getEnv("BRANCH_CATALOG", ""),
		DefaultBranch:  getEnv("DEFAULT_BRANCH", "public"),
		BackendCommand: strings.Fields(getEnv("BACKEND_COMMAND", "")),

		CallbackSecret:   getEnv("CALLBACK_SECRET", ""),
		CallbackTokenTTL: getEnvDuration("CALLBACK_TOKEN_TTL", 24*time.Hour),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "session-broker"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
		WSSendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongTimeout:     getEnvDuration("WS_PONG_TIMEOUT", 90*time.Second),
	}

	if cfg.PublicURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		cfg.PublicURL = fmt.Sprintf("http://%s:%d", host, cfg.Port)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("BROKER_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxActiveSessions < 1 {
		return fmt.Errorf("MAX_ACTIVE_SESSIONS must be at least 1, got %d", c.MaxActiveSessions)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	if c.BlobTimeout <= 0 {
		return fmt.Errorf("BLOB_TIMEOUT must be positive")
	}
	if c.WSSendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be at least 1, got %d", c.WSSendBuffer)
	}
	if c.WSPongTimeout > 0 && (c.WSPingInterval <= 0 || c.WSPongTimeout <= c.WSPingInterval) {
		return fmt.Errorf("WS_PONG_TIMEOUT (%s) must be longer than WS_PING_INTERVAL (%s)", c.WSPongTimeout, c.WSPingInterval)
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("PUBLIC_URL is invalid: %w", err)
	}
	if c.AdmissionURL != "" {
		if _, err := url.ParseRequestURI(c.AdmissionURL); err != nil {
			return fmt.Errorf("ADMISSION_URL is invalid: %w", err)
		}
	}
	if c.BranchCatalog == "" && len(c.BackendCommand) == 0 {
		return fmt.Errorf("either BRANCH_CATALOG or BACKEND_COMMAND is required")
	}
	return nil
}

// AgentCallbackURL is the base URL handed to provisioned backends; the agent
// dials <base>/ws/agent?session=<id>.
func (c *Config) AgentCallbackURL() string {
	return c.PublicURL
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
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

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, p := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
