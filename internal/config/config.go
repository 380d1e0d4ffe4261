package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the chat client
type Config struct {
	// Backend endpoints. WSBaseURL is derived from APIBaseURL when unset.
	APIBaseURL string `envconfig:"API_BASE_URL" default:"http://localhost:8000"`
	WSBaseURL  string `envconfig:"WS_BASE_URL" default:""`

	// Conversation to open on start
	ConversationID string `envconfig:"CONVERSATION_ID" required:"true"`

	// Authentication: a static token, or an endpoint that issues a fresh one per connection attempt
	AuthToken    string `envconfig:"AUTH_TOKEN" default:""`
	AuthTokenURL string `envconfig:"AUTH_TOKEN_URL" default:""`
	AuthSubject  string `envconfig:"AUTH_SUBJECT" default:""` // Subject requested from AUTH_TOKEN_URL

	// Voice output
	VoiceEnabled         bool   `envconfig:"VOICE_ENABLED" default:"true"`
	AudioSampleRate      int    `envconfig:"AUDIO_SAMPLE_RATE" default:"24000"`     // PCM16 mono sample rate of audio chunks
	PlaybackSafetyMargin int    `envconfig:"PLAYBACK_SAFETY_MARGIN" default:"10"`   // milliseconds
	AudioOutput          string `envconfig:"AUDIO_OUTPUT" default:""`               // file path, "-" for stdout, empty to discard

	// Transport liveness
	HeartbeatInterval int `envconfig:"HEARTBEAT_INTERVAL" default:"30"` // seconds
	HeartbeatTimeout  int `envconfig:"HEARTBEAT_TIMEOUT" default:"5"`   // seconds
	HandshakeTimeout  int `envconfig:"HANDSHAKE_TIMEOUT" default:"10"`  // seconds

	// Reconnection
	ReconnectInitialBackoff int     `envconfig:"RECONNECT_INITIAL_BACKOFF" default:"1000"` // milliseconds
	ReconnectMaxBackoff     int     `envconfig:"RECONNECT_MAX_BACKOFF" default:"30000"`    // milliseconds
	ReconnectMultiplier     float64 `envconfig:"RECONNECT_MULTIPLIER" default:"2.0"`

	// History snapshot client
	HistoryTimeout             int `envconfig:"HISTORY_TIMEOUT" default:"10"`               // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	if c.ConversationID == "" {
		return fmt.Errorf("CONVERSATION_ID is required")
	}
	if c.AuthToken == "" && c.AuthTokenURL == "" {
		return fmt.Errorf("one of AUTH_TOKEN or AUTH_TOKEN_URL is required")
	}
	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("invalid API_BASE_URL: %w", err)
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%ds) must be shorter than HEARTBEAT_INTERVAL (%ds)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectMaxBackoff < c.ReconnectInitialBackoff {
		return fmt.Errorf("RECONNECT_MAX_BACKOFF must not be below RECONNECT_INITIAL_BACKOFF")
	}
	return nil
}

// WebSocketBaseURL returns WSBaseURL, or APIBaseURL with its scheme switched to ws/wss
func (c *Config) WebSocketBaseURL() string {
	if c.WSBaseURL != "" {
		return strings.TrimRight(c.WSBaseURL, "/")
	}
	return HTTPToWebSocket(c.APIBaseURL)
}

// HTTPToWebSocket rewrites an http(s) URL to the matching ws(s) URL
func HTTPToWebSocket(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c *Config) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

func (c *Config) ReconnectInitialBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectInitialBackoff) * time.Millisecond
}

func (c *Config) ReconnectMaxBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectMaxBackoff) * time.Millisecond
}

// PlaybackSafetyMarginSeconds returns the scheduling margin on the output clock
func (c *Config) PlaybackSafetyMarginSeconds() float64 {
	return float64(c.PlaybackSafetyMargin) / 1000.0
}

func (c *Config) HistoryTimeoutDuration() time.Duration {
	return time.Duration(c.HistoryTimeout) * time.Second
}

func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

func (c *Config) CircuitBreakerResetTimeoutDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// ServerConfig holds configuration for the reference chat server
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`

	// HS256 secret used to sign and verify connection tokens
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL  int    `envconfig:"TOKEN_TTL" default:"300"` // seconds

	// Empty means a private in-memory sqlite database
	DatabaseDSN string `envconfig:"DATABASE_DSN" default:""`

	// Synthesized speech
	TTSSampleRate int `envconfig:"TTS_SAMPLE_RATE" default:"24000"`
	TTSChunkMs    int `envconfig:"TTS_CHUNK_MS" default:"200"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// LoadServer reads the reference server configuration
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.TTSChunkMs <= 0 {
		return nil, fmt.Errorf("TTS_CHUNK_MS must be positive")
	}
	return &cfg, nil
}

func (c *ServerConfig) TokenTTLDuration() time.Duration {
	return time.Duration(c.TokenTTL) * time.Second
}
