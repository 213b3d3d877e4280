package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// WireSampleRate is the only sample rate the realtime endpoint is driven at.
const WireSampleRate = 24000

// Config holds all configuration for the voice client
type Config struct {
	// Realtime endpoint
	RealtimeURL string `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	Model       string `envconfig:"REALTIME_MODEL" default:"gpt-realtime"`

	// Session negotiation. With TOKEN_ENDPOINT set, a short-lived token is
	// requested per session; otherwise OPENAI_API_KEY is used directly.
	TokenEndpoint  string `envconfig:"TOKEN_ENDPOINT" default:""`
	AuthToken      string `envconfig:"AUTH_TOKEN" default:""`       // Bearer token of the signed-in user
	TokenClientKey string `envconfig:"TOKEN_CLIENT_KEY" default:""` // Sent as the "apikey" header
	APIKey         string `envconfig:"OPENAI_API_KEY" default:""`
	AgentID        string `envconfig:"AGENT_ID" default:""`
	ConversationID string `envconfig:"CONVERSATION_ID" default:""`

	// Agent profile: a builtin name (omni, admin) or a YAML file path
	Profile string `envconfig:"AGENT_PROFILE" default:"omni"`
	Voice   string `envconfig:"VOICE" default:""`

	// Audio configuration
	SampleRate            int `envconfig:"SAMPLE_RATE" default:"24000"`
	FrameMs               int `envconfig:"FRAME_MS" default:"20"`                  // Capture frame duration
	CaptureSlots          int `envconfig:"CAPTURE_SLOTS" default:"8"`              // Device blocks in flight to the capture worker
	OutputFramesPerBuffer int `envconfig:"OUTPUT_FRAMES_PER_BUFFER" default:"480"` // Speaker callback size
	PlaybackQueueSize     int `envconfig:"PLAYBACK_QUEUE_SIZE" default:"256"`
	SendQueueSize         int `envconfig:"SEND_QUEUE_SIZE" default:"256"`

	// Server VAD overrides; zero keeps the profile's values
	VADThreshold         float64 `envconfig:"VAD_THRESHOLD" default:"0"`
	VADPrefixPaddingMs   int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"0"`
	VADSilenceDurationMs int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"0"`
	TranscriptionModel   string  `envconfig:"TRANSCRIPTION_MODEL" default:""`

	// Turn handling
	GraceMinMs        int  `envconfig:"GRACE_MIN_MS" default:"500"`
	GraceMaxMs        int  `envconfig:"GRACE_MAX_MS" default:"5000"`
	GraceTailMarginMs int  `envconfig:"GRACE_TAIL_MARGIN_MS" default:"150"`
	BargeIn           bool `envconfig:"BARGE_IN" default:"false"`

	HandshakeTimeoutMs int `envconfig:"HANDSHAKE_TIMEOUT_MS" default:"10000"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Token request attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Session reconnects after a transport failure
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Serve /metrics, /health and /ready
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
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

// Validate checks field ranges and that some way to authenticate is configured
func (c *Config) Validate() error {
	var errs []error

	if c.TokenEndpoint == "" && c.APIKey == "" {
		errs = append(errs, errors.New("either TOKEN_ENDPOINT or OPENAI_API_KEY is required"))
	}
	if c.RealtimeURL == "" {
		errs = append(errs, errors.New("REALTIME_URL is required"))
	}
	if c.SampleRate != WireSampleRate {
		errs = append(errs, fmt.Errorf("SAMPLE_RATE must be %d, got %d", WireSampleRate, c.SampleRate))
	}
	if c.FrameMs < 10 || c.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("FRAME_MS must be between 10 and 100, got %d", c.FrameMs))
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("VAD_THRESHOLD must be between 0 and 1, got %v", c.VADThreshold))
	}
	if c.GraceMinMs < 0 || c.GraceMaxMs < c.GraceMinMs {
		errs = append(errs, fmt.Errorf("grace window [%d, %d] ms is invalid", c.GraceMinMs, c.GraceMaxMs))
	}
	if c.HandshakeTimeoutMs <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TIMEOUT_MS must be positive"))
	}

	return errors.Join(errs...)
}

// GraceMin returns the minimum post-response mute window
func (c *Config) GraceMin() time.Duration {
	return time.Duration(c.GraceMinMs) * time.Millisecond
}

// GraceMax returns the maximum post-response mute window
func (c *Config) GraceMax() time.Duration {
	return time.Duration(c.GraceMaxMs) * time.Millisecond
}

// GraceTailMargin returns the margin added after the last scheduled audio
func (c *Config) GraceTailMargin() time.Duration {
	return time.Duration(c.GraceTailMarginMs) * time.Millisecond
}

// HandshakeTimeout returns how long to wait for the session acknowledgement
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}
