package negotiator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/lexiqai/realtime-voice/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPNegotiator.
type HTTPConfig struct {
	Endpoint     string
	AuthToken    string // bearer token of the signed-in user
	ClientKey    string // optional "apikey" header expected by the gateway
	DefaultModel string
	Profile      *Profile
	Client       *http.Client
	Breaker      *resilience.CircuitBreaker
	Retry        *resilience.RetryConfig
	Logger       zerolog.Logger
}

// HTTPNegotiator exchanges the user's credentials for a short-lived realtime
// token at a token endpoint.
type HTTPNegotiator struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

type tokenResponse struct {
	Token       string       `json:"token"`
	Model       string       `json:"model"`
	SampleRate  int          `json:"sample_rate"`
	AgentConfig *agentConfig `json:"agentConfig"`
	Error       string       `json:"error"`
}

type agentConfig struct {
	AgentName    string `json:"agent_name"`
	SystemPrompt string `json:"system_prompt"`
	VoiceID      string `json:"voice_id"`
	Greeting     string `json:"greeting"`
}

// NewHTTPNegotiator creates a negotiator. Retries are bounded by cfg.Retry and
// only transient failures (network errors, 429, 5xx) are retried.
func NewHTTPNegotiator(cfg HTTPConfig) *HTTPNegotiator {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("token_endpoint", 5, 30*time.Second)
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &HTTPNegotiator{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "negotiator").Logger(),
	}
}

// Negotiate implements Negotiator.
func (n *HTTPNegotiator) Negotiate(ctx context.Context, sc SessionContext) (*Credentials, error) {
	var creds *Credentials
	attempts := 0

	err := n.cfg.Breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			attempts++
			c, err := n.fetch(ctx, sc)
			if err != nil {
				return err
			}
			creds = c
			return nil
		}, n.cfg.Retry, resilience.IsTransient)
	}, resilience.IsTransient)
	if err != nil {
		n.logger.Error().Err(err).Int("attempts", attempts).Str("agent_id", sc.AgentID).Msg("Session negotiation failed")
		return nil, fmt.Errorf("failed to negotiate session: %w", err)
	}

	n.logger.Info().
		Str("agent", creds.Agent.Name).
		Str("model", creds.Model).
		Str("voice", creds.Agent.Voice).
		Int("attempts", attempts).
		Msg("Session negotiated")
	return creds, nil
}

func (n *HTTPNegotiator) fetch(ctx context.Context, sc SessionContext) (*Credentials, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.AuthToken)
	}
	if n.cfg.ClientKey != "" {
		req.Header.Set("apikey", n.cfg.ClientKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read token response: %w", err))
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(data, &tr)

	if resp.StatusCode >= 300 {
		msg := tr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		err := fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", ErrRejected, decodeErr)
	}
	if tr.Token == "" {
		return nil, fmt.Errorf("%w: token missing from response", ErrRejected)
	}

	return n.credentials(&tr), nil
}

func (n *HTTPNegotiator) credentials(tr *tokenResponse) *Credentials {
	creds := &Credentials{
		Token:      tr.Token,
		Model:      tr.Model,
		SampleRate: tr.SampleRate,
	}
	if creds.Model == "" {
		creds.Model = n.cfg.DefaultModel
	}
	if creds.SampleRate == 0 {
		creds.SampleRate = audio.SampleRate
	}

	var agent AgentConfig
	if ac := tr.AgentConfig; ac != nil {
		agent.Name = ac.AgentName
		agent.Instructions = ac.SystemPrompt
		agent.Greeting = ac.Greeting
		if ac.VoiceID != "" {
			agent.Voice = MapVoice(ac.VoiceID)
		}
	}
	agent = n.cfg.Profile.Apply(agent)
	if agent.Voice == "" {
		agent.Voice = DefaultVoice
	}
	creds.Agent = agent
	return creds
}
