package negotiator

import (
	"context"
	"errors"

	"github.com/lexiqai/realtime-voice/internal/realtime"
)

// SessionContext identifies what the session is for. Either field may be empty.
type SessionContext struct {
	AgentID        string `json:"agent_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// AgentConfig is the persona and tuning the remote session runs with.
type AgentConfig struct {
	Name               string
	Instructions       string
	Voice              string
	Greeting           string
	TranscriptionModel string
	VAD                realtime.TurnDetection
	Tools              []realtime.Tool
}

// Credentials are everything the engine needs to open a session.
type Credentials struct {
	Token      string
	Model      string
	SampleRate int
	Agent      AgentConfig
}

// Negotiator obtains credentials for one session.
type Negotiator interface {
	Negotiate(ctx context.Context, sc SessionContext) (*Credentials, error)
}

// ErrRejected is returned when the token endpoint refused the request.
var ErrRejected = errors.New("session negotiation rejected")

// Static returns fixed credentials. Useful with a long-lived API key.
type Static struct {
	Credentials Credentials
}

// Negotiate returns a copy of the configured credentials.
func (s *Static) Negotiate(ctx context.Context, _ SessionContext) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Credentials.Token == "" {
		return nil, errors.New("no API key configured")
	}
	creds := s.Credentials
	return &creds, nil
}
