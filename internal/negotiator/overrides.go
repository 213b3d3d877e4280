package negotiator

import (
	"context"

	"github.com/lexiqai/realtime-voice/internal/realtime"
)

// Overrides are local settings that win over negotiated values. Zero fields
// are ignored.
type Overrides struct {
	Voice              string
	TranscriptionModel string
	VAD                realtime.TurnDetection
}

type overriding struct {
	next Negotiator
	o    Overrides
}

// WithOverrides wraps n so every negotiated AgentConfig has o applied.
func WithOverrides(n Negotiator, o Overrides) Negotiator {
	if o == (Overrides{}) {
		return n
	}
	return &overriding{next: n, o: o}
}

func (w *overriding) Negotiate(ctx context.Context, sc SessionContext) (*Credentials, error) {
	creds, err := w.next.Negotiate(ctx, sc)
	if err != nil {
		return nil, err
	}

	agent := &creds.Agent
	if w.o.Voice != "" {
		agent.Voice = MapVoice(w.o.Voice)
	}
	if w.o.TranscriptionModel != "" {
		agent.TranscriptionModel = w.o.TranscriptionModel
	}
	if w.o.VAD != (realtime.TurnDetection{}) && agent.VAD.Type == "" {
		agent.VAD.Type = "server_vad"
	}
	if w.o.VAD.Threshold != 0 {
		agent.VAD.Threshold = w.o.VAD.Threshold
	}
	if w.o.VAD.PrefixPaddingMs != 0 {
		agent.VAD.PrefixPaddingMs = w.o.VAD.PrefixPaddingMs
	}
	if w.o.VAD.SilenceDurationMs != 0 {
		agent.VAD.SilenceDurationMs = w.o.VAD.SilenceDurationMs
	}
	return creds, nil
}
