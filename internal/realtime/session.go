package realtime

// SessionUpdate is the configuration message sent right after the connection opens.
type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

// SessionConfig declares the audio contract, turn detection and agent persona.
type SessionConfig struct {
	Type             string      `json:"type"`
	Model            string      `json:"model,omitempty"`
	OutputModalities []string    `json:"output_modalities"`
	Instructions     string      `json:"instructions,omitempty"`
	Audio            AudioConfig `json:"audio"`
	Tools            []Tool      `json:"tools,omitempty"`
	ToolChoice       string      `json:"tool_choice,omitempty"`
}

type AudioConfig struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

type AudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type AudioInput struct {
	Format        AudioFormat    `json:"format"`
	Transcription *Transcription `json:"transcription,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

type AudioOutput struct {
	Format AudioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool is a function the remote model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionParams is the input to BuildSessionUpdate.
type SessionParams struct {
	Model              string
	SampleRate         int
	Instructions       string
	Voice              string
	TranscriptionModel string
	VAD                TurnDetection
	Tools              []Tool
}

// BuildSessionUpdate returns the session.update message for params.
// Input and output share one mono PCM16 format.
func BuildSessionUpdate(p SessionParams) SessionUpdate {
	format := AudioFormat{Type: "audio/pcm", Rate: p.SampleRate}

	vad := p.VAD
	if vad.Type == "" {
		vad.Type = "server_vad"
	}

	var transcription *Transcription
	if p.TranscriptionModel != "" {
		transcription = &Transcription{Model: p.TranscriptionModel}
	}

	cfg := SessionConfig{
		Type:             "realtime",
		Model:            p.Model,
		OutputModalities: []string{"audio"},
		Instructions:     p.Instructions,
		Audio: AudioConfig{
			Input: AudioInput{
				Format:        format,
				Transcription: transcription,
				TurnDetection: &vad,
			},
			Output: AudioOutput{Format: format, Voice: p.Voice},
		},
	}
	if len(p.Tools) > 0 {
		cfg.Tools = p.Tools
		cfg.ToolChoice = "auto"
	}

	return SessionUpdate{
		Type:    EventSessionUpdate,
		EventID: NewEventID(),
		Session: cfg,
	}
}
