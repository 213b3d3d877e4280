package negotiator

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/realtime-voice/internal/realtime"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// Profile is an agent flavour loaded from YAML. Values the token endpoint
// returns take precedence over the profile's.
type Profile struct {
	Name               string        `yaml:"name"`
	Instructions       string        `yaml:"instructions"`
	Voice              string        `yaml:"voice"`
	Greeting           string        `yaml:"greeting"`
	TranscriptionModel string        `yaml:"transcription_model"`
	VAD                VADProfile    `yaml:"vad"`
	Tools              []ToolProfile `yaml:"tools"`
}

type VADProfile struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

type ToolProfile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// LoadProfile reads a profile. A bare name such as "admin" selects a builtin
// profile; anything else is treated as a file path.
func LoadProfile(nameOrPath string) (*Profile, error) {
	var (
		data []byte
		err  error
	)
	if !strings.ContainsAny(nameOrPath, "/\\.") {
		data, err = builtinProfiles.ReadFile("profiles/" + nameOrPath + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("unknown builtin profile %q", nameOrPath)
		}
	} else {
		data, err = os.ReadFile(nameOrPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile: %w", err)
		}
	}
	return ParseProfile(data)
}

// BuiltinProfiles lists the names LoadProfile accepts without a path.
func BuiltinProfiles() []string {
	entries, err := fs.ReadDir(builtinProfiles, "profiles")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names
}

// ParseProfile decodes a YAML profile and validates it.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.VAD.Threshold < 0 || p.VAD.Threshold > 1 {
		return nil, fmt.Errorf("vad threshold %v out of range [0, 1]", p.VAD.Threshold)
	}
	for i, tool := range p.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool %d has no name", i)
		}
	}
	return &p, nil
}

// Apply fills the fields of agent that the server left empty.
func (p *Profile) Apply(agent AgentConfig) AgentConfig {
	if p == nil {
		return agent
	}
	if agent.Name == "" {
		agent.Name = p.Name
	}
	if agent.Instructions == "" {
		agent.Instructions = p.Instructions
	}
	if agent.Voice == "" {
		agent.Voice = p.Voice
	}
	if agent.Greeting == "" {
		agent.Greeting = p.Greeting
	}
	if agent.TranscriptionModel == "" {
		agent.TranscriptionModel = p.TranscriptionModel
	}
	if agent.VAD.Threshold == 0 && p.VAD.Threshold != 0 {
		agent.VAD = realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         p.VAD.Threshold,
			PrefixPaddingMs:   p.VAD.PrefixPaddingMs,
			SilenceDurationMs: p.VAD.SilenceDurationMs,
		}
	}
	if len(agent.Tools) == 0 {
		for _, t := range p.Tools {
			agent.Tools = append(agent.Tools, realtime.Tool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
	}
	return agent
}
