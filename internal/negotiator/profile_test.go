package negotiator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfile_BuiltinAdmin(t *testing.T) {
	p, err := LoadProfile("admin")
	require.NoError(t, err)

	assert.Equal(t, "admin", p.Name)
	assert.Equal(t, 0.5, p.VAD.Threshold)
	assert.Equal(t, 300, p.VAD.PrefixPaddingMs)
	assert.Equal(t, 1000, p.VAD.SilenceDurationMs)
	require.NotEmpty(t, p.Tools)

	agent := p.Apply(AgentConfig{})
	assert.Equal(t, "shimmer", agent.Voice)
	assert.NotEmpty(t, agent.Instructions)
	require.Len(t, agent.Tools, len(p.Tools))
	assert.Equal(t, "function", agent.Tools[0].Type)
	assert.Equal(t, "update_system_prompt", agent.Tools[0].Name)
	assert.Equal(t, "object", agent.Tools[0].Parameters["type"])
}

func TestLoadProfile_UnknownBuiltin(t *testing.T) {
	_, err := LoadProfile("nope")
	assert.Error(t, err)
}

func TestLoadProfile_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "support.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: support
voice: openai-nova
greeting: Hi there
vad:
  threshold: 0.6
  prefix_padding_ms: 200
  silence_duration_ms: 800
`), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "support", p.Name)
	assert.Equal(t, "Hi there", p.Greeting)
	assert.Equal(t, 800, p.VAD.SilenceDurationMs)
}

func TestParseProfile_Validation(t *testing.T) {
	_, err := ParseProfile([]byte("vad:\n  threshold: 1.5\n"))
	assert.Error(t, err)

	_, err = ParseProfile([]byte("tools:\n  - description: nameless\n"))
	assert.Error(t, err)

	_, err = ParseProfile([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestProfile_ServerValuesWin(t *testing.T) {
	p, err := LoadProfile("admin")
	require.NoError(t, err)

	agent := p.Apply(AgentConfig{Instructions: "custom", Voice: "echo"})
	assert.Equal(t, "custom", agent.Instructions)
	assert.Equal(t, "echo", agent.Voice)

	var nilProfile *Profile
	assert.Equal(t, "x", nilProfile.Apply(AgentConfig{Name: "x"}).Name)
}

func TestMapVoice(t *testing.T) {
	cases := map[string]string{
		"openai-alloy": "alloy",
		"OpenAI-Nova":  "nova",
		"echo":         "echo",
		"11labs-Kate":  DefaultVoice,
		"kate":         DefaultVoice,
		"":             DefaultVoice,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapVoice(in), "MapVoice(%q)", in)
	}
}

func TestBuiltinProfiles(t *testing.T) {
	names := BuiltinProfiles()
	assert.Contains(t, names, "admin")
	assert.Contains(t, names, "omni")

	for _, name := range names {
		_, err := LoadProfile(name)
		assert.NoError(t, err, name)
	}
}
