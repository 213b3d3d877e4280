package negotiator

import "strings"

// DefaultVoice is used when an agent's voice is not one the realtime endpoint knows.
const DefaultVoice = "shimmer"

var knownVoices = map[string]bool{
	"alloy":   true,
	"ash":     true,
	"ballad":  true,
	"coral":   true,
	"echo":    true,
	"fable":   true,
	"onyx":    true,
	"nova":    true,
	"sage":    true,
	"shimmer": true,
	"verse":   true,
	"marin":   true,
	"cedar":   true,
}

// MapVoice converts a stored voice id to a realtime voice name.
// "openai-<voice>" and bare known names map directly; third-party voice ids
// such as "11labs-Kate" fall back to DefaultVoice.
func MapVoice(voiceID string) string {
	v := strings.ToLower(strings.TrimSpace(voiceID))
	v = strings.TrimPrefix(v, "openai-")
	if knownVoices[v] {
		return v
	}
	return DefaultVoice
}
