package turn

import (
	"sync"
	"time"
)

// Speaker identifies who a transcript or audio event belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Transcript is a text delta stamped with the boundary that opened its turn.
type Transcript struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Correlator stamps transcript text with turn-boundary times instead of
// arrival times, since transcripts stream independently of the audio.
type Correlator struct {
	now func() time.Time

	mu            sync.Mutex
	speechStopped time.Time
	responseStart time.Time
}

// NewCorrelator creates a correlator. now defaults to time.Now.
func NewCorrelator(now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	return &Correlator{now: now}
}

// SpeechStopped records the user turn boundary and returns it.
func (c *Correlator) SpeechStopped() time.Time {
	ts := c.now()
	c.mu.Lock()
	c.speechStopped = ts
	c.mu.Unlock()
	return ts
}

// ResponseStarted records the assistant turn boundary and returns it.
func (c *Correlator) ResponseStarted() time.Time {
	ts := c.now()
	c.mu.Lock()
	c.responseStart = ts
	c.mu.Unlock()
	return ts
}

// User stamps a completed user transcription. Without a prior speech_stopped
// the arrival time is used.
func (c *Correlator) User(text string) Transcript {
	c.mu.Lock()
	ts := c.speechStopped
	c.mu.Unlock()
	if ts.IsZero() {
		ts = c.now()
	}
	return Transcript{Speaker: SpeakerUser, Text: text, Timestamp: ts}
}

// Assistant stamps an assistant transcript delta.
func (c *Correlator) Assistant(delta string) Transcript {
	c.mu.Lock()
	ts := c.responseStart
	c.mu.Unlock()
	if ts.IsZero() {
		ts = c.now()
	}
	return Transcript{Speaker: SpeakerAssistant, Text: delta, Timestamp: ts}
}
