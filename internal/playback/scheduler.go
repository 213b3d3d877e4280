package playback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/rs/zerolog"
)

// ErrDecode marks an inbound audio payload that could not be decoded.
var ErrDecode = errors.New("audio decode error")

// Output is a playback sink with its own device clock.
// Now and the at argument of Schedule are seconds on that clock.
type Output interface {
	Now() float64
	Schedule(samples []float32, at float64) error
	Flush()
}

// Chunk describes one scheduled playback buffer.
type Chunk struct {
	Start    float64
	Duration float64
	Samples  int
}

// End returns the device time at which the chunk finishes playing.
func (c Chunk) End() float64 {
	return c.Start + c.Duration
}

// Stats holds per-scheduler counters.
type Stats struct {
	Scheduled    uint64
	Dropped      uint64
	DecodeErrors uint64
}

// Scheduler places decoded chunks back to back on the output timeline.
type Scheduler struct {
	out    Output
	rate   int
	logger zerolog.Logger

	mu   sync.Mutex
	next float64

	scheduled    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewScheduler creates a scheduler for mono audio at rate.
func NewScheduler(out Output, rate int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		out:    out,
		rate:   rate,
		logger: logger.With().Str("component", "playback").Logger(),
		next:   out.Now(),
	}
}

// Enqueue decodes a base64 PCM16 payload and schedules it.
// A malformed payload is dropped without touching the cursor.
func (s *Scheduler) Enqueue(payload string) (Chunk, error) {
	samples, err := audio.DecodeChunk(nil, payload)
	if err != nil {
		n := s.decodeErrors.Add(1)
		s.logger.Warn().Err(err).Uint64("decode_errors", n).Msg("Dropping undecodable audio chunk")
		return Chunk{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return s.ScheduleSamples(samples)
}

// ScheduleSamples schedules samples at max(now, next) and advances next by
// their duration. The slice is handed to the output and must not be reused.
func (s *Scheduler) ScheduleSamples(samples []float32) (Chunk, error) {
	if len(samples) == 0 {
		return Chunk{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.out.Now(), s.next)
	if err := s.out.Schedule(samples, start); err != nil {
		s.dropped.Add(1)
		return Chunk{}, fmt.Errorf("failed to schedule playback: %w", err)
	}

	chunk := Chunk{
		Start:    start,
		Duration: float64(len(samples)) / float64(s.rate),
		Samples:  len(samples),
	}
	s.next = chunk.End()
	s.scheduled.Add(1)
	return chunk, nil
}

// Reset moves the cursor to the current device time. Called at the start of
// each response so drift from one turn never carries into the next.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.next = s.out.Now()
	s.mu.Unlock()
}

// Flush discards everything scheduled but not yet played.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out.Flush()
	s.next = s.out.Now()
}

// NextScheduledTime returns the device time at which the next chunk would start
// if it arrived on time.
func (s *Scheduler) NextScheduledTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Outstanding returns how much scheduled audio has not played yet.
func (s *Scheduler) Outstanding() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.next - s.out.Now()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining * float64(time.Second))
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled:    s.scheduled.Load(),
		Dropped:      s.dropped.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}
}
