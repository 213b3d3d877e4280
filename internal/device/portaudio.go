// Package device binds the capture and playback pipelines to PortAudio.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/realtime-voice/internal/playback"
)

// ErrMicrophoneUnavailable wraps every failure to acquire an input device,
// including the OS refusing access.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// Init initializes PortAudio. The returned function terminates it.
func Init() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// Microphone is a mono input stream on the default input device, opened at
// the device's native rate.
type Microphone struct {
	stream  *portaudio.Stream
	rate    int
	logger  zerolog.Logger
	onBlock atomic.Pointer[func([]float32)]

	mu      sync.Mutex
	started bool
	closed  bool
}

// OpenMicrophone acquires the default input device. framesPerBuffer of 0 lets
// the host pick a block size.
func OpenMicrophone(framesPerBuffer int, logger zerolog.Logger) (*Microphone, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	m := &Microphone{
		rate:   int(dev.DefaultSampleRate),
		logger: logger.With().Str("component", "microphone").Str("device", dev.Name).Logger(),
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, m.callback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	m.stream = stream

	m.logger.Info().Int("sample_rate", m.rate).Msg("Microphone acquired")
	return m, nil
}

func (m *Microphone) callback(in []float32) {
	if fn := m.onBlock.Load(); fn != nil {
		(*fn)(in)
	}
}

// SampleRate returns the device rate.
func (m *Microphone) SampleRate() int {
	return m.rate
}

// Start begins delivering blocks to onBlock.
func (m *Microphone) Start(onBlock func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: closed", ErrMicrophoneUnavailable)
	}
	m.onBlock.Store(&onBlock)
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	m.started = true
	return nil
}

// Close stops the stream and releases the device. Safe to call more than once.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.onBlock.Store(nil)

	var errs []error
	if m.started {
		errs = append(errs, m.stream.Stop())
	}
	errs = append(errs, m.stream.Close())
	m.logger.Info().Msg("Microphone released")
	return errors.Join(errs...)
}

// Speaker renders a playback timeline on the default output device.
type Speaker struct {
	stream   *portaudio.Stream
	timeline *playback.Timeline
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenSpeaker opens and starts a mono output stream at rate. The timeline's
// clock runs one buffer ahead of the render position.
func OpenSpeaker(rate, framesPerBuffer, queueSize int, logger zerolog.Logger) (*Speaker, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("no output device: %w", err)
	}

	s := &Speaker{
		timeline: playback.NewTimeline(rate, framesPerBuffer, queueSize),
		logger:   logger.With().Str("component", "speaker").Str("device", dev.Name).Logger(),
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, s.timeline.Render)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	s.stream = stream

	s.logger.Info().Int("sample_rate", rate).Int("frames_per_buffer", framesPerBuffer).Msg("Speaker started")
	return s, nil
}

// Timeline returns the output the playback scheduler writes to.
func (s *Speaker) Timeline() *playback.Timeline {
	return s.timeline
}

// Close stops playback. Safe to call more than once.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	backlog := s.timeline.Backlog()
	s.timeline.Flush()

	err := errors.Join(s.stream.Stop(), s.stream.Close())
	s.timeline.Close()
	s.logger.Info().
		Int("discarded_backlog", backlog).
		Uint64("dropped", s.timeline.Dropped()).
		Msg("Speaker stopped")
	return err
}
