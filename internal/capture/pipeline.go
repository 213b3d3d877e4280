package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/lexiqai/realtime-voice/internal/realtime"
)

// Source is an acquired microphone. Start begins delivering blocks of mono
// float samples to onBlock from the device's realtime context; the slice is
// only valid during the call. Close stops the device and releases it, and
// must be safe to call more than once.
type Source interface {
	SampleRate() int
	Start(onBlock func(samples []float32)) error
	Close() error
}

// Gate decides whether frames may be transmitted.
type Gate interface {
	CanTransmit() bool
}

// Sender is the non-blocking outbound side of the transport.
type Sender interface {
	Send(msg any) bool
}

// Observer receives per-frame accounting. Implementations must not block.
type Observer interface {
	FrameSent(bytes int)
	FrameDropped(reason string)
	InputLevel(dbfs float64)
}

// Drop reasons reported to the Observer.
const (
	DropOverrun   = "overrun"
	DropGated     = "gated"
	DropTransport = "transport"
)

// Config tunes the pipeline.
type Config struct {
	SampleRate int // wire rate
	FrameMs    int
	// Slots is the number of preallocated device blocks in flight between the
	// callback and the worker.
	Slots int
	// MaxBlock is the size of one slot, in samples. A larger device block
	// is spread over several slots.
	MaxBlock int
}

// Stats holds per-pipeline counters.
type Stats struct {
	Blocks   uint64
	Frames   uint64
	Sent     uint64
	Gated    uint64
	Overruns uint64
	Refused  uint64
	// Pending is the number of samples buffered short of a full frame.
	Pending int
}

type block struct {
	slot int
	n    int
}

// Pipeline moves microphone audio to the transport. The device callback only
// copies into a free slot and hands its index to a worker goroutine, which
// resamples, re-frames, encodes and sends.
type Pipeline struct {
	src      Source
	gate     Gate
	sender   Sender
	observer Observer
	logger   zerolog.Logger

	frameSize int
	resampler *audio.Resampler
	fifo      *audio.RingBuffer

	slots [][]float32
	free  chan int
	full  chan block
	stop  chan struct{}
	done  chan struct{}

	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	blocks   atomic.Uint64
	frames   atomic.Uint64
	sent     atomic.Uint64
	gated    atomic.Uint64
	overruns atomic.Uint64
	refused  atomic.Uint64
}

// New builds a pipeline around an acquired source. observer may be nil.
func New(src Source, gate Gate, sender Sender, observer Observer, cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 8
	}
	if cfg.MaxBlock <= 0 {
		// 100 ms at the device rate
		cfg.MaxBlock = src.SampleRate() / 10
	}
	if observer == nil {
		observer = nopObserver{}
	}

	rs, err := audio.NewResampler(src.SampleRate(), cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to set up capture resampling: %w", err)
	}

	frameSize := audio.FramesForDuration(cfg.SampleRate, cfg.FrameMs)
	p := &Pipeline{
		src:       src,
		gate:      gate,
		sender:    sender,
		observer:  observer,
		logger:    logger.With().Str("component", "capture").Logger(),
		frameSize: frameSize,
		resampler: rs,
		fifo:      audio.NewRingBuffer(frameSize*8 + 1),
		slots:     make([][]float32, cfg.Slots),
		free:      make(chan int, cfg.Slots),
		full:      make(chan block, cfg.Slots),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = make([]float32, cfg.MaxBlock)
		p.free <- i
	}
	return p, nil
}

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("capture pipeline stopped")

// Start launches the worker and the device stream.
func (p *Pipeline) Start() error {
	if p.stopped.Load() {
		return ErrStopped
	}

	var err error
	p.startOnce.Do(func() {
		go p.run()
		if err = p.src.Start(p.onBlock); err != nil {
			err = fmt.Errorf("failed to start microphone: %w", err)
			return
		}
		in, out := p.resampler.Rates()
		p.logger.Info().
			Int("device_rate", in).
			Int("wire_rate", out).
			Int("frame_samples", p.frameSize).
			Msg("Capture started")
	})
	return err
}

// onBlock runs on the realtime audio thread: no locks, no allocation, no I/O.
func (p *Pipeline) onBlock(samples []float32) {
	if p.stopped.Load() {
		return
	}
	for len(samples) > 0 {
		select {
		case slot := <-p.free:
			n := copy(p.slots[slot], samples)
			// full has one entry per slot, so this never blocks
			p.full <- block{slot: slot, n: n}
			samples = samples[n:]
		default:
			p.overruns.Add(1)
			return
		}
	}
}

func (p *Pipeline) run() {
	defer close(p.done)

	frame := make([]float32, p.frameSize)
	var scratch []byte

	for {
		select {
		case <-p.stop:
			return
		case b := <-p.full:
			p.blocks.Add(1)
			samples, err := p.resampler.Process(p.slots[b.slot][:b.n])
			if err != nil {
				p.logger.Warn().Err(err).Msg("Dropping capture block")
				p.free <- b.slot
				continue
			}
			if w := p.fifo.Write(samples); w < len(samples) {
				p.overruns.Add(1)
				p.observer.FrameDropped(DropOverrun)
			}
			p.free <- b.slot

			for p.fifo.ReadFull(frame) {
				scratch = p.emit(frame, scratch)
			}
		}
	}
}

func (p *Pipeline) emit(frame []float32, scratch []byte) []byte {
	p.frames.Add(1)
	p.observer.InputLevel(audio.LevelDBFS(audio.CalculateRMS(frame)))

	if !p.gate.CanTransmit() {
		p.gated.Add(1)
		p.observer.FrameDropped(DropGated)
		return scratch
	}

	encoded, scratch := audio.EncodeFrame(scratch, frame)
	if !p.sender.Send(realtime.NewAudioAppend(encoded)) {
		p.refused.Add(1)
		p.observer.FrameDropped(DropTransport)
		return scratch
	}

	n := p.sent.Add(1)
	p.observer.FrameSent(len(scratch))
	if n <= 3 {
		p.logger.Debug().Uint64("frame", n).Int("bytes", len(scratch)).Msg("Sent audio frame")
	}
	return scratch
}

// Stop stops and releases the microphone and waits for the worker to exit.
// Safe to call more than once and before Start.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		err = p.src.Close()
		close(p.stop)

		started := true
		p.startOnce.Do(func() { started = false })
		if started {
			<-p.done
		}
		st := p.Stats()
		p.fifo.Clear()

		p.logger.Info().
			Uint64("frames", st.Frames).
			Uint64("sent", st.Sent).
			Uint64("gated", st.Gated).
			Uint64("overruns", st.Overruns).
			Int("discarded_samples", st.Pending).
			Msg("Capture stopped")
	})
	return err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Blocks:   p.blocks.Load(),
		Frames:   p.frames.Load(),
		Sent:     p.sent.Load(),
		Gated:    p.gated.Load(),
		Overruns: p.overruns.Load(),
		Pending:  p.fifo.Available(),
		Refused:  p.refused.Load(),
	}
}

type nopObserver struct{}

func (nopObserver) FrameSent(int)       {}
func (nopObserver) FrameDropped(string) {}
func (nopObserver) InputLevel(float64)  {}
