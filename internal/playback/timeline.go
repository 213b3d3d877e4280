package playback

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("playback timeline closed")

type pending struct {
	samples []float32
	start   int64
	gen     uint64
}

// Timeline is an Output whose clock is the number of frames the device has
// rendered. Render is meant to run inside the device callback: it takes no
// locks and does not allocate once the active list reaches its capacity.
//
// Buffers reach Render through a bounded channel. When it is full they wait in
// a backlog on the scheduling side, and a feeder goroutine moves them over in
// order as Render frees room, so a reply arriving faster than real time is
// never cut short.
type Timeline struct {
	rate int
	lead int64

	frames  atomic.Int64
	gen     atomic.Uint64
	queue   chan pending
	dropped atomic.Uint64

	mu      sync.Mutex
	backlog []pending
	held    bool // the feeder has taken backlog[0] and is sending it
	closed  bool

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	// owned by the render goroutine
	active []pending
}

// NewTimeline creates a timeline at rate. lead is the number of frames the
// clock reports ahead of the render position so new buffers are never placed
// inside a block that is already being rendered. queueSize bounds both the
// hand-off channel and the number of concurrently active buffers. Close stops
// the feeder goroutine.
func NewTimeline(rate, lead, queueSize int) *Timeline {
	if queueSize <= 0 {
		queueSize = 256
	}
	t := &Timeline{
		rate:   rate,
		lead:   int64(lead),
		queue:  make(chan pending, queueSize),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		active: make([]pending, 0, queueSize),
	}
	go t.feed()
	return t
}

// Now returns the device clock in seconds.
func (t *Timeline) Now() float64 {
	return float64(t.frames.Load()+t.lead) / float64(t.rate)
}

// Schedule hands a buffer to the render side without blocking. Buffers are
// delivered in the order they were scheduled.
func (t *Timeline) Schedule(samples []float32, at float64) error {
	p := pending{
		samples: samples,
		start:   int64(math.Round(at * float64(t.rate))),
		gen:     t.gen.Load(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.dropped.Add(1)
		return ErrClosed
	}
	if len(t.backlog) == 0 && !t.held {
		select {
		case t.queue <- p:
			return nil
		default:
		}
	}
	t.backlog = append(t.backlog, p)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *Timeline) feed() {
	for {
		t.mu.Lock()
		if len(t.backlog) == 0 {
			t.mu.Unlock()
			select {
			case <-t.wake:
				continue
			case <-t.stop:
				return
			}
		}
		p := t.backlog[0]
		t.backlog[0] = pending{}
		t.backlog = t.backlog[1:]
		t.held = true
		t.mu.Unlock()

		select {
		case t.queue <- p:
		case <-t.stop:
			return
		}

		t.mu.Lock()
		t.held = false
		t.mu.Unlock()
	}
}

// Backlog returns how many buffers are waiting for room on the render side.
func (t *Timeline) Backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.backlog)
	if t.held {
		n++
	}
	return n
}

// Flush invalidates every buffer scheduled so far.
func (t *Timeline) Flush() {
	t.gen.Add(1)

	t.mu.Lock()
	clear(t.backlog)
	t.backlog = t.backlog[:0]
	// a buffer the feeder is still sending is stale and Render skips it
	t.held = false
	t.mu.Unlock()
}

// Close stops the feeder. Later Schedule calls fail with ErrClosed.
func (t *Timeline) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.backlog = nil
		t.mu.Unlock()
		close(t.stop)
	})
}

// Dropped returns the number of buffers refused after Close.
func (t *Timeline) Dropped() uint64 {
	return t.dropped.Load()
}

// Render fills out with the mix of all buffers overlapping the next
// len(out) frames and advances the clock.
func (t *Timeline) Render(out []float32) {
	gen := t.gen.Load()

drain:
	for len(t.active) < cap(t.active) {
		select {
		case p := <-t.queue:
			if p.gen >= gen {
				t.active = append(t.active, p)
			}
		default:
			break drain
		}
	}

	for i := range out {
		out[i] = 0
	}

	now := t.frames.Load()
	end := now + int64(len(out))
	kept := t.active[:0]
	for _, p := range t.active {
		if p.gen < gen {
			continue
		}
		pEnd := p.start + int64(len(p.samples))
		from := max(p.start, now)
		to := min(pEnd, end)
		for f := from; f < to; f++ {
			out[f-now] += p.samples[f-p.start]
		}
		if pEnd > end {
			kept = append(kept, p)
		}
	}
	// release references held past the compacted length
	for i := len(kept); i < len(t.active); i++ {
		t.active[i] = pending{}
	}
	t.active = kept

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	t.frames.Add(int64(len(out)))
}
