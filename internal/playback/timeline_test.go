package playback

import (
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ones(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestTimeline_RendersAtAbsolutePosition(t *testing.T) {
	tl := NewTimeline(100, 0, 8)

	// 4 frames starting at frame 6
	require.NoError(t, tl.Schedule(ones(4, 0.5), 0.06))

	out := make([]float32, 8)
	tl.Render(out)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0.5, 0.5}, out)
	assert.InDelta(t, 0.08, tl.Now(), 1e-9)

	tl.Render(out)
	assert.Equal(t, []float32{0.5, 0.5, 0, 0, 0, 0, 0, 0}, out)
}

func TestTimeline_BackToBackBuffersHaveNoGap(t *testing.T) {
	tl := NewTimeline(100, 0, 8)
	require.NoError(t, tl.Schedule(ones(3, 0.25), 0))
	require.NoError(t, tl.Schedule(ones(3, 0.75), 0.03))

	out := make([]float32, 6)
	tl.Render(out)
	assert.Equal(t, []float32{0.25, 0.25, 0.25, 0.75, 0.75, 0.75}, out)
}

func TestTimeline_FlushDiscardsScheduled(t *testing.T) {
	tl := NewTimeline(100, 0, 8)
	require.NoError(t, tl.Schedule(ones(20, 0.5), 0))

	out := make([]float32, 4)
	tl.Render(out)
	assert.Equal(t, float32(0.5), out[0])

	tl.Flush()
	require.NoError(t, tl.Schedule(ones(2, 0.25), tl.Now()))
	tl.Render(out)
	assert.Equal(t, []float32{0.25, 0.25, 0, 0}, out)
}

// renderFed waits until the feeder has filled the hand-off channel or emptied
// the backlog, then renders one block.
func renderFed(tl *Timeline, out []float32) {
	for tl.Backlog() > 0 && len(tl.queue) < cap(tl.queue) {
		runtime.Gosched()
	}
	tl.Render(out)
}

func TestTimeline_OverflowWaitsForRoom(t *testing.T) {
	tl := NewTimeline(100, 0, 1)
	defer tl.Close()

	require.NoError(t, tl.Schedule(ones(2, 0.25), 0))
	require.NoError(t, tl.Schedule(ones(2, 0.5), 0.02))
	require.NoError(t, tl.Schedule(ones(2, 0.75), 0.04))
	assert.Equal(t, 2, tl.Backlog())

	out := make([]float32, 2)
	var played []float32
	for range 3 {
		renderFed(tl, out)
		played = append(played, out...)
	}
	assert.Equal(t, []float32{0.25, 0.25, 0.5, 0.5, 0.75, 0.75}, played)
	assert.Zero(t, tl.Backlog())
	assert.Zero(t, tl.Dropped())
}

func TestTimeline_LongReplyArrivingFasterThanRealTime(t *testing.T) {
	const (
		rate   = 24000
		lead   = 480
		chunks = 600  // 30 s
		size   = 1200 // 50 ms
	)
	tl := NewTimeline(rate, lead, 256)
	defer tl.Close()
	s := NewScheduler(tl, rate, zerolog.Nop())

	value := func(i int) float32 { return float32(i%100+1) / 1000 }

	out := make([]float32, 480)
	var played []float32
	for i := 0; i < chunks; i++ {
		_, err := s.ScheduleSamples(ones(size, value(i)))
		require.NoError(t, err, "chunk %d", i)
		if i%10 == 9 {
			renderFed(tl, out)
			played = append(played, out...)
		}
	}
	assert.InDelta(t, 30.02, s.NextScheduledTime(), 1e-6)
	assert.Zero(t, s.Stats().Dropped)

	for len(played) < lead+chunks*size {
		renderFed(tl, out)
		played = append(played, out...)
	}

	for i := 0; i < lead; i++ {
		require.Zero(t, played[i], "frame %d before the first chunk", i)
	}
	for i := 0; i < chunks; i++ {
		first := lead + i*size
		require.Equal(t, value(i), played[first], "first frame of chunk %d", i)
		require.Equal(t, value(i), played[first+size-1], "last frame of chunk %d", i)
	}
	assert.Zero(t, tl.Backlog())
}

func TestTimeline_FlushClearsBacklog(t *testing.T) {
	tl := NewTimeline(100, 0, 1)
	defer tl.Close()

	require.NoError(t, tl.Schedule(ones(2, 0.5), 0))
	require.NoError(t, tl.Schedule(ones(2, 0.5), 0.02))
	tl.Flush()
	assert.Zero(t, tl.Backlog())

	out := make([]float32, 4)
	tl.Render(out)
	assert.Equal(t, []float32{0, 0, 0, 0}, out)
}

func TestTimeline_ScheduleAfterClose(t *testing.T) {
	tl := NewTimeline(100, 0, 4)
	tl.Close()
	tl.Close()

	assert.ErrorIs(t, tl.Schedule(ones(1, 0.1), 0), ErrClosed)
	assert.Equal(t, uint64(1), tl.Dropped())
}

func TestTimeline_LeadOffsetsClock(t *testing.T) {
	tl := NewTimeline(100, 10, 4)
	assert.InDelta(t, 0.1, tl.Now(), 1e-9)

	tl.Render(make([]float32, 10))
	assert.InDelta(t, 0.2, tl.Now(), 1e-9)
}

func TestTimeline_ClampsMix(t *testing.T) {
	tl := NewTimeline(100, 0, 4)
	require.NoError(t, tl.Schedule(ones(2, 0.8), 0))
	require.NoError(t, tl.Schedule(ones(2, 0.8), 0))

	out := make([]float32, 2)
	tl.Render(out)
	assert.Equal(t, []float32{1, 1}, out)
}
