package audio

import (
	"sync"
)

// RingBuffer is a thread-safe FIFO of float samples.
// The capture worker uses it to re-cut resampled audio into fixed-size frames.
type RingBuffer struct {
	buffer []float32
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size-1 samples.
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]float32, size),
		size:   size,
	}
}

// Write copies samples into the buffer.
// Returns the number written, which is less than len(samples) when the buffer fills.
func (rb *RingBuffer) Write(samples []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(samples), rb.space())
	for written := 0; written < n; {
		end := rb.size
		if rb.read > rb.write {
			end = rb.read - 1
		} else if rb.read == 0 {
			end = rb.size - 1
		}
		c := copy(rb.buffer[rb.write:end], samples[written:n])
		written += c
		rb.write = (rb.write + c) % rb.size
	}
	return n
}

// ReadFull fills dst only if at least len(dst) samples are buffered.
func (rb *RingBuffer) ReadFull(dst []float32) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available() < len(dst) {
		return false
	}
	rb.readLocked(dst)
	return true
}

func (rb *RingBuffer) readLocked(dst []float32) int {
	n := min(len(dst), rb.available())
	for read := 0; read < n; {
		end := rb.size
		if rb.write > rb.read {
			end = rb.write
		}
		c := copy(dst[read:n], rb.buffer[rb.read:end])
		read += c
		rb.read = (rb.read + c) % rb.size
	}
	return n
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// one slot stays empty so full and empty are distinguishable
func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}

// Clear drops all buffered samples
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}
