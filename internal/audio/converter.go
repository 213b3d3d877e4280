package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// SampleRate is the fixed wire rate shared by capture and playback (mono PCM16 LE).
const SampleRate = 24000

// ErrOddLength is returned when a PCM16 payload ends in an incomplete sample.
var ErrOddLength = errors.New("pcm16 payload has odd byte length")

// FloatToPCM16 converts a float sample in [-1, 1] to int16.
// Negative values scale by 32768 and positive values by 32767, both clamped.
func FloatToPCM16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s < 0 {
		if s <= -1 {
			return math.MinInt16
		}
		return int16(s * 32768)
	}
	if s >= 1 {
		return math.MaxInt16
	}
	return int16(s * 32767)
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 0x8000
	}
	return float32(v) / 0x7FFF
}

// EncodePCM16 appends samples to dst as little-endian PCM16 and returns the extended slice.
func EncodePCM16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		v := FloatToPCM16(s)
		dst = append(dst, byte(v), byte(v>>8))
	}
	return dst
}

// DecodePCM16 decodes little-endian PCM16 bytes into dst, reusing its capacity.
func DecodePCM16(dst []float32, data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return dst[:0], fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}

	n := len(data) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = PCM16ToFloat(int16(data[i*2]) | int16(data[i*2+1])<<8)
	}
	return dst, nil
}

// EncodeFrame converts one capture frame to the base64 PCM16 form used on the wire.
// scratch is reused between calls to avoid per-frame allocation of the byte buffer.
func EncodeFrame(scratch []byte, samples []float32) (string, []byte) {
	scratch = EncodePCM16(scratch[:0], samples)
	return base64.StdEncoding.EncodeToString(scratch), scratch
}

// DecodeChunk decodes a base64 PCM16 payload received from the remote.
func DecodeChunk(dst []float32, payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return dst[:0], fmt.Errorf("invalid base64 audio: %w", err)
	}
	return DecodePCM16(dst, raw)
}

// FramesForDuration returns the number of samples covering ms milliseconds at rate.
func FramesForDuration(rate, ms int) int {
	return rate * ms / 1000
}

// CalculateRMS calculates the root mean square of float samples.
// Used for the input level gauge.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// LevelDBFS converts an RMS value in [0, 1] to decibels relative to full scale.
func LevelDBFS(rms float64) float64 {
	if rms <= 0 {
		return -96.0
	}
	db := 20 * math.Log10(rms)
	if db < -96.0 {
		return -96.0
	}
	return db
}
