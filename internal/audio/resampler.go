package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono float audio between sample rates with a band-limited
// filter, so pitch and duration are preserved. Not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	rs      resampling.Resampler
	in      []float64
	out     []float32
}

// NewResampler creates a mono resampler. When the rates match, Process passes
// samples through unchanged.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inRate, outRate)
	}

	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

// Passthrough reports whether no conversion is performed.
func (r *Resampler) Passthrough() bool {
	return r.rs == nil
}

// Process converts one block of samples. The returned slice is only valid until
// the next call. The filter keeps state between calls, so blocks join seamlessly.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.rs == nil {
		return samples, nil
	}

	if cap(r.in) < len(samples) {
		r.in = make([]float64, len(samples))
	}
	r.in = r.in[:len(samples)]
	for i, s := range samples {
		r.in[i] = float64(s)
	}

	res, err := r.rs.Process(r.in)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	if cap(r.out) < len(res) {
		r.out = make([]float32, len(res))
	}
	r.out = r.out[:len(res)]
	for i, s := range res {
		r.out[i] = float32(s)
	}
	return r.out, nil
}

// Rates returns the input and output sample rates.
func (r *Resampler) Rates() (int, int) {
	return r.inRate, r.outRate
}
