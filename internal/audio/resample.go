package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts PCM16LE mono audio between sample rates. Equal rates
// return the input unchanged.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate || len(pcm) < BytesPerSample {
		return pcm, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	samples := DecodePCM16(pcm)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1:
			out[i] = 32767
		case s <= -1:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return EncodePCM16(out), nil
}
