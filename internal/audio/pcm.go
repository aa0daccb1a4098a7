package audio

import (
	"encoding/binary"
	"time"
)

const (
	SampleRate     = 16000
	BytesPerSample = 2
	// FrameSamples is the number of samples sent per audio_chunk message.
	FrameSamples = 2048
)

// FloatToPCM16 converts samples in [-1, 1] to signed 16-bit values. Negative
// samples scale by 0x8000 and positive ones by 0x7FFF so both ends of the
// range are reachable. Out-of-range input is clamped.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// EncodePCM16 serializes samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian bytes. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return out
}

// PCMDuration is the playing time of n bytes of PCM16 mono audio.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return time.Duration(n/BytesPerSample) * time.Second / time.Duration(sampleRate)
}
