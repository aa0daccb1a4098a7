package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var ErrInvalidWAV = errors.New("invalid wav data")

// WAV is decoded 16-bit PCM audio, downmixed to mono.
type WAV struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

func (w WAV) Duration() time.Duration {
	return PCMDuration(len(w.PCM), w.SampleRate)
}

// EncodeWAV wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAV(f, pcm, sampleRate)
}

// WriteWAV writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)

	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(1),
		uint32(sampleRate),
		uint32(sampleRate * BytesPerSample),
		uint16(BytesPerSample),
		uint16(16),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

func ReadWAVFile(path string) (WAV, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WAV{}, err
	}
	return DecodeWAV(data)
}

// DecodeWAV parses a 16-bit PCM WAV file. Multi-channel audio is averaged down
// to mono.
func DecodeWAV(data []byte) (WAV, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}
	var (
		out       WAV
		bits      int
		haveFmt   bool
		rawFrames []byte
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAV{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 && format != 0xFFFE {
				return WAV{}, fmt.Errorf("%w: unsupported encoding %d", ErrInvalidWAV, format)
			}
			out.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			out.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			rawFrames = data[body:end]
		}
		// Chunks are word aligned.
		pos = body + size + size%2
	}
	if !haveFmt || rawFrames == nil {
		return WAV{}, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidWAV)
	}
	if bits != 16 {
		return WAV{}, fmt.Errorf("%w: %d-bit samples, want 16", ErrInvalidWAV, bits)
	}
	if out.Channels <= 0 || out.SampleRate <= 0 {
		return WAV{}, fmt.Errorf("%w: bad channel count or sample rate", ErrInvalidWAV)
	}
	out.PCM = downmix(rawFrames, out.Channels)
	return out, nil
}

func downmix(frames []byte, channels int) []byte {
	if channels == 1 {
		return frames[:len(frames)/BytesPerSample*BytesPerSample]
	}
	stride := channels * BytesPerSample
	n := len(frames) / stride
	out := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			off := i*stride + c*BytesPerSample
			sum += int(int16(binary.LittleEndian.Uint16(frames[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(sum/channels)))
	}
	return out
}
