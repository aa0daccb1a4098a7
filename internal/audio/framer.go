package audio

// Framer cuts a continuous sample stream into fixed-size PCM16LE frames.
type Framer struct {
	size    int
	pending []int16
}

func NewFramer(frameSamples int) *Framer {
	if frameSamples <= 0 {
		frameSamples = FrameSamples
	}
	return &Framer{size: frameSamples}
}

// WriteFloat converts captured float samples and returns every frame that is
// now complete.
func (f *Framer) WriteFloat(samples []float32) [][]byte {
	return f.Write(FloatToPCM16(samples))
}

// Write buffers samples and returns every frame that is now complete.
func (f *Framer) Write(samples []int16) [][]byte {
	f.pending = append(f.pending, samples...)
	var frames [][]byte
	for len(f.pending) >= f.size {
		frames = append(frames, EncodePCM16(f.pending[:f.size]))
		f.pending = f.pending[f.size:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return frames
}

// Flush returns the buffered remainder as a short frame, or nil.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	frame := EncodePCM16(f.pending)
	f.pending = nil
	return frame
}

func (f *Framer) Buffered() int { return len(f.pending) }
