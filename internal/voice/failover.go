package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverPair builds a recognizer/synthesizer pair that prefers the primary
// engines and switches both to the fallback once a primary start fails. The
// fallback stays active until it fails itself; then the primary is retried.
func NewFailoverPair(primaryRec Recognizer, primarySyn Synthesizer, fallbackRec Recognizer, fallbackSyn Synthesizer) (Recognizer, Synthesizer) {
	state := &failoverState{}
	return &failoverRecognizer{state: state, primary: primaryRec, fallback: fallbackRec},
		&failoverSynthesizer{state: state, primary: primarySyn, fallback: fallbackSyn}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

type failoverRecognizer struct {
	state    *failoverState
	primary  Recognizer
	fallback Recognizer
}

func (p *failoverRecognizer) StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognitionStream, error) {
	first, second := p.primary, p.fallback
	if p.state.fallbackActive.Load() {
		first, second = p.fallback, p.primary
	}
	stream, firstErr := first.StartRecognition(ctx, cfg)
	if firstErr == nil {
		return stream, nil
	}
	stream, secondErr := second.StartRecognition(ctx, cfg)
	if secondErr != nil {
		return nil, fmt.Errorf("recognizer failover: %v; %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(second == p.fallback)
	return stream, nil
}

type failoverSynthesizer struct {
	state    *failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func (p *failoverSynthesizer) StartSynthesis(ctx context.Context, req SynthesisRequest) (SynthesisStream, error) {
	first, second := p.primary, p.fallback
	if p.state.fallbackActive.Load() {
		first, second = p.fallback, p.primary
	}
	stream, firstErr := first.StartSynthesis(ctx, req)
	if firstErr == nil {
		return stream, nil
	}
	stream, secondErr := second.StartSynthesis(ctx, req)
	if secondErr != nil {
		return nil, fmt.Errorf("synthesizer failover: %v; %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(second == p.fallback)
	return stream, nil
}
