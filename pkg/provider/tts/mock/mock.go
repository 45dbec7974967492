// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM to the pipeline and to verify the text
// and Voice passed to the synthesis backend.
package mock

import (
	"context"
	"sync"

	"github.com/sonobridge/sonobridge/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
// Zero values cause Synthesize to return an empty Synthesis and nil error.
type Provider struct {
	mu sync.Mutex

	// Synthesis is returned by Synthesize. May be nil (an empty Synthesis with
	// SampleRate 16000 is returned).
	Synthesis *tts.Synthesis

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Synthesis, Err.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Synthesis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Synthesis != nil {
		s := *p.Synthesis
		return &s, nil
	}
	return &tts.Synthesis{SampleRate: 16000}, nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
