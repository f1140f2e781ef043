package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate  int
	sampleWidth int
	channels    int
	delay       time.Duration
}

// NewMockSynth returns a synthesizer that emits deterministic PCM sized by
// the text length. Useful for development and for running the server
// without model weights.
func NewMockSynth(sampleRate, sampleWidth, channels int) Synthesizer {
	return &mockSynth{
		sampleRate:  sampleRate,
		sampleWidth: sampleWidth,
		channels:    channels,
		delay:       20 * time.Millisecond,
	}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}

		pcm := m.render(req.Text)
		chunk := SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

// render produces a quiet sawtooth wave, roughly 60ms of audio per
// character with a 300ms floor, so output length tracks input length.
func (m *mockSynth) render(text string) []byte {
	durationMS := 60 * len(text)
	if durationMS < 300 {
		durationMS = 300
	}
	if durationMS > 10000 {
		durationMS = 10000
	}
	frames := m.sampleRate * durationMS / 1000
	pcm := make([]byte, frames*m.sampleWidth*m.channels)
	for i := range pcm {
		pcm[i] = byte(i % 64)
	}
	return pcm
}
