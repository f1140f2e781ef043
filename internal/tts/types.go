package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text          string
	Voice         string
	ReferencePath string
	Params        SynthParams
}

// SynthParams are the model conditioning knobs, each with a valid range
// enforced by the engine configuration.
type SynthParams struct {
	Exaggeration float64
	CFGWeight    float64
	Temperature  float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. The returned chunk
// stream is finite and not restartable.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
