package tts

import "context"

// AudioChunk is one piece of synthesized speech ready for streaming
type AudioChunk struct {
	Data       []byte // PCM16 little-endian mono
	SampleRate int    // Sample rate in Hz
	IsLast     bool   // Final chunk of the utterance
}

// Synthesizer converts text to speech and streams it in chunks
type Synthesizer interface {
	// Synthesize streams audio for text. The channel closes when synthesis
	// completes or ctx is cancelled; the last chunk delivered before
	// completion has IsLast set.
	Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error)

	// SampleRate returns the rate of the produced audio
	SampleRate() int
}
