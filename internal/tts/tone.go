package tts

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
)

// ToneConfig holds configuration for a ToneSynthesizer
type ToneConfig struct {
	SampleRate    int
	ChunkDuration time.Duration
	Amplitude     float64       // Peak level in [0, 1]
	PerRune       time.Duration // Tone length per character of a word
	Pace          bool          // Deliver chunks at playback speed instead of all at once
}

// DefaultToneConfig returns a 24kHz synthesizer producing 200ms chunks in real time
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		SampleRate:    audio.DefaultSampleRate,
		ChunkDuration: 200 * time.Millisecond,
		Amplitude:     0.3,
		PerRune:       40 * time.Millisecond,
		Pace:          true,
	}
}

// ToneSynthesizer renders text as a deterministic sequence of tones, one per
// word, separated by short pauses. It stands in for a speech service when
// only the streaming behaviour matters.
type ToneSynthesizer struct {
	config ToneConfig
	logger zerolog.Logger
}

// NewToneSynthesizer creates a tone synthesizer
func NewToneSynthesizer(config ToneConfig, logger zerolog.Logger) *ToneSynthesizer {
	def := DefaultToneConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = def.ChunkDuration
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = def.Amplitude
	}
	if config.PerRune <= 0 {
		config.PerRune = def.PerRune
	}
	return &ToneSynthesizer{config: config, logger: logger}
}

// SampleRate returns the rate of the produced audio
func (s *ToneSynthesizer) SampleRate() int {
	return s.config.SampleRate
}

// Synthesize streams the rendered tones for text
func (s *ToneSynthesizer) Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("nothing to synthesize")
	}

	pcm := s.Render(text)
	chunkBytes := int(s.config.ChunkDuration.Seconds()*float64(s.config.SampleRate)) * audio.BytesPerSample
	if chunkBytes < audio.BytesPerSample {
		chunkBytes = audio.BytesPerSample
	}

	audioChan := make(chan *AudioChunk, 10)

	go func() {
		defer close(audioChan)

		var ticker *time.Ticker
		if s.config.Pace {
			ticker = time.NewTicker(s.config.ChunkDuration)
			defer ticker.Stop()
		}

		sent := 0
		for off := 0; off < len(pcm); off += chunkBytes {
			end := off + chunkBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			chunk := &AudioChunk{
				Data:       pcm[off:end],
				SampleRate: s.config.SampleRate,
				IsLast:     end == len(pcm),
			}

			select {
			case <-ctx.Done():
				s.logger.Debug().Int("chunks_sent", sent).Msg("Synthesis cancelled")
				return
			case audioChan <- chunk:
				sent++
			}

			if ticker != nil && !chunk.IsLast {
				select {
				case <-ctx.Done():
					s.logger.Debug().Int("chunks_sent", sent).Msg("Synthesis cancelled")
					return
				case <-ticker.C:
				}
			}
		}

		s.logger.Debug().Int("chunks_sent", sent).Int("bytes", len(pcm)).Msg("Synthesis complete")
	}()

	return audioChan, nil
}

// Render returns the full PCM16 LE rendering of text
func (s *ToneSynthesizer) Render(text string) []byte {
	rate := float64(s.config.SampleRate)
	gap := make([]float32, int(0.06*rate))

	var samples []float32
	for i, word := range strings.Fields(text) {
		if i > 0 {
			samples = append(samples, gap...)
		}
		samples = append(samples, s.tone(word)...)
	}
	return audio.AppendPCM16(nil, samples)
}

// tone renders one word with a pitch derived from its letters and short ramps at both ends
func (s *ToneSynthesizer) tone(word string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(word)))
	freq := 180 + float64(h.Sum32()%240)

	rate := float64(s.config.SampleRate)
	n := int(s.config.PerRune.Seconds() * rate * float64(len([]rune(word))))
	if minimum := int(0.08 * rate); n < minimum {
		n = minimum
	}
	ramp := int(0.01 * rate)

	out := make([]float32, n)
	for i := range out {
		env := 1.0
		if i < ramp {
			env = float64(i) / float64(ramp)
		} else if n-i < ramp {
			env = float64(n-i) / float64(ramp)
		}
		out[i] = float32(s.config.Amplitude * env * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}
