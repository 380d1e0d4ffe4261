package tts

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
)

func fastConfig() ToneConfig {
	return ToneConfig{
		SampleRate:    8000,
		ChunkDuration: 50 * time.Millisecond,
		PerRune:       20 * time.Millisecond,
	}
}

func TestToneSynthesizer_Deterministic(t *testing.T) {
	s := NewToneSynthesizer(fastConfig(), zerolog.Nop())

	a := s.Render("hello there")
	b := s.Render("hello there")
	if !bytes.Equal(a, b) {
		t.Error("Expected identical renderings for identical text")
	}
	if len(a)%audio.BytesPerSample != 0 {
		t.Errorf("Expected whole samples, got %d bytes", len(a))
	}

	longer := s.Render("hello there general")
	if len(longer) <= len(a) {
		t.Errorf("Expected longer text to render longer audio, got %d <= %d", len(longer), len(a))
	}
}

func TestToneSynthesizer_ChunksEndWithLast(t *testing.T) {
	s := NewToneSynthesizer(fastConfig(), zerolog.Nop())

	ch, err := s.Synthesize(context.Background(), "one two three")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	var total []byte
	var chunks []*AudioChunk
	for c := range ch {
		chunks = append(chunks, c)
		total = append(total, c.Data...)
	}

	if len(chunks) < 2 {
		t.Fatalf("Expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.IsLast != (i == len(chunks)-1) {
			t.Errorf("Chunk %d: expected IsLast=%v", i, i == len(chunks)-1)
		}
		if c.SampleRate != 8000 {
			t.Errorf("Expected sample rate 8000, got %d", c.SampleRate)
		}
		if i < len(chunks)-1 && len(c.Data) != 800 {
			t.Errorf("Chunk %d: expected 800 bytes, got %d", i, len(c.Data))
		}
	}
	if !bytes.Equal(total, s.Render("one two three")) {
		t.Error("Expected concatenated chunks to equal the full rendering")
	}
}

func TestToneSynthesizer_Cancel(t *testing.T) {
	cfg := fastConfig()
	cfg.Pace = true
	s := NewToneSynthesizer(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Synthesize(ctx, "a fairly long sentence with many words to speak aloud")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	first := <-ch
	if first == nil || first.IsLast {
		t.Fatal("Expected a non-final first chunk")
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.IsLast {
				t.Error("Expected cancellation before the final chunk")
			}
		case <-deadline:
			t.Fatal("Expected channel to close after cancel")
		}
	}
}

func TestToneSynthesizer_EmptyText(t *testing.T) {
	s := NewToneSynthesizer(fastConfig(), zerolog.Nop())
	if _, err := s.Synthesize(context.Background(), "   "); err == nil {
		t.Error("Expected error for empty text")
	}
}
