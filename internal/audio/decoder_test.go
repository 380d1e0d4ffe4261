package audio

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func encodeSamples(samples ...int16) string {
	return base64.StdEncoding.EncodeToString(Int16ToPCM16(samples))
}

func TestDecodeChunk(t *testing.T) {
	samples, err := DecodeChunk(encodeSamples(0, 16384, -16384, 32767, -32768))
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}

	expected := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, expected[i], samples[i])
		}
	}
}

func TestDecodeChunk_Range(t *testing.T) {
	raw := make([]int16, 0, 65536)
	for v := -32768; v <= 32767; v += 7 {
		raw = append(raw, int16(v))
	}
	samples, err := DecodeChunk(base64.StdEncoding.EncodeToString(Int16ToPCM16(raw)))
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	for i, s := range samples {
		if s < -1 || s > 1 {
			t.Fatalf("Sample %d out of range: %v", i, s)
		}
	}
}

func TestDecodeChunk_OddTrailingByte(t *testing.T) {
	chunk := base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x7f})
	samples, err := DecodeChunk(chunk)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if len(samples) != 1 || samples[0] != 0.5 {
		t.Errorf("Expected a single 0.5 sample, got %v", samples)
	}
}

func TestDecodeChunk_Unpadded(t *testing.T) {
	pcm := Int16ToPCM16([]int16{-1, 1000, 2000})
	samples, err := DecodeChunk(base64.RawStdEncoding.EncodeToString(pcm))
	if err != nil {
		t.Fatalf("DecodeChunk failed for unpadded chunk: %v", err)
	}
	if len(samples) != 3 {
		t.Errorf("Expected 3 samples, got %d", len(samples))
	}
}

func TestDecodeChunk_Empty(t *testing.T) {
	samples, err := DecodeChunk("")
	if err != nil {
		t.Errorf("Expected no error for empty chunk, got %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Expected no samples, got %d", len(samples))
	}
}

func TestDecodeChunk_Corrupted(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"not base64", "%%%not base64%%%"},
		{"url alphabet", "AA-_fw"},
		{"url alphabet padded", "AA-_fw=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := DecodeChunk(tt.encoded)
			if !errors.Is(err, ErrInvalidEncoding) {
				t.Errorf("Expected ErrInvalidEncoding, got %v", err)
			}
			if samples != nil {
				t.Errorf("Expected no samples, got %v", samples)
			}
		})
	}
}

func TestChunkDecoder_ReportsAndContinues(t *testing.T) {
	var reported []error
	d := NewChunkDecoder(zerolog.Nop(), func(err error) {
		reported = append(reported, err)
	})

	if samples := d.Decode("%%%corrupt"); samples != nil {
		t.Errorf("Expected nil samples for a corrupted chunk, got %v", samples)
	}
	if len(reported) != 1 {
		t.Fatalf("Expected 1 reported error, got %d", len(reported))
	}

	samples := d.Decode(encodeSamples(100, 200))
	if len(samples) != 2 {
		t.Errorf("Expected the next valid chunk to decode, got %d samples", len(samples))
	}
	if len(reported) != 1 {
		t.Errorf("Expected no further errors, got %d", len(reported))
	}
}

func TestChunkDecoder_NilHook(t *testing.T) {
	d := NewChunkDecoder(zerolog.Nop(), nil)
	if samples := d.Decode("***"); samples != nil {
		t.Errorf("Expected nil samples, got %v", samples)
	}
}
