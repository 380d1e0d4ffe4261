package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/observability"
)

// ErrInvalidEncoding is returned when a chunk is not standard base64
var ErrInvalidEncoding = errors.New("audio: invalid chunk encoding")

// Standard alphabet only; missing padding is tolerated
var chunkEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// DecodeChunk turns a base64 PCM16 LE chunk into normalized samples.
// An empty chunk decodes to no samples and no error.
func DecodeChunk(encoded string) ([]float32, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}

	var raw []byte
	var err error
	for _, enc := range chunkEncodings {
		raw, err = enc.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	return Normalize(PCM16ToInt16(raw)), nil
}

// ChunkDecoder decodes chunks without ever failing the caller. Errors go to the
// log, the decode error metric and the optional error hook.
type ChunkDecoder struct {
	logger  zerolog.Logger
	onError func(error)
}

// NewChunkDecoder creates a decoder. onError may be nil.
func NewChunkDecoder(logger zerolog.Logger, onError func(error)) *ChunkDecoder {
	return &ChunkDecoder{
		logger:  logger,
		onError: onError,
	}
}

// Decode returns the samples of a chunk, or nil if the chunk is empty or corrupt
func (d *ChunkDecoder) Decode(encoded string) []float32 {
	samples, err := DecodeChunk(encoded)
	if err != nil {
		observability.RecordAudioChunk("decode_error")
		d.logger.Warn().Err(err).Int("encoded_len", len(encoded)).Msg("Skipping undecodable audio chunk")
		if d.onError != nil {
			d.onError(err)
		}
		return nil
	}
	return samples
}
