package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminator carried in the "type" field of every payload
type EventType string

// Inbound (server -> client) event types
const (
	TypeConnected        EventType = "connected"
	TypePong             EventType = "pong"
	TypeUserMessage      EventType = "user_message"
	TypeAssistantMessage EventType = "assistant_message"
	TypeAudioChunk       EventType = "audio_chunk"
	TypeError            EventType = "error"
)

// Outbound (client -> server) event types
const (
	TypeMessage   EventType = "message"
	TypePing      EventType = "ping"
	TypeStopAudio EventType = "stop_audio"
)

var (
	// ErrUnknownType is returned for payloads whose discriminator is not recognized
	ErrUnknownType = errors.New("protocol: unknown event type")

	// ErrMalformed is returned when a payload is not valid JSON or misses required fields
	ErrMalformed = errors.New("protocol: malformed payload")
)

// Event is implemented by every decoded inbound payload
type Event interface {
	EventType() EventType
}

// Envelope carries only the discriminator and is used for the first decoding pass
type Envelope struct {
	Type EventType `json:"type"`
}

// ConnectedEvent acknowledges the handshake
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id"`
	VoiceID        string `json:"voice_id,omitempty"`
}

func (ConnectedEvent) EventType() EventType { return TypeConnected }

// PongEvent acknowledges a heartbeat ping
type PongEvent struct{}

func (PongEvent) EventType() EventType { return TypePong }

// UserMessageEvent echoes the user turn that was just persisted
type UserMessageEvent struct {
	Message Message `json:"message"`
}

func (UserMessageEvent) EventType() EventType { return TypeUserMessage }

// AssistantMessageEvent carries the generated reply text
type AssistantMessageEvent struct {
	Message Message `json:"message"`
}

func (AssistantMessageEvent) EventType() EventType { return TypeAssistantMessage }

// AudioChunkEvent is one base64 fragment of synthesized PCM16 speech
type AudioChunkEvent struct {
	Audio  string `json:"audio"`
	IsLast bool   `json:"is_last"`
}

func (AudioChunkEvent) EventType() EventType { return TypeAudioChunk }

// ErrorEvent reports a server-side failure
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) EventType() EventType { return TypeError }

// DecodeInbound parses a raw server payload into its typed event
func DecodeInbound(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeConnected:
		var ev ConnectedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: connected: %v", ErrMalformed, err)
		}
		return ev, nil

	case TypePong:
		return PongEvent{}, nil

	case TypeUserMessage:
		var ev UserMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: user_message: %v", ErrMalformed, err)
		}
		if ev.Message.ID == "" {
			return nil, fmt.Errorf("%w: user_message without id", ErrMalformed)
		}
		return ev, nil

	case TypeAssistantMessage:
		var ev AssistantMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: assistant_message: %v", ErrMalformed, err)
		}
		if ev.Message.ID == "" {
			return nil, fmt.Errorf("%w: assistant_message without id", ErrMalformed)
		}
		return ev, nil

	case TypeAudioChunk:
		var ev AudioChunkEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: audio_chunk: %v", ErrMalformed, err)
		}
		return ev, nil

	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Outbound is a client -> server payload
type Outbound struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// NewChatMessage builds the payload for sending a text turn
func NewChatMessage(content string) Outbound {
	return Outbound{Type: TypeMessage, Content: content}
}

// NewPing builds a heartbeat ping
func NewPing() Outbound {
	return Outbound{Type: TypePing}
}

// NewStopAudio builds the directive asking the server to stop streaming audio
func NewStopAudio() Outbound {
	return Outbound{Type: TypeStopAudio}
}
