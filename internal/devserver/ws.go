package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

var upgrader = websocket.Upgrader{
	// Development server: any origin may connect
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const writeTimeout = 10 * time.Second

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// chatConn is one accepted chat socket
type chatConn struct {
	ws     *websocket.Conn
	conv   *Conversation
	logger zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	ttsCancel context.CancelFunc
	ttsDone   chan struct{}
}

func (c *chatConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *chatConn) sendError(message string) {
	if err := c.send(gin.H{"type": protocol.TypeError, "message": message}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send error event")
	}
}

// reject closes a socket that never completed the handshake
func reject(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	ws.Close()
}

func (s *Server) chatWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	claims, err := s.issuer.Validate(c.Query("token"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Chat WebSocket auth failed")
		reject(ws, protocol.CloseUnauthorized, err.Error())
		return
	}

	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		reject(ws, protocol.CloseNotFound, "Conversation not found")
		return
	case err != nil:
		reject(ws, websocket.CloseInternalServerErr, "failed to load conversation")
		return
	case conv.OwnerID != claims.Subject:
		reject(ws, protocol.CloseForbidden, "Access denied")
		return
	}

	conn := &chatConn{
		ws:   ws,
		conv: conv,
		logger: s.logger.With().
			Str("conversation_id", conv.ID).
			Str("subject", claims.Subject).
			Logger(),
	}
	s.track(conn, true)
	defer s.track(conn, false)
	defer ws.Close()

	connected := gin.H{
		"type":            protocol.TypeConnected,
		"conversation_id": conv.ID,
		"voice_id":        conv.VoiceID,
	}
	if err := conn.send(connected); err != nil {
		conn.logger.Warn().Err(err).Msg("Failed to send connection confirmation")
		return
	}
	conn.logger.Info().Msg("Chat WebSocket connected")

	s.readLoop(conn)

	conn.cancelSpeech()
	conn.logger.Info().Msg("Chat WebSocket disconnected")
}

func (s *Server) track(conn *chatConn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) readLoop(conn *chatConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug().Err(err).Msg("Chat WebSocket closed unexpectedly")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("Invalid JSON payload")
			continue
		}

		switch protocol.EventType(msg.Type) {
		case protocol.TypePing:
			if err := conn.send(gin.H{"type": protocol.TypePong}); err != nil {
				return
			}

		case protocol.TypeStopAudio:
			conn.cancelSpeech()
			conn.logger.Debug().Msg("Audio stopped by client")

		case protocol.TypeMessage:
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				conn.sendError("Message content is required")
				continue
			}
			if err := s.handleMessage(conn, content); err != nil {
				conn.logger.Error().Err(err).Msg("Failed to process message")
				conn.sendError(err.Error())
			}

		default:
			conn.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}

func (s *Server) handleMessage(conn *chatConn, content string) error {
	// A new turn supersedes any reply still being spoken
	conn.cancelSpeech()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, assistant, err := s.exchange(ctx, conn.conv, content)
	if err != nil {
		return fmt.Errorf("failed to process message: %w", err)
	}

	if err := conn.send(gin.H{"type": protocol.TypeUserMessage, "message": user.toProtocol()}); err != nil {
		return err
	}
	if err := conn.send(gin.H{"type": protocol.TypeAssistantMessage, "message": assistant.toProtocol()}); err != nil {
		return err
	}

	if s.synthesizer != nil {
		conn.startSpeech(s, assistant.Content)
	}
	return nil
}

// startSpeech streams synthesized audio for text until it completes or is cancelled
func (c *chatConn) startSpeech(s *Server, text string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.ttsCancel = cancel
	c.ttsDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		chunks, err := s.synthesizer.Synthesize(ctx, text)
		if err != nil {
			c.logger.Error().Err(err).Msg("Speech synthesis failed")
			c.sendError(fmt.Sprintf("TTS error: %v", err))
			return
		}

		sent := 0
		for chunk := range chunks {
			if ctx.Err() != nil {
				break
			}
			err := c.send(gin.H{
				"type":    protocol.TypeAudioChunk,
				"audio":   base64.StdEncoding.EncodeToString(chunk.Data),
				"is_last": chunk.IsLast,
			})
			if err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send audio chunk")
				cancel()
				break
			}
			sent++
		}
		// Let the synthesizer goroutine exit
		for range chunks {
		}
		c.logger.Debug().Int("chunks", sent).Bool("cancelled", ctx.Err() != nil).Msg("Speech stream finished")
	}()
}

// cancelSpeech stops the active speech stream and waits until no more chunks can be sent
func (c *chatConn) cancelSpeech() {
	c.mu.Lock()
	cancel, done := c.ttsCancel, c.ttsDone
	c.ttsCancel, c.ttsDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
