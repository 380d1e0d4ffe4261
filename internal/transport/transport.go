package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/auth"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/resilience"
)

// State is the lifecycle state of the transport
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Handlers receive transport events. Inbound message handlers run one at a time
// on the read goroutine, in receipt order. Every handler runs without transport
// locks held and may call back into the transport.
type Handlers struct {
	OnStateChange      func(State)
	OnConnected        func(protocol.ConnectedEvent)
	OnUserMessage      func(protocol.Message)
	OnAssistantMessage func(protocol.Message)
	OnAudioChunk       func(protocol.AudioChunkEvent)
	OnServerError      func(message string)

	// OnFatal reports a terminal failure; the transport stays disconnected
	OnFatal func(err error)

	// BeforeSend runs before every outbound text message
	BeforeSend func()
}

// Config holds configuration for a Transport
type Config struct {
	BaseURL        string // ws:// or wss:// origin of the chat server
	ConversationID string
	Tokens         auth.TokenProvider

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Backoff           resilience.BackoffConfig

	// Dialer defaults to a gorilla dialer bounded by HandshakeTimeout
	Dialer *websocket.Dialer
}

// DefaultConfig returns a config with the standard liveness and backoff settings
func DefaultConfig(baseURL, conversationID string, tokens auth.TokenProvider) Config {
	return Config{
		BaseURL:           baseURL,
		ConversationID:    conversationID,
		Tokens:            tokens,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		Backoff:           resilience.DefaultBackoffConfig(),
	}
}

// Transport owns the duplex connection of one chat view. It reconnects with
// backoff after abnormal closures and stops for good on clean shutdown,
// terminal close codes, auth failures, Disconnect or Dispose.
type Transport struct {
	config   Config
	dialer   *websocket.Dialer
	backoff  *resilience.Backoff
	logger   zerolog.Logger
	handlers Handlers

	mu             sync.Mutex
	state          State
	conn           *connection
	generation     uint64
	attemptCancel  context.CancelFunc
	reconnectTimer *time.Timer
	reconnectSeq   uint64
	attempts       int
	stopped        bool // Disconnect was called; no automatic reconnects
	disposed       bool
}

// New creates a disconnected transport
func New(config Config, handlers Handlers, logger zerolog.Logger) *Transport {
	def := DefaultConfig(config.BaseURL, config.ConversationID, config.Tokens)
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Tokens == nil {
		config.Tokens = auth.StaticToken("")
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}

	return &Transport{
		config:   config,
		dialer:   dialer,
		backoff:  resilience.NewBackoff(config.Backoff),
		logger:   logger.With().Str("conversation_id", config.ConversationID).Logger(),
		handlers: handlers,
		state:    StateDisconnected,
	}
}

// Connect starts connecting. It is a no-op while connecting or connected; a
// pending reconnect is replaced by an immediate attempt.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.conn != nil || (t.state != StateDisconnected && t.reconnectTimer == nil) {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.cancelReconnectLocked()
	notify := t.startAttemptLocked()
	t.mu.Unlock()

	notify()
	return nil
}

// Disconnect closes the connection cleanly. No reconnect follows.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	notify := t.shutdownLocked()
	t.mu.Unlock()

	notify()
	return nil
}

// Dispose disconnects and invalidates every pending timer and handler. The
// transport cannot be used afterwards.
func (t *Transport) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	notify := t.shutdownLocked()
	t.disposed = true
	t.handlers = Handlers{}
	t.mu.Unlock()

	notify()
	t.logger.Debug().Msg("Transport disposed")
}

func (t *Transport) shutdownLocked() func() {
	t.stopped = true
	t.generation++
	t.cancelReconnectLocked()
	if t.attemptCancel != nil {
		t.attemptCancel()
		t.attemptCancel = nil
	}

	c := t.conn
	t.conn = nil
	if c != nil {
		go c.closeGracefully(protocol.CloseNormal, "client disconnect")
	}
	return t.setStateLocked(StateDisconnected)
}

// State returns the current lifecycle state
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReconnectPending reports whether a reconnect timer is armed
func (t *Transport) ReconnectPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectTimer != nil
}

// Attempts returns the number of connection attempts made so far
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// ConversationID returns the conversation this transport is bound to
func (t *Transport) ConversationID() string {
	return t.config.ConversationID
}

// SendMessage sends a text turn. Local playback is cancelled first through BeforeSend.
func (t *Transport) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	c, err := t.activeConnection()
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	t.mu.Lock()
	before := t.handlers.BeforeSend
	t.mu.Unlock()
	if before != nil {
		before()
	}

	return t.write(c, protocol.NewChatMessage(content))
}

// SendPing sends a heartbeat ping
func (t *Transport) SendPing() error {
	c, err := t.activeConnection()
	if err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	return t.write(c, protocol.NewPing())
}

// SendStopAudio asks the server to stop streaming audio for the current reply
func (t *Transport) SendStopAudio() error {
	c, err := t.activeConnection()
	if err != nil {
		return fmt.Errorf("send stop_audio: %w", err)
	}
	return t.write(c, protocol.NewStopAudio())
}

func (t *Transport) activeConnection() (*connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil, ErrDisposed
	}
	if t.conn == nil || t.state != StateConnected {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *Transport) write(c *connection, out protocol.Outbound) error {
	if err := c.send(out); err != nil {
		t.logger.Warn().Err(err).Str("type", string(out.Type)).Msg("Failed to send message")
		// The read loop observes the closed socket and schedules a reconnect
		c.abort("write failed")
		return fmt.Errorf("send %s: %w", out.Type, err)
	}
	return nil
}

// startAttemptLocked begins a fresh connection attempt under a new generation
func (t *Transport) startAttemptLocked() func() {
	t.generation++
	gen := t.generation
	t.attempts++

	if t.attemptCancel != nil {
		t.attemptCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.attemptCancel = cancel

	observability.RecordConnectionAttempt()
	logger := t.logger.With().Int("attempt", t.attempts).Logger()
	go t.run(ctx, gen, logger)

	return t.setStateLocked(StateConnecting)
}

func (t *Transport) run(ctx context.Context, gen uint64, logger zerolog.Logger) {
	token, err := t.config.Tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrTokenExpired) {
			t.fail(gen, err)
			return
		}
		logger.Warn().Err(err).Msg("Failed to fetch connection token")
		t.retry(gen, err)
		return
	}

	target := t.endpoint(token)
	ws, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil {
			hsErr := &HandshakeError{StatusCode: resp.StatusCode}
			if IsTerminal(hsErr) {
				t.fail(gen, hsErr)
				return
			}
			err = hsErr
		}
		logger.Warn().Err(err).Msg("Failed to connect")
		t.retry(gen, err)
		return
	}

	c := newConnection(gen, ws, t.config.WriteTimeout, logger)

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		c.release()
		return
	}
	t.conn = c
	t.mu.Unlock()

	logger.Debug().Msg("Socket open, awaiting handshake acknowledgment")
	c.armHandshake(t.config.HandshakeTimeout)
	t.readLoop(c)
}

func (t *Transport) endpoint(token string) string {
	base := strings.TrimRight(t.config.BaseURL, "/")
	return fmt.Sprintf("%s/api/chat/%s/ws?token=%s",
		base, url.PathEscape(t.config.ConversationID), url.QueryEscape(token))
}

func (t *Transport) readLoop(c *connection) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			t.closed(c, err)
			return
		}
		t.dispatch(c, data)
	}
}

// handlersFor returns the handlers if gen is still the live generation.
// Dispatch calls it right before every handler invocation, so once Dispose
// or a newer attempt takes over no further handler starts; one already
// running finishes on its own.
func (t *Transport) handlersFor(gen uint64) (Handlers, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation || t.disposed {
		return Handlers{}, false
	}
	return t.handlers, true
}

func (t *Transport) dispatch(c *connection, data []byte) {
	ev, err := protocol.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			observability.RecordInbound("unknown")
			c.logger.Warn().Err(err).Msg("Ignoring message of unknown type")
		} else {
			observability.RecordInbound("malformed")
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring malformed message")
		}
		return
	}
	observability.RecordInbound(string(ev.EventType()))

	switch e := ev.(type) {
	case protocol.ConnectedEvent:
		if !c.acknowledge() {
			return
		}
		// established notifies OnStateChange, which may dispose the transport
		t.established(c)
		c.logger.Info().Str("voice_id", e.VoiceID).Msg("Connected")
		if h, ok := t.handlersFor(c.gen); ok && h.OnConnected != nil {
			h.OnConnected(e)
		}

	case protocol.PongEvent:
		c.notifyPong()

	case protocol.UserMessageEvent:
		if h, ok := t.handlersFor(c.gen); ok && h.OnUserMessage != nil {
			h.OnUserMessage(e.Message)
		}

	case protocol.AssistantMessageEvent:
		if h, ok := t.handlersFor(c.gen); ok && h.OnAssistantMessage != nil {
			h.OnAssistantMessage(e.Message)
		}

	case protocol.AudioChunkEvent:
		if h, ok := t.handlersFor(c.gen); ok && h.OnAudioChunk != nil {
			h.OnAudioChunk(e)
		}

	case protocol.ErrorEvent:
		c.logger.Warn().Str("error", e.Message).Msg("Server reported an error")
		if h, ok := t.handlersFor(c.gen); ok && h.OnServerError != nil {
			h.OnServerError(e.Message)
		}
	}
}

// established moves to connected, resets the backoff and starts the heartbeat
func (t *Transport) established(c *connection) {
	t.mu.Lock()
	if c.gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.backoff.Reset()
	t.cancelReconnectLocked()
	notify := t.setStateLocked(StateConnected)
	t.mu.Unlock()

	go c.heartbeat(t.config.HeartbeatInterval, t.config.HeartbeatTimeout, func() {
		observability.RecordHeartbeatTimeout()
		c.logger.Warn().Dur("timeout", t.config.HeartbeatTimeout).Msg("Heartbeat not acknowledged, dropping connection")
	})
	notify()
}

// closed handles the end of a connection's read loop
func (t *Transport) closed(c *connection, err error) {
	reason := c.aborted()
	c.release()

	code := protocol.CloseAbnormal
	text := reason
	var ce *websocket.CloseError
	if reason == "" && errors.As(err, &ce) {
		code = ce.Code
		text = ce.Text
	}
	closeErr := &CloseError{Code: code, Reason: text}
	terminal := IsTerminal(closeErr)

	t.mu.Lock()
	if c.gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	observability.RecordConnectionClose(code, terminal)

	switch {
	case terminal:
		c.logger.Error().Int("code", code).Str("reason", text).Msg("Connection closed with terminal code")
		t.fail(c.gen, closeErr)
	case code == protocol.CloseNormal:
		c.logger.Info().Msg("Connection closed cleanly by server")
		t.mu.Lock()
		if c.gen != t.generation {
			t.mu.Unlock()
			return
		}
		t.stopped = true
		notify := t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		notify()
	default:
		c.logger.Warn().Err(err).Int("code", code).Str("reason", text).Msg("Connection lost")
		t.retry(c.gen, closeErr)
	}
}

// fail ends the lifecycle with a terminal error
func (t *Transport) fail(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.generation || t.disposed {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.generation++
	t.cancelReconnectLocked()
	notify := t.setStateLocked(StateDisconnected)
	onFatal := t.handlers.OnFatal
	t.mu.Unlock()

	t.logger.Error().Err(err).Msg("Connection failed permanently")
	notify()
	if onFatal != nil {
		onFatal(err)
	}
}

// retry arms the single reconnect timer after an abnormal failure
func (t *Transport) retry(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.generation || t.disposed || t.stopped {
		t.mu.Unlock()
		return
	}
	notify := t.setStateLocked(StateDisconnected)
	if t.reconnectTimer != nil {
		t.mu.Unlock()
		notify()
		return
	}

	delay := t.backoff.Next()
	t.reconnectSeq++
	seq := t.reconnectSeq
	t.reconnectTimer = time.AfterFunc(delay, func() { t.reconnect(seq) })
	t.mu.Unlock()

	observability.RecordReconnectScheduled(delay)
	t.logger.Info().Err(cause).Dur("delay", delay).Msg("Reconnect scheduled")
	notify()
}

func (t *Transport) reconnect(seq uint64) {
	t.mu.Lock()
	if seq != t.reconnectSeq || t.reconnectTimer == nil || t.disposed || t.stopped {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	notify := t.startAttemptLocked()
	t.mu.Unlock()

	notify()
}

func (t *Transport) cancelReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.reconnectSeq++
}

// setStateLocked updates the state and returns the notification to run after unlocking
func (t *Transport) setStateLocked(state State) func() {
	if t.state == state {
		return func() {}
	}
	t.state = state
	fn := t.handlers.OnStateChange
	t.logger.Debug().Str("state", state.String()).Msg("Connection state changed")
	if fn == nil {
		return func() {}
	}
	return func() { fn(state) }
}
