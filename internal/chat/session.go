package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/history"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/playback"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/session"
	"github.com/lexiqai/companion-chat/internal/transport"
)

// ErrClosed is returned by operations on a closed session
var ErrClosed = errors.New("chat: session closed")

// OutputDevice is an audio output the session owns and closes
type OutputDevice interface {
	playback.Output
	Close() error
}

// Callbacks observe a session. They may run on transport or playback
// goroutines and must not block.
type Callbacks struct {
	OnMessages        func([]protocol.Message)
	OnConnectionState func(transport.State)
	OnPlaybackState   func(playback.State)
	OnServerError     func(message string)
	OnFatal           func(err error)
}

// Config holds everything needed to open a chat view
type Config struct {
	ConversationID string

	// Transport is used as a template; its ConversationID is overwritten
	Transport transport.Config

	// History is optional; without it the view starts empty and SendOptimistic is unavailable
	History *history.Client

	// NewOutput opens the audio device on the first voiced reply. Nil disables audio.
	NewOutput func() (OutputDevice, error)

	Scheduler    playback.SchedulerConfig
	VoiceEnabled bool
}

// Session is one chat view: a transport, a reconciler, and a playback
// orchestrator bound to a single conversation. All of it is torn down by Close.
type Session struct {
	conversationID string
	viewID         string
	logger         zerolog.Logger
	metrics        *observability.ViewMetrics

	transport    *transport.Transport
	orchestrator *playback.Orchestrator
	reconciler   *session.Reconciler
	history      *history.Client
	callbacks    Callbacks

	newOutput       func() (OutputDevice, error)
	schedulerConfig playback.SchedulerConfig

	mu     sync.Mutex
	output OutputDevice
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession wires a chat view. Nothing connects until Start.
func NewSession(cfg Config, callbacks Callbacks, logger zerolog.Logger) *Session {
	viewID := observability.NewCorrelationID()
	logger = logger.With().
		Str("view_id", viewID).
		Str("conversation_id", cfg.ConversationID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationID:  cfg.ConversationID,
		viewID:          viewID,
		logger:          logger,
		metrics:         observability.NewViewMetrics(cfg.ConversationID),
		history:         cfg.History,
		callbacks:       callbacks,
		newOutput:       cfg.NewOutput,
		schedulerConfig: cfg.Scheduler,
		ctx:             ctx,
		cancel:          cancel,
	}

	s.reconciler = session.NewReconciler(cfg.ConversationID, observability.WithComponent(logger, "session"))
	s.reconciler.OnChange(func(msgs []protocol.Message) {
		if s.callbacks.OnMessages != nil {
			s.callbacks.OnMessages(msgs)
		}
	})

	tcfg := cfg.Transport
	tcfg.ConversationID = cfg.ConversationID
	s.transport = transport.New(tcfg, transport.Handlers{
		OnStateChange:      s.connectionStateChanged,
		OnConnected:        s.connected,
		OnUserMessage:      s.reconciler.AddLive,
		OnAssistantMessage: s.assistantMessage,
		OnAudioChunk:       s.audioChunk,
		OnServerError:      s.serverError,
		OnFatal:            s.fatal,
		BeforeSend: func() {
			s.orchestrator.Stop(playback.StopReasonNewMessage)
		},
	}, observability.WithComponent(logger, "transport"))

	s.orchestrator = playback.NewOrchestrator(playback.OrchestratorConfig{
		Sender:        s.transport,
		NewScheduler:  s.buildScheduler,
		VoiceEnabled:  cfg.VoiceEnabled,
		OnStateChange: s.playbackStateChanged,
	}, observability.WithComponent(logger, "playback"))

	return s
}

// ConversationID returns the conversation this view is bound to
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Start loads the history snapshot and opens the live connection. A missing or
// forbidden conversation fails Start; other snapshot failures only degrade the
// view to live messages.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.metrics.RecordViewOpen()

	if s.history != nil {
		conv, err := s.history.FetchSnapshot(ctx, s.conversationID)
		switch {
		case err == nil:
			s.reconciler.SetSnapshot(conv.Messages)
		case errors.Is(err, history.ErrNotFound), errors.Is(err, history.ErrForbidden):
			return fmt.Errorf("failed to open conversation: %w", err)
		default:
			s.metrics.RecordError("snapshot_fetch", "session")
			s.logger.Warn().Err(err).Msg("History unavailable, showing live messages only")
		}
	}

	if err := s.transport.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.logger.Info().Msg("Chat view started")
	return nil
}

// Send sends a turn over the live connection. Playing audio is stopped first.
func (s *Session) Send(content string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.transport.SendMessage(content)
}

// SendOptimistic sends a turn over request/response. The turn shows up at once
// as a placeholder; the persisted pair replaces it and a fresh snapshot is
// loaded in the background.
func (s *Session) SendOptimistic(ctx context.Context, content string) (*protocol.SendResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.history == nil {
		return nil, fmt.Errorf("request/response sends need a history client")
	}

	s.orchestrator.Stop(playback.StopReasonNewMessage)
	placeholder := s.reconciler.AddOptimistic(content, protocol.RoleUser)

	result, err := s.history.PostMessage(ctx, s.conversationID, content)
	if err != nil {
		s.reconciler.RemoveOptimistic(placeholder.ID)
		return nil, err
	}

	s.reconciler.AddLive(result.UserMessage)
	s.reconciler.AddLive(result.AssistantMessage)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refreshSnapshot()
	}()

	return result, nil
}

func (s *Session) refreshSnapshot() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	conv, err := s.history.FetchSnapshot(ctx, s.conversationID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Failed to refresh history after send")
		}
		return
	}
	if s.isClosed() {
		return
	}
	s.reconciler.SetSnapshot(conv.Messages)
}

// StopAudio stops local playback and tells the server to stop streaming
func (s *Session) StopAudio() {
	s.orchestrator.Stop(playback.StopReasonUser)
}

// SetVoiceEnabled toggles audio output; disabling mid-reply stops it
func (s *Session) SetVoiceEnabled(enabled bool) {
	s.orchestrator.SetVoiceEnabled(enabled)
}

// VoiceEnabled reports whether audio output is enabled
func (s *Session) VoiceEnabled() bool {
	return s.orchestrator.VoiceEnabled()
}

// Messages returns the reconciled message list
func (s *Session) Messages() []protocol.Message {
	return s.reconciler.View()
}

// ConnectionState returns the transport state
func (s *Session) ConnectionState() transport.State {
	return s.transport.State()
}

// PlaybackState returns the reported playback state
func (s *Session) PlaybackState() playback.State {
	return s.orchestrator.State()
}

// Close stops playback on both ends, disposes the connection and releases the
// audio device. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.orchestrator.Stop(playback.StopReasonClose)
	s.orchestrator.Close()
	s.transport.Dispose()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	out := s.output
	s.output = nil
	s.mu.Unlock()
	if out != nil {
		if err := out.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close audio output")
		}
	}

	s.metrics.RecordViewClose()
	s.logger.Info().Msg("Chat view closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) buildScheduler() *playback.Scheduler {
	if s.newOutput == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.output == nil {
		out, err := s.newOutput()
		if err != nil {
			s.metrics.RecordError("output_open", "playback")
			s.logger.Error().Err(err).Msg("Failed to open audio output")
			return nil
		}
		s.output = out
	}
	return playback.NewScheduler(s.output, s.schedulerConfig, observability.WithComponent(s.logger, "scheduler"))
}

func (s *Session) connectionStateChanged(state transport.State) {
	s.metrics.RecordConnectionState(int(state))
	if s.callbacks.OnConnectionState != nil {
		s.callbacks.OnConnectionState(state)
	}
}

func (s *Session) connected(ev protocol.ConnectedEvent) {
	s.logger.Debug().Str("voice_id", ev.VoiceID).Msg("Server acknowledged chat view")
}

func (s *Session) assistantMessage(msg protocol.Message) {
	s.reconciler.AddLive(msg)
	s.orchestrator.HandleAssistantMessage(msg)
}

func (s *Session) audioChunk(chunk protocol.AudioChunkEvent) {
	s.orchestrator.HandleAudioChunk(chunk)
}

func (s *Session) playbackStateChanged(state playback.State) {
	if s.callbacks.OnPlaybackState != nil {
		s.callbacks.OnPlaybackState(state)
	}
}

func (s *Session) serverError(message string) {
	s.metrics.RecordError("server_error", "transport")
	if s.callbacks.OnServerError != nil {
		s.callbacks.OnServerError(message)
	}
}

func (s *Session) fatal(err error) {
	s.metrics.RecordError("fatal", "transport")
	s.logger.Error().Err(err).Msg("Chat view lost its connection permanently")
	if s.callbacks.OnFatal != nil {
		s.callbacks.OnFatal(err)
	}
}
