package playback

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/transport"
)

// StopSender delivers the stop_audio directive to the server
type StopSender interface {
	SendStopAudio() error
}

// Stop reasons
const (
	StopReasonUser          = "user"
	StopReasonNewMessage    = "new_message"
	StopReasonVoiceDisabled = "voice_disabled"
	StopReasonClose         = "close"
)

// OrchestratorConfig holds the collaborators of an Orchestrator
type OrchestratorConfig struct {
	Sender StopSender

	// NewScheduler builds the scheduler on the first assistant message with
	// voice enabled, since the output may only be usable after a user action.
	NewScheduler func() *Scheduler

	Decoder       *audio.ChunkDecoder
	VoiceEnabled  bool
	OnStateChange func(State)
}

// Orchestrator routes audio chunks from the transport into the scheduler and
// turns user stops into both a local stop and a server stop directive.
type Orchestrator struct {
	sender       StopSender
	newScheduler func() *Scheduler
	decoder      *audio.ChunkDecoder
	logger       zerolog.Logger

	mu              sync.Mutex
	scheduler       *Scheduler
	voiceEnabled    bool
	activeMessageID string
	accepting       bool // between an assistant message and its terminal chunk
	utteranceActive bool // at least one chunk of the current utterance was enqueued
	reported        State
	closed          bool

	onStateChange func(State)
}

// NewOrchestrator creates an orchestrator. No scheduler exists until audio is first needed.
func NewOrchestrator(config OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	decoder := config.Decoder
	if decoder == nil {
		decoder = audio.NewChunkDecoder(logger, nil)
	}
	return &Orchestrator{
		sender:        config.Sender,
		newScheduler:  config.NewScheduler,
		decoder:       decoder,
		logger:        logger,
		voiceEnabled:  config.VoiceEnabled,
		reported:      StateIdle,
		onStateChange: config.OnStateChange,
	}
}

// HandleAssistantMessage marks msg as the playback target and readies the scheduler
func (o *Orchestrator) HandleAssistantMessage(msg protocol.Message) {
	o.mu.Lock()
	if o.closed || !o.voiceEnabled {
		o.mu.Unlock()
		return
	}

	o.activeMessageID = msg.ID
	o.accepting = true
	o.utteranceActive = false

	sched := o.scheduler
	created := false
	if sched == nil && o.newScheduler != nil {
		sched = o.newScheduler()
		o.scheduler = sched
		created = true
	}
	o.mu.Unlock()

	if sched == nil {
		return
	}
	if created {
		sched.OnStateChange(o.schedulerStateChanged)
		o.logger.Debug().Msg("Audio playback initialized")
	}
	sched.Reset()

	o.logger.Debug().Str("message_id", msg.ID).Msg("Awaiting audio for assistant message")
}

// HandleAudioChunk decodes a chunk and enqueues it. Chunks outside an utterance,
// after a stop, or while voice is disabled are dropped.
func (o *Orchestrator) HandleAudioChunk(chunk protocol.AudioChunkEvent) {
	o.mu.Lock()
	if o.closed || !o.voiceEnabled || !o.accepting || o.scheduler == nil {
		o.mu.Unlock()
		observability.RecordAudioChunk("dropped")
		return
	}
	sched := o.scheduler
	if chunk.IsLast {
		o.accepting = false
	}
	o.mu.Unlock()

	samples := o.decoder.Decode(chunk.Audio)
	if len(samples) > 0 {
		o.mu.Lock()
		first := !o.utteranceActive
		o.utteranceActive = true
		o.mu.Unlock()

		if first {
			o.report(StatePlaying)
		}
		sched.Enqueue(samples)
	}

	if chunk.IsLast {
		o.mu.Lock()
		o.utteranceActive = false
		o.mu.Unlock()

		// Nothing audible was produced for this utterance
		if sched.State() != StatePlaying && sched.Pending() == 0 {
			o.schedulerStateChanged(sched.State())
		}
	}
}

// Stop cancels local playback and asks the server to stop streaming. The
// directive is sent once per call; without a connection it is skipped.
func (o *Orchestrator) Stop(reason string) {
	o.mu.Lock()
	sched := o.scheduler
	o.accepting = false
	o.utteranceActive = false
	o.activeMessageID = ""
	o.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}

	if o.sender != nil {
		if err := o.sender.SendStopAudio(); err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
				o.logger.Debug().Str("reason", reason).Msg("No connection to send stop_audio on")
			} else {
				o.logger.Warn().Err(err).Str("reason", reason).Msg("Failed to send stop_audio")
			}
		}
	}

	o.logger.Info().Str("reason", reason).Msg("Playback stopped")
}

// SetVoiceEnabled toggles audio output. Disabling during an utterance stops it.
func (o *Orchestrator) SetVoiceEnabled(enabled bool) {
	o.mu.Lock()
	wasEnabled := o.voiceEnabled
	o.voiceEnabled = enabled
	midUtterance := o.accepting || o.reported == StatePlaying
	o.mu.Unlock()

	if wasEnabled && !enabled && midUtterance {
		o.Stop(StopReasonVoiceDisabled)
	}
}

// VoiceEnabled reports whether audio output is enabled
func (o *Orchestrator) VoiceEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voiceEnabled
}

// ActiveMessageID returns the assistant message whose audio is expected or playing
func (o *Orchestrator) ActiveMessageID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeMessageID
}

// State returns the last reported playback state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reported
}

// Scheduler returns the scheduler, or nil before the first voiced reply
func (o *Orchestrator) Scheduler() *Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scheduler
}

// Close stops local playback without notifying the server and releases the scheduler
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sched := o.scheduler
	o.scheduler = nil
	o.accepting = false
	o.activeMessageID = ""
	o.mu.Unlock()

	if sched != nil {
		sched.OnStateChange(nil)
		sched.Stop()
	}
}

func (o *Orchestrator) schedulerStateChanged(state State) {
	o.mu.Lock()
	if state == StateIdle && !o.accepting {
		o.activeMessageID = ""
	}
	o.mu.Unlock()
	o.report(state)
}

func (o *Orchestrator) report(state State) {
	o.mu.Lock()
	if o.reported == state {
		o.mu.Unlock()
		return
	}
	o.reported = state
	fn := o.onStateChange
	o.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}
