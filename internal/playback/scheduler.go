package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
	"github.com/lexiqai/companion-chat/internal/observability"
)

// State is the coarse playback state
type State int

const (
	StateIdle State = iota
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Output is an audio device with its own clock, in seconds
type Output interface {
	CurrentTime() float64
	Suspended() bool
	Resume(ctx context.Context) error
	Start(samples []float32, at float64, onEnded func()) audio.Voice
}

// SchedulerConfig holds configuration for a Scheduler
type SchedulerConfig struct {
	SampleRate    int           // Rate of the decoded buffers
	SafetyMargin  float64       // Seconds added to the output clock for the earliest start
	ResumeTimeout time.Duration // Bound on waiting for a suspended output
}

// DefaultSchedulerConfig returns a 24kHz scheduler with a 10ms margin
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SampleRate:    audio.DefaultSampleRate,
		SafetyMargin:  0.01,
		ResumeTimeout: 5 * time.Second,
	}
}

type scheduledBuffer struct {
	voice audio.Voice
	start float64
	end   float64
}

// Scheduler places decoded buffers back to back on the output timeline.
// Each buffer starts at max(now+margin, nextPlayTime) and moves the cursor to
// its end, so buffers arriving in bursts or with jitter play without gaps or overlap.
type Scheduler struct {
	output Output
	config SchedulerConfig
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	nextPlayTime float64
	scheduled    map[*scheduledBuffer]struct{}
	pending      [][]float32
	resuming     bool
	generation   uint64

	onStateChange func(State)
}

// NewScheduler creates an idle scheduler on output
func NewScheduler(output Output, config SchedulerConfig, logger zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = 0
	}
	if config.ResumeTimeout <= 0 {
		config.ResumeTimeout = def.ResumeTimeout
	}
	return &Scheduler{
		output:    output,
		config:    config,
		logger:    logger,
		state:     StateIdle,
		scheduled: make(map[*scheduledBuffer]struct{}),
	}
}

// OnStateChange registers the state observer. Callbacks run without scheduler locks held.
func (s *Scheduler) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// Enqueue schedules samples after everything already scheduled. It never blocks:
// while the output is suspended buffers wait in order for a single resume.
// Buffers enqueued while stopped are dropped.
func (s *Scheduler) Enqueue(samples []float32) {
	s.mu.Lock()

	if s.state == StateStopped {
		s.mu.Unlock()
		observability.RecordAudioChunk("dropped")
		s.logger.Debug().Int("samples", len(samples)).Msg("Dropping audio while stopped")
		return
	}
	if len(samples) == 0 {
		s.mu.Unlock()
		return
	}

	if s.resuming || len(s.pending) > 0 || s.output.Suspended() {
		s.pending = append(s.pending, samples)
		if !s.resuming {
			s.resuming = true
			go s.resumeAndDrain(s.generation)
		}
		s.mu.Unlock()
		return
	}

	changed := s.scheduleLocked(samples)
	s.mu.Unlock()
	s.emit(changed)
}

// scheduleLocked places one buffer and reports whether the state changed
func (s *Scheduler) scheduleLocked(samples []float32) bool {
	duration := audio.DurationSeconds(len(samples), s.config.SampleRate)
	start := math.Max(s.output.CurrentTime()+s.config.SafetyMargin, s.nextPlayTime)

	buf := &scheduledBuffer{start: start, end: start + duration}
	gen := s.generation
	buf.voice = s.output.Start(samples, start, func() { s.finished(buf, gen) })
	s.scheduled[buf] = struct{}{}
	s.nextPlayTime = buf.end

	observability.RecordAudioChunk("scheduled")
	observability.RecordScheduledAudio(duration)

	if s.state == StateIdle {
		s.state = StatePlaying
		return true
	}
	return false
}

func (s *Scheduler) resumeAndDrain(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ResumeTimeout)
	defer cancel()

	err := s.output.Resume(ctx)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.resuming = false

	if err != nil {
		dropped := len(s.pending)
		s.pending = nil
		s.mu.Unlock()
		observability.RecordError("output_resume", "playback")
		s.logger.Error().Err(err).Int("dropped_buffers", dropped).Msg("Failed to resume audio output")
		return
	}

	changed := false
	for _, samples := range s.pending {
		if s.scheduleLocked(samples) {
			changed = true
		}
	}
	s.pending = nil
	s.mu.Unlock()
	s.emit(changed)
}

func (s *Scheduler) finished(buf *scheduledBuffer, gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	delete(s.scheduled, buf)

	changed := false
	if s.state == StatePlaying && len(s.scheduled) == 0 && len(s.pending) == 0 && !s.resuming {
		s.state = StateIdle
		changed = true
	}
	s.mu.Unlock()
	s.emit(changed)
}

// Stop cancels every scheduled buffer, clears the pending queue and rewinds the
// cursor. The scheduler drops input until Reset.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	s.generation++
	for buf := range s.scheduled {
		buf.voice.Stop()
	}
	s.scheduled = make(map[*scheduledBuffer]struct{})
	s.pending = nil
	s.resuming = false
	s.nextPlayTime = 0

	changed := s.state != StateStopped
	s.state = StateStopped
	s.mu.Unlock()
	s.emit(changed)
}

// Reset returns a stopped scheduler to idle
func (s *Scheduler) Reset() {
	s.mu.Lock()
	changed := false
	if s.state == StateStopped {
		s.state = StateIdle
		changed = true
	}
	s.mu.Unlock()
	s.emit(changed)
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextPlayTime returns the cursor on the output clock
func (s *Scheduler) NextPlayTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

// Scheduled returns how many buffers are on the timeline and not yet finished
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// Pending returns how many buffers wait for the output to resume
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) emit(changed bool) {
	if !changed {
		return
	}
	s.mu.Lock()
	state := s.state
	fn := s.onStateChange
	s.mu.Unlock()

	observability.RecordPlaybackState(int(state))
	s.logger.Debug().Str("state", state.String()).Msg("Playback state changed")
	if fn != nil {
		fn(state)
	}
}
