package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOutputClosed is returned when resuming an output that was closed
var ErrOutputClosed = errors.New("audio: output closed")

// Voice is one scheduled buffer on an output timeline
type Voice interface {
	// Stop silences the voice immediately. Its ended callback does not run.
	Stop()
}

// OutputConfig holds configuration for a StreamOutput
type OutputConfig struct {
	SampleRate    int           // Output rate in Hz
	Quantum       time.Duration // Render period of the clock
	BufferSamples int           // Capacity of the staging ring between renderer and writer

	// ManualClock disables the wall-clock renderer; the owner advances time with Render
	ManualClock bool
}

// DefaultOutputConfig returns a 24kHz output rendering every 20ms with two seconds of staging
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		SampleRate:    DefaultSampleRate,
		Quantum:       20 * time.Millisecond,
		BufferSamples: 2 * DefaultSampleRate,
	}
}

// StreamOutput is a software output device. A renderer mixes scheduled voices
// into PCM16 LE frames at the wall-clock rate and stages them in a PCMRing;
// a writer goroutine drains the ring into w. The output clock is the number
// of rendered frames and only advances while the output is resumed.
type StreamOutput struct {
	config OutputConfig
	w      io.Writer
	ring   *PCMRing
	logger zerolog.Logger

	mu        sync.Mutex
	suspended bool
	closed    bool
	rendered  int64
	voices    []*streamVoice
	lastTick  time.Time
	running   bool
	mix       []float32
	scratch   []byte

	stopLoop  chan struct{}
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type streamVoice struct {
	out     *StreamOutput
	samples []float32
	start   int64
	onEnded func()
}

// NewStreamOutput creates a suspended output writing to w. A nil w discards audio.
func NewStreamOutput(w io.Writer, config OutputConfig, logger zerolog.Logger) *StreamOutput {
	def := DefaultOutputConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Quantum <= 0 {
		config.Quantum = def.Quantum
	}
	if config.BufferSamples <= 0 {
		config.BufferSamples = 2 * config.SampleRate
	}
	if w == nil {
		w = io.Discard
	}

	o := &StreamOutput{
		config:    config,
		w:         w,
		ring:      NewPCMRing(config.BufferSamples),
		logger:    logger,
		suspended: true,
		stopLoop:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	o.wg.Add(1)
	go o.drain()

	return o
}

// SampleRate returns the output rate in Hz
func (o *StreamOutput) SampleRate() int {
	return o.config.SampleRate
}

// CurrentTime returns the output clock in seconds
func (o *StreamOutput) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return float64(o.rendered) / float64(o.config.SampleRate)
}

// Suspended reports whether the clock is paused
func (o *StreamOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Resume starts or restarts the clock
func (o *StreamOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutputClosed
	}
	if !o.suspended {
		return nil
	}
	o.suspended = false
	o.lastTick = time.Now()

	if !o.config.ManualClock && !o.running {
		o.running = true
		o.wg.Add(1)
		go o.loop()
	}

	o.logger.Debug().Float64("clock", float64(o.rendered)/float64(o.config.SampleRate)).Msg("Audio output resumed")
	return nil
}

// Suspend pauses the clock, as a platform does when it reclaims an idle device
func (o *StreamOutput) Suspend() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.suspended {
		o.suspended = true
		o.logger.Debug().Msg("Audio output suspended")
	}
}

// Start schedules samples to begin at the given clock time. A time already in
// the past starts on the next rendered frame.
func (o *StreamOutput) Start(samples []float32, at float64, onEnded func()) Voice {
	v := &streamVoice{
		out:     o,
		samples: samples,
		start:   int64(at*float64(o.config.SampleRate) + 0.5),
		onEnded: onEnded,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return v
	}
	if v.start < o.rendered {
		v.start = o.rendered
	}
	o.voices = append(o.voices, v)
	return v
}

// Stop removes the voice from the mix
func (v *streamVoice) Stop() {
	o := v.out
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(v)
}

func (o *StreamOutput) removeLocked(v *streamVoice) {
	for i, cur := range o.voices {
		if cur == v {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			return
		}
	}
}

// ActiveVoices returns the number of voices still scheduled or playing
func (o *StreamOutput) ActiveVoices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.voices)
}

// Render advances the clock by frames while resumed. Used directly when
// ManualClock is set, and by the wall-clock renderer otherwise.
func (o *StreamOutput) Render(frames int) {
	o.mu.Lock()
	if o.closed || o.suspended || frames <= 0 {
		o.mu.Unlock()
		return
	}
	ended := o.renderLocked(frames)
	o.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	o.notify()
}

func (o *StreamOutput) renderLocked(frames int) []func() {
	if cap(o.mix) < frames {
		o.mix = make([]float32, frames)
	}
	mix := o.mix[:frames]
	for i := range mix {
		mix[i] = 0
	}

	from := o.rendered
	to := from + int64(frames)

	var ended []func()
	kept := o.voices[:0]
	for _, v := range o.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := v.start, end
		if lo < from {
			lo = from
		}
		if hi > to {
			hi = to
		}
		for t := lo; t < hi; t++ {
			mix[t-from] += v.samples[t-v.start]
		}

		if end <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(o.voices); i++ {
		o.voices[i] = nil
	}
	o.voices = kept
	o.rendered = to

	o.scratch = AppendPCM16(o.scratch[:0], mix)
	if n := o.ring.Write(o.scratch); n < len(o.scratch) {
		o.logger.Debug().Int("dropped_bytes", len(o.scratch)-n).Msg("Audio writer is behind, dropping frames")
	}

	return ended
}

func (o *StreamOutput) loop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.Quantum)
	defer ticker.Stop()

	rate := int64(o.config.SampleRate)
	for {
		select {
		case <-o.stopLoop:
			return
		case now := <-ticker.C:
			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return
			}
			if o.suspended {
				o.mu.Unlock()
				continue
			}
			frames := int64(now.Sub(o.lastTick)) * rate / int64(time.Second)
			if frames <= 0 {
				o.mu.Unlock()
				continue
			}
			o.lastTick = o.lastTick.Add(time.Duration(frames * int64(time.Second) / rate))
			ended := o.renderLocked(int(frames))
			o.mu.Unlock()

			for _, fn := range ended {
				fn()
			}
			o.notify()
		}
	}
}

func (o *StreamOutput) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *StreamOutput) drain() {
	defer o.wg.Done()

	buf := make([]byte, 4096)
	failed := false
	flush := func() {
		for {
			n := o.ring.Read(buf)
			if n == 0 {
				return
			}
			if failed {
				continue
			}
			if _, err := o.w.Write(buf[:n]); err != nil {
				failed = true
				o.logger.Error().Err(err).Msg("Audio writer failed, discarding further output")
			}
		}
	}

	for {
		select {
		case <-o.wake:
			flush()
		case <-o.done:
			flush()
			return
		}
	}
}

// Close stops the clock, drops every voice and flushes staged audio to the writer
func (o *StreamOutput) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.suspended = true
		o.voices = nil
		o.mu.Unlock()

		close(o.stopLoop)
		close(o.done)
		o.wg.Wait()
	})
	return nil
}
