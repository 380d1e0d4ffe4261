package playback

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRate = 1000

func newTestScheduler(out *fakeOutput) *Scheduler {
	return NewScheduler(out, SchedulerConfig{
		SampleRate:    testRate,
		SafetyMargin:  0.01,
		ResumeTimeout: time.Second,
	}, zerolog.Nop())
}

func samplesFor(seconds float64) []float32 {
	return make([]float32, int(math.Round(seconds*testRate)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_FirstBufferStartsAfterMargin(t *testing.T) {
	out := newFakeOutput()
	out.now = 5
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.2))

	voices := out.started()
	if len(voices) != 1 {
		t.Fatalf("Expected 1 voice, got %d", len(voices))
	}
	if math.Abs(voices[0].at-5.01) > 1e-9 {
		t.Errorf("Expected start 5.01, got %v", voices[0].at)
	}
	if math.Abs(s.NextPlayTime()-5.21) > 1e-9 {
		t.Errorf("Expected cursor 5.21, got %v", s.NextPlayTime())
	}
}

func TestScheduler_GaplessUnderJitter(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	durations := []float64{0.2, 0.05, 0.3, 0.1, 0.25, 0.15}
	jitter := []float64{0, 0.01, 0.12, 0, 0.03, 0.2}

	for i, d := range durations {
		out.advance(jitter[i], testRate)
		s.Enqueue(samplesFor(d))
	}

	voices := out.started()
	for i := 1; i < len(voices); i++ {
		prevEnd := voices[i-1].at + float64(len(voices[i-1].samples))/testRate
		if voices[i].at < prevEnd-0.01-1e-9 {
			t.Errorf("Buffer %d starts at %v before previous end %v", i, voices[i].at, prevEnd)
		}
		if voices[i].at < prevEnd-1e-9 {
			t.Errorf("Buffer %d overlaps previous buffer", i)
		}
		// Every buffer arrived before its predecessor finished, so there is no gap at all
		if math.Abs(voices[i].at-prevEnd) > 1e-9 {
			t.Errorf("Buffer %d leaves a gap: start %v, previous end %v", i, voices[i].at, prevEnd)
		}
	}
}

func TestScheduler_LateBufferPinnedToNow(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.1))
	out.advance(1.0, testRate)
	s.Enqueue(samplesFor(0.1))

	voices := out.started()
	if math.Abs(voices[1].at-1.01) > 1e-9 {
		t.Errorf("Expected late buffer to start at now+margin (1.01), got %v", voices[1].at)
	}
}

func TestScheduler_StateTransitions(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	var mu sync.Mutex
	var states []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if s.State() != StateIdle {
		t.Fatalf("Expected initial state idle, got %s", s.State())
	}

	s.Enqueue(samplesFor(0.1))
	s.Enqueue(samplesFor(0.1))
	if s.State() != StatePlaying {
		t.Errorf("Expected playing, got %s", s.State())
	}

	out.advance(0.15, testRate)
	if s.State() != StatePlaying {
		t.Errorf("Expected playing while a buffer remains, got %s", s.State())
	}

	out.advance(0.1, testRate)
	if s.State() != StateIdle {
		t.Errorf("Expected idle after all buffers finished, got %s", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StatePlaying || states[1] != StateIdle {
		t.Errorf("Expected [playing idle], got %v", states)
	}
}

func TestScheduler_Stop(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.5))
	s.Enqueue(samplesFor(0.5))
	s.Stop()

	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}
	if s.NextPlayTime() != 0 {
		t.Errorf("Expected cursor reset to 0, got %v", s.NextPlayTime())
	}
	if s.Scheduled() != 0 {
		t.Errorf("Expected no scheduled buffers, got %d", s.Scheduled())
	}
	for i, v := range out.started() {
		if !v.stopped {
			t.Errorf("Expected voice %d to be stopped", i)
		}
	}

	// Finished callbacks of cancelled buffers must not move the state
	out.advance(2, testRate)
	if s.State() != StateStopped {
		t.Errorf("Expected to remain stopped, got %s", s.State())
	}
}

func TestScheduler_EnqueueWhileStoppedDrops(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	s.Stop()
	s.Enqueue(samplesFor(0.1))

	if len(out.started()) != 0 {
		t.Error("Expected buffer to be dropped while stopped")
	}

	s.Reset()
	if s.State() != StateIdle {
		t.Fatalf("Expected idle after reset, got %s", s.State())
	}
	s.Enqueue(samplesFor(0.1))
	if len(out.started()) != 1 {
		t.Error("Expected buffer to be scheduled after reset")
	}
}

func TestScheduler_EmptyBufferIsNoop(t *testing.T) {
	out := newFakeOutput()
	s := newTestScheduler(out)

	s.Enqueue(nil)
	if s.State() != StateIdle || len(out.started()) != 0 {
		t.Error("Expected empty buffer to be a no-op")
	}
}

func TestScheduler_ResumesSuspendedOutput(t *testing.T) {
	out := newFakeOutput()
	out.suspended = true
	out.resumeGate = make(chan struct{})
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.1))
	s.Enqueue(samplesFor(0.2))
	s.Enqueue(samplesFor(0.3))

	if s.Pending() != 3 {
		t.Errorf("Expected 3 pending buffers, got %d", s.Pending())
	}
	if len(out.started()) != 0 {
		t.Error("Expected nothing scheduled while suspended")
	}

	close(out.resumeGate)
	waitFor(t, func() bool { return len(out.started()) == 3 })

	if out.resumeCount() != 1 {
		t.Errorf("Expected a single resume, got %d", out.resumeCount())
	}

	voices := out.started()
	for i, want := range []int{100, 200, 300} {
		if len(voices[i].samples) != want {
			t.Errorf("Buffer %d out of order: %d samples", i, len(voices[i].samples))
		}
	}
	if math.Abs(voices[1].at-(voices[0].at+0.1)) > 1e-9 {
		t.Errorf("Expected drained buffers to be contiguous")
	}
	if s.State() != StatePlaying {
		t.Errorf("Expected playing after resume, got %s", s.State())
	}
}

func TestScheduler_StopDuringResumeDiscardsPending(t *testing.T) {
	out := newFakeOutput()
	out.suspended = true
	out.resumeGate = make(chan struct{})
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.1))
	s.Stop()
	close(out.resumeGate)

	waitFor(t, func() bool { return !out.Suspended() })
	time.Sleep(10 * time.Millisecond)

	if len(out.started()) != 0 {
		t.Error("Expected pending buffers to be discarded by stop")
	}
	if s.Pending() != 0 {
		t.Errorf("Expected empty pending queue, got %d", s.Pending())
	}
}

func TestScheduler_ResumeFailureDropsPending(t *testing.T) {
	out := newFakeOutput()
	out.suspended = true
	out.resumeErr = errors.New("device unavailable")
	s := newTestScheduler(out)

	s.Enqueue(samplesFor(0.1))
	waitFor(t, func() bool { return s.Pending() == 0 })

	if len(out.started()) != 0 {
		t.Error("Expected nothing scheduled when resume fails")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected idle, got %s", s.State())
	}
}

func TestScheduler_ResumeHonorsTimeout(t *testing.T) {
	out := newFakeOutput()
	out.suspended = true
	out.resumeGate = make(chan struct{})
	s := NewScheduler(out, SchedulerConfig{SampleRate: testRate, ResumeTimeout: 20 * time.Millisecond}, zerolog.Nop())

	s.Enqueue(samplesFor(0.1))
	waitFor(t, func() bool { return s.Pending() == 0 })

	if len(out.started()) != 0 {
		t.Error("Expected nothing scheduled after resume timed out")
	}
}
