package audio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func manualOutput(w *syncBuffer) *StreamOutput {
	return NewStreamOutput(w, OutputConfig{SampleRate: 1000, ManualClock: true}, zerolog.Nop())
}

func TestStreamOutput_StartsSuspended(t *testing.T) {
	out := manualOutput(&syncBuffer{})
	defer out.Close()

	if !out.Suspended() {
		t.Error("Expected a new output to be suspended")
	}

	out.Render(100)
	if out.CurrentTime() != 0 {
		t.Errorf("Expected clock to stay at 0 while suspended, got %v", out.CurrentTime())
	}

	if err := out.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	out.Render(250)
	if out.CurrentTime() != 0.25 {
		t.Errorf("Expected clock 0.25, got %v", out.CurrentTime())
	}
}

func TestStreamOutput_MixesAtScheduledTime(t *testing.T) {
	w := &syncBuffer{}
	out := manualOutput(w)
	out.Resume(context.Background())

	ended := 0
	out.Start([]float32{0.5, 0.5}, 0.002, func() { ended++ })

	out.Render(3)
	if ended != 0 {
		t.Error("Expected voice to still be playing after 3 frames")
	}
	out.Render(2)
	if ended != 1 {
		t.Errorf("Expected ended callback once, got %d", ended)
	}
	if out.ActiveVoices() != 0 {
		t.Errorf("Expected no active voices, got %d", out.ActiveVoices())
	}

	out.Close()

	got := PCM16ToInt16(w.Bytes())
	want := []int16{0, 0, 16384, 16384, 0}
	if len(got) != len(want) {
		t.Fatalf("Expected %d frames written, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Frame %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestStreamOutput_StopSilencesWithoutCallback(t *testing.T) {
	out := manualOutput(&syncBuffer{})
	defer out.Close()
	out.Resume(context.Background())

	called := false
	v := out.Start(make([]float32, 100), 0, func() { called = true })
	out.Render(10)
	v.Stop()
	out.Render(200)

	if called {
		t.Error("Expected stopped voice not to report ended")
	}
	if out.ActiveVoices() != 0 {
		t.Errorf("Expected no active voices, got %d", out.ActiveVoices())
	}
}

func TestStreamOutput_PastStartClamped(t *testing.T) {
	w := &syncBuffer{}
	out := manualOutput(w)
	out.Resume(context.Background())
	out.Render(10)

	out.Start([]float32{0.25}, 0.001, nil)
	out.Render(1)
	out.Close()

	got := PCM16ToInt16(w.Bytes())
	if got[len(got)-1] != 8192 {
		t.Errorf("Expected late voice on the next frame, got %d", got[len(got)-1])
	}
}

func TestStreamOutput_SuspendFreezesClock(t *testing.T) {
	out := manualOutput(&syncBuffer{})
	defer out.Close()
	out.Resume(context.Background())
	out.Render(100)

	out.Suspend()
	out.Render(100)
	if out.CurrentTime() != 0.1 {
		t.Errorf("Expected clock to freeze at 0.1, got %v", out.CurrentTime())
	}
}

func TestStreamOutput_ResumeAfterClose(t *testing.T) {
	out := manualOutput(&syncBuffer{})
	out.Close()

	if err := out.Resume(context.Background()); !errors.Is(err, ErrOutputClosed) {
		t.Errorf("Expected ErrOutputClosed, got %v", err)
	}
}

func TestStreamOutput_WallClock(t *testing.T) {
	w := &syncBuffer{}
	out := NewStreamOutput(w, OutputConfig{SampleRate: 8000, Quantum: 5 * time.Millisecond}, zerolog.Nop())
	out.Resume(context.Background())

	done := make(chan struct{})
	out.Start(make([]float32, 80), out.CurrentTime()+0.01, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected scheduled voice to finish on the wall clock")
	}

	out.Close()
	if out.CurrentTime() < 0.02 {
		t.Errorf("Expected clock past 20ms, got %v", out.CurrentTime())
	}
	if len(w.Bytes()) == 0 {
		t.Error("Expected rendered audio to reach the writer")
	}
}
