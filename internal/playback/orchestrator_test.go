package playback

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/transport"
)

type fakeSender struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (f *fakeSender) SendStopAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type orchestratorFixture struct {
	out    *fakeOutput
	sender *fakeSender
	orch   *Orchestrator

	mu     sync.Mutex
	states []State
}

func newOrchestratorFixture(voice bool) *orchestratorFixture {
	f := &orchestratorFixture{
		out:    newFakeOutput(),
		sender: &fakeSender{},
	}
	f.orch = NewOrchestrator(OrchestratorConfig{
		Sender: f.sender,
		NewScheduler: func() *Scheduler {
			return newTestScheduler(f.out)
		},
		VoiceEnabled: voice,
		OnStateChange: func(s State) {
			f.mu.Lock()
			f.states = append(f.states, s)
			f.mu.Unlock()
		},
	}, zerolog.Nop())
	return f
}

func (f *orchestratorFixture) reported() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func chunkOf(n int, last bool) protocol.AudioChunkEvent {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 1000
	}
	return protocol.AudioChunkEvent{
		Audio:  base64.StdEncoding.EncodeToString(audio.Int16ToPCM16(samples)),
		IsLast: last,
	}
}

func assistantMessage(id string) protocol.Message {
	return protocol.Message{ID: id, Role: protocol.RoleAssistant, Content: "hi", CreatedAt: time.Now()}
}

func TestOrchestrator_LazySchedulerInit(t *testing.T) {
	f := newOrchestratorFixture(true)

	if f.orch.Scheduler() != nil {
		t.Error("Expected no scheduler before the first assistant message")
	}

	f.orch.HandleAssistantMessage(assistantMessage("a1"))

	if f.orch.Scheduler() == nil {
		t.Fatal("Expected scheduler after assistant message")
	}
	if f.orch.ActiveMessageID() != "a1" {
		t.Errorf("Expected active message 'a1', got %q", f.orch.ActiveMessageID())
	}
}

func TestOrchestrator_ChunksPlayInOrder(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))

	f.orch.HandleAudioChunk(chunkOf(100, false))
	f.orch.HandleAudioChunk(chunkOf(200, false))
	f.orch.HandleAudioChunk(chunkOf(300, true))

	voices := f.out.started()
	if len(voices) != 3 {
		t.Fatalf("Expected 3 scheduled buffers, got %d", len(voices))
	}
	for i, want := range []int{100, 200, 300} {
		if len(voices[i].samples) != want {
			t.Errorf("Buffer %d: expected %d samples, got %d", i, want, len(voices[i].samples))
		}
	}
	if f.orch.State() != StatePlaying {
		t.Errorf("Expected playing, got %s", f.orch.State())
	}

	f.out.advance(1, testRate)
	if f.orch.State() != StateIdle {
		t.Errorf("Expected idle after the utterance finished, got %s", f.orch.State())
	}
	if f.orch.ActiveMessageID() != "" {
		t.Errorf("Expected no active message after playback, got %q", f.orch.ActiveMessageID())
	}
}

func TestOrchestrator_StopDualEffect(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(500, false))

	f.orch.Stop(StopReasonUser)

	if f.orch.Scheduler().State() != StateStopped {
		t.Errorf("Expected scheduler stopped, got %s", f.orch.Scheduler().State())
	}
	if f.sender.count() != 1 {
		t.Errorf("Expected exactly one stop_audio, got %d", f.sender.count())
	}
	for _, v := range f.out.started() {
		if !v.stopped {
			t.Error("Expected scheduled voices to be cancelled")
		}
	}

	states := f.reported()
	if states[len(states)-1] != StateStopped {
		t.Errorf("Expected last reported state stopped, got %v", states)
	}
}

func TestOrchestrator_StopWithoutConnectionIsSafe(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.sender.err = fmt.Errorf("send stop_audio: %w", transport.ErrNotConnected)

	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.Stop(StopReasonUser)

	if f.orch.Scheduler().State() != StateStopped {
		t.Errorf("Expected scheduler stopped, got %s", f.orch.Scheduler().State())
	}
}

func TestOrchestrator_StopWithoutScheduler(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.Stop(StopReasonUser)

	if f.sender.count() != 1 {
		t.Errorf("Expected one stop_audio, got %d", f.sender.count())
	}
}

func TestOrchestrator_ChunksAfterStopDropped(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, false))
	f.orch.Stop(StopReasonUser)

	f.orch.HandleAudioChunk(chunkOf(100, false))
	f.orch.HandleAudioChunk(chunkOf(100, true))

	if n := len(f.out.started()); n != 1 {
		t.Errorf("Expected late chunks to be dropped, got %d buffers", n)
	}
	if f.orch.Scheduler().Pending() != 0 {
		t.Error("Expected nothing queued after stop")
	}
}

func TestOrchestrator_ChunksAfterTerminalDropped(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, true))
	f.orch.HandleAudioChunk(chunkOf(100, false))

	if n := len(f.out.started()); n != 1 {
		t.Errorf("Expected 1 buffer, got %d", n)
	}
}

func TestOrchestrator_NextUtteranceAfterStop(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, false))
	f.orch.Stop(StopReasonNewMessage)

	f.orch.HandleAssistantMessage(assistantMessage("a2"))
	if f.orch.Scheduler().State() != StateIdle {
		t.Fatalf("Expected scheduler reset to idle, got %s", f.orch.Scheduler().State())
	}
	f.orch.HandleAudioChunk(chunkOf(100, true))

	voices := f.out.started()
	if len(voices) != 2 {
		t.Fatalf("Expected 2 buffers, got %d", len(voices))
	}
	if voices[1].stopped {
		t.Error("Expected the new utterance to play")
	}
	if f.orch.ActiveMessageID() != "a2" {
		t.Errorf("Expected active message 'a2', got %q", f.orch.ActiveMessageID())
	}
}

func TestOrchestrator_CorruptChunkSkipped(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))

	f.orch.HandleAudioChunk(protocol.AudioChunkEvent{Audio: "@@not-audio@@"})
	f.orch.HandleAudioChunk(chunkOf(100, true))

	voices := f.out.started()
	if len(voices) != 1 || len(voices[0].samples) != 100 {
		t.Errorf("Expected only the valid chunk to play, got %d buffers", len(voices))
	}
}

func TestOrchestrator_VoiceDisabled(t *testing.T) {
	f := newOrchestratorFixture(false)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, true))

	if f.orch.Scheduler() != nil {
		t.Error("Expected no scheduler while voice is disabled")
	}
	if len(f.out.started()) != 0 {
		t.Error("Expected no audio while voice is disabled")
	}
}

func TestOrchestrator_DisableVoiceMidUtterance(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, false))

	f.orch.SetVoiceEnabled(false)

	if f.orch.Scheduler().State() != StateStopped {
		t.Errorf("Expected playback stopped, got %s", f.orch.Scheduler().State())
	}
	if f.sender.count() != 1 {
		t.Errorf("Expected one stop_audio, got %d", f.sender.count())
	}

	f.orch.HandleAudioChunk(chunkOf(100, true))
	if len(f.out.started()) != 1 {
		t.Error("Expected chunks to be dropped after disabling voice")
	}
}

func TestOrchestrator_DisableVoiceWhileIdle(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.SetVoiceEnabled(false)

	if f.sender.count() != 0 {
		t.Errorf("Expected no stop_audio when nothing is playing, got %d", f.sender.count())
	}
	if f.orch.VoiceEnabled() {
		t.Error("Expected voice to be disabled")
	}
}

func TestOrchestrator_Close(t *testing.T) {
	f := newOrchestratorFixture(true)
	f.orch.HandleAssistantMessage(assistantMessage("a1"))
	f.orch.HandleAudioChunk(chunkOf(100, false))

	f.orch.Close()

	if f.orch.Scheduler() != nil {
		t.Error("Expected scheduler to be released")
	}
	for _, v := range f.out.started() {
		if !v.stopped {
			t.Error("Expected voices to be cancelled on close")
		}
	}
	f.orch.HandleAssistantMessage(assistantMessage("a2"))
	if f.orch.Scheduler() != nil {
		t.Error("Expected closed orchestrator to ignore new messages")
	}
}
