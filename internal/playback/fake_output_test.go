package playback

import (
	"context"
	"sync"

	"github.com/lexiqai/companion-chat/internal/audio"
)

type fakeVoice struct {
	out     *fakeOutput
	samples []float32
	at      float64
	onEnded func()
	stopped bool
	ended   bool
}

func (v *fakeVoice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.stopped = true
}

// fakeOutput is a manually clocked Output
type fakeOutput struct {
	mu         sync.Mutex
	now        float64
	suspended  bool
	resumeErr  error
	resumeGate chan struct{}
	resumes    int
	voices     []*fakeVoice
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{}
}

func (o *fakeOutput) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

func (o *fakeOutput) Resume(ctx context.Context) error {
	o.mu.Lock()
	o.resumes++
	gate := o.resumeGate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resumeErr != nil {
		return o.resumeErr
	}
	o.suspended = false
	return nil
}

func (o *fakeOutput) Start(samples []float32, at float64, onEnded func()) audio.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &fakeVoice{out: o, samples: samples, at: at, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v
}

// advance moves the clock and fires ended callbacks of voices that finished
func (o *fakeOutput) advance(seconds float64, sampleRate int) {
	o.mu.Lock()
	o.now += seconds
	var ended []func()
	for _, v := range o.voices {
		end := v.at + float64(len(v.samples))/float64(sampleRate)
		if !v.stopped && !v.ended && end <= o.now+1e-9 {
			v.ended = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	o.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

func (o *fakeOutput) started() []*fakeVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeVoice(nil), o.voices...)
}

func (o *fakeOutput) resumeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumes
}
