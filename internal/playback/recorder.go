package playback

import (
	"math"
	"sync"
	"time"

	"github.com/eleven-am/live-relay/internal/audio"
)

// Recorder is a Sink that renders scheduled buffers onto a single timeline
// at a fixed rate. Gaps between buffers become silence.
type Recorder struct {
	rate int

	mu      sync.Mutex
	origin  time.Time
	started bool
	samples []float32
}

func NewRecorder(sampleRate int) *Recorder {
	return &Recorder{rate: sampleRate}
}

func (r *Recorder) Play(at time.Time, buf Buffer) {
	samples := buf.Samples
	if buf.SampleRate != r.rate {
		samples = audio.Resample(samples, buf.SampleRate, r.rate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.origin = at
		r.started = true
	}

	offset := int(math.Round(at.Sub(r.origin).Seconds() * float64(r.rate)))
	if offset < 0 {
		offset = 0
	}
	if need := offset + len(samples); need > len(r.samples) {
		r.samples = append(r.samples, make([]float32, need-len(r.samples))...)
	}
	copy(r.samples[offset:], samples)
}

func (r *Recorder) SampleRate() int {
	return r.rate
}

func (r *Recorder) Samples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float32, len(r.samples))
	copy(out, r.samples)
	return out
}

func (r *Recorder) PCM16() []int16 {
	return audio.Float32ToInt16(r.Samples())
}
