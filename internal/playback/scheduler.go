package playback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultTolerance = 50 * time.Millisecond

type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || len(b.Samples) == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Sink receives each buffer together with the instant it should start
// sounding.
type Sink interface {
	Play(at time.Time, buf Buffer)
}

type Options struct {
	Clock      clock.Clock
	Tolerance  time.Duration
	Sink       Sink
	OnSpeaking func()
	OnIdle     func()
}

// Scheduler places buffers back to back on a monotonically advancing cursor.
// Buffers must be scheduled in arrival order.
type Scheduler struct {
	clock      clock.Clock
	tolerance  time.Duration
	sink       Sink
	onSpeaking func()
	onIdle     func()

	mu           sync.Mutex
	nextPlayTime time.Time
	speaking     bool
	seq          uint64
	timers       map[uint64]*clock.Timer
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Scheduler{
		clock:      opts.Clock,
		tolerance:  opts.Tolerance,
		sink:       opts.Sink,
		onSpeaking: opts.OnSpeaking,
		onIdle:     opts.OnIdle,
		timers:     make(map[uint64]*clock.Timer),
	}
}

func (s *Scheduler) Schedule(buf Buffer) (time.Time, bool) {
	d := buf.Duration()
	if d <= 0 {
		return time.Time{}, false
	}

	s.mu.Lock()
	now := s.clock.Now()
	if s.nextPlayTime.Before(now) {
		s.nextPlayTime = now
	}
	start := s.nextPlayTime
	s.nextPlayTime = start.Add(d)

	started := !s.speaking
	s.speaking = true

	s.seq++
	id := s.seq
	s.timers[id] = s.clock.AfterFunc(s.nextPlayTime.Sub(now), func() { s.complete(id) })
	s.mu.Unlock()

	if started && s.onSpeaking != nil {
		s.onSpeaking()
	}
	if s.sink != nil {
		s.sink.Play(start, buf)
	}
	return start, true
}

func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	if _, ok := s.timers[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)

	idle := s.speaking && !s.clock.Now().Add(s.tolerance).Before(s.nextPlayTime)
	if idle {
		s.speaking = false
	}
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Reset drops everything still pending and rewinds the cursor, as needed
// when the remote side interrupts its own turn.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.nextPlayTime = time.Time{}
	wasSpeaking := s.speaking
	s.speaking = false
	s.mu.Unlock()

	if wasSpeaking && s.onIdle != nil {
		s.onIdle()
	}
}

func (s *Scheduler) NextPlayTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
