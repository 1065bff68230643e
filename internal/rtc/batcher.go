package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Clock abstracts time for the batcher so tests can drive it virtually.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// candidateBatcher accumulates locally gathered ICE candidates before
// handing them to the signaling layer, so rapid candidate discovery does
// not flood the relay. A batch is flushed window after its first candidate,
// and consecutive flushes are at least spacing apart. The gathering-complete
// signal (nil candidate from pion) flushes whatever is pending immediately.
type candidateBatcher struct {
	window  time.Duration
	spacing time.Duration
	clock   Clock
	flush   func([]webrtc.ICECandidateInit)

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	timer     Timer
	lastFlush time.Time
}

func newCandidateBatcher(window, spacing time.Duration, clock Clock, flush func([]webrtc.ICECandidateInit)) *candidateBatcher {
	if clock == nil {
		clock = realClock{}
	}
	return &candidateBatcher{
		window:  window,
		spacing: spacing,
		clock:   clock,
		flush:   flush,
	}
}

// Add enqueues one candidate. A nil candidate means gathering is complete.
func (b *candidateBatcher) Add(cand *webrtc.ICECandidateInit) {
	if cand == nil {
		b.flushNow()
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, *cand)
	if b.timer == nil {
		delay := b.window
		if since := b.clock.Now().Sub(b.lastFlush); since < b.spacing {
			if wait := b.spacing - since; wait > delay {
				delay = wait
			}
		}
		b.timer = b.clock.AfterFunc(delay, b.flushNow)
	}
	b.mu.Unlock()
}

func (b *candidateBatcher) flushNow() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	if len(batch) > 0 {
		b.lastFlush = b.clock.Now()
	}
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// Stop drops anything pending without flushing.
func (b *candidateBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}
