// Package typewriter reveals a growing reply one character at a time at a
// steady pace, independent of how fast the network delivers it.
package typewriter

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
	"unicode"
)

// Pacing defaults.
const (
	DefaultCatchUpLag = 80

	DefaultSlowMin = 38 * time.Millisecond
	DefaultSlowMax = 66 * time.Millisecond
	DefaultFastMin = 6 * time.Millisecond
	DefaultFastMax = 14 * time.Millisecond
)

// Pacing controls the delay between revealed characters. When more than
// CatchUpLag characters are waiting, the fast range is used.
type Pacing struct {
	CatchUpLag int
	SlowMin    time.Duration
	SlowMax    time.Duration
	FastMin    time.Duration
	FastMax    time.Duration
}

// DefaultPacing returns the default pacing.
func DefaultPacing() Pacing {
	return Pacing{
		CatchUpLag: DefaultCatchUpLag,
		SlowMin:    DefaultSlowMin,
		SlowMax:    DefaultSlowMax,
		FastMin:    DefaultFastMin,
		FastMax:    DefaultFastMax,
	}
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithPacing overrides the default pacing.
func WithPacing(p Pacing) Option {
	return func(r *Renderer) { r.pacing = p }
}

// OnReveal is called after every revealed character with the character and
// the full revealed prefix.
func OnReveal(fn func(ch rune, revealed string)) Option {
	return func(r *Renderer) { r.onReveal = fn }
}

// KeyClick is called for every revealed non-whitespace character.
func KeyClick(fn func(ch rune)) Option {
	return func(r *Renderer) { r.keyClick = fn }
}

// Renderer tracks a revealed prefix of the content it is given.
type Renderer struct {
	pacing   Pacing
	onReveal func(rune, string)
	keyClick func(rune)
	jitter   func(time.Duration) time.Duration

	mu        sync.Mutex
	content   []rune
	revealed  int
	streaming bool
	ticking   bool
	timer     *time.Timer
	// epoch invalidates ticks armed before the last stop.
	epoch uint64
	// changed is closed and replaced on every state change.
	changed chan struct{}
}

// New creates a renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		pacing:  DefaultPacing(),
		jitter:  func(n time.Duration) time.Duration { return rand.N(n) },
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update sets the current content and whether it may still grow. Content
// that no longer extends the revealed prefix restarts the reveal, and empty
// content resets it.
func (r *Renderer) Update(content string, streaming bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runes := []rune(content)
	if len(runes) < r.revealed || string(runes[:r.revealed]) != string(r.content[:r.revealed]) {
		r.revealed = 0
	}
	r.content = runes
	r.streaming = streaming
	if len(runes) == 0 {
		r.stopLocked()
	}
	r.scheduleLocked()
	r.broadcastLocked()
}

// Revealed returns the revealed prefix.
func (r *Renderer) Revealed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.content[:r.revealed])
}

// Len returns the number of revealed characters.
func (r *Renderer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revealed
}

// Done reports whether everything is revealed and no more content is coming.
func (r *Renderer) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneLocked()
}

func (r *Renderer) doneLocked() bool {
	return !r.streaming && !r.ticking && r.revealed == len(r.content)
}

// Drain blocks until Done or ctx ends.
func (r *Renderer) Drain(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.doneLocked() {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop halts the reveal where it is. A later Update resumes it.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.broadcastLocked()
}

func (r *Renderer) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ticking = false
	r.epoch++
}

// scheduleLocked arms the next tick if there is a backlog and no tick is
// pending.
func (r *Renderer) scheduleLocked() {
	if r.ticking || r.revealed >= len(r.content) {
		return
	}
	r.ticking = true
	epoch := r.epoch
	r.timer = time.AfterFunc(r.delay(len(r.content)-r.revealed), func() { r.tick(epoch) })
}

// tick reveals one character. The next tick is armed only after the
// callbacks return, so callbacks never overlap.
func (r *Renderer) tick(epoch uint64) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	if r.revealed >= len(r.content) {
		r.ticking = false
		r.timer = nil
		r.broadcastLocked()
		r.mu.Unlock()
		return
	}
	r.revealed++
	ch := r.content[r.revealed-1]
	var prefix string
	if r.onReveal != nil {
		prefix = string(r.content[:r.revealed])
	}
	r.mu.Unlock()

	if r.keyClick != nil && !unicode.IsSpace(ch) {
		r.keyClick(ch)
	}
	if r.onReveal != nil {
		r.onReveal(ch, prefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return
	}
	r.ticking = false
	r.timer = nil
	r.scheduleLocked()
	r.broadcastLocked()
}

// delay picks the pause before the next character given lag unrevealed ones.
func (r *Renderer) delay(lag int) time.Duration {
	lo, hi := r.pacing.SlowMin, r.pacing.SlowMax
	if lag > r.pacing.CatchUpLag {
		lo, hi = r.pacing.FastMin, r.pacing.FastMax
	}
	if hi <= lo {
		return lo
	}
	return lo + r.jitter(hi-lo)
}

func (r *Renderer) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
