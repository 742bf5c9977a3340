package pool

import (
	"time"

	"github.com/sungwon/smtp-pool/internal/metrics"
)

// rateLimitWindow is the length of one admission window.
const rateLimitWindow = time.Second

// rateWindow throttles connection re-admissions to RateLimit per rolling
// second. The window opens at the first charged dispatch (checkpoint) and is
// reset by the first over-limit check that lands in the following second, or
// by a timer armed for the remainder of the window. This is deliberately not
// a token bucket: a full burst is admitted at the top of each window.
//
// All fields are guarded by the pool mutex.
type rateWindow struct {
	counter    int
	checkpoint time.Time
	timer      *time.Timer
	parked     []func()
}

// chargeRateLimitLocked records one dispatch against the current window.
// Called by the dispatcher when it binds a submission to a resource.
func (p *Pool) chargeRateLimitLocked() {
	if p.opts.RateLimit <= 0 {
		return
	}
	p.window.counter++
	if p.window.checkpoint.IsZero() {
		p.window.checkpoint = p.now()
	}
}

// checkRateLimitLocked runs the continuation immediately while the window
// has admissions left, otherwise parks it. Parked continuations resume in
// FIFO order when the window clears.
func (p *Pool) checkRateLimitLocked(f func()) {
	if p.opts.RateLimit <= 0 || p.window.counter < p.opts.RateLimit {
		f()
		return
	}

	p.window.parked = append(p.window.parked, f)
	metrics.PoolRateLimitedTotal.Inc()

	elapsed := p.now().Sub(p.window.checkpoint)
	if elapsed >= rateLimitWindow {
		p.clearRateLimitLocked()
		return
	}
	if p.window.timer == nil {
		p.window.timer = time.AfterFunc(rateLimitWindow-elapsed, func() {
			p.mu.Lock()
			p.window.timer = nil
			p.clearRateLimitLocked()
			p.mu.Unlock()
		})
	}
}

// clearRateLimitLocked resets the window and schedules the parked
// continuations. They run on a fresh goroutine under the pool lock so that
// event dispatch never mutates pool state reentrantly.
func (p *Pool) clearRateLimitLocked() {
	p.window.counter = 0
	p.window.checkpoint = time.Time{}
	p.stopRateLimitTimerLocked()

	if len(p.window.parked) == 0 {
		return
	}
	waiting := p.window.parked
	p.window.parked = nil

	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, f := range waiting {
			f()
		}
	}()
}

func (p *Pool) stopRateLimitTimerLocked() {
	if p.window.timer != nil {
		p.window.timer.Stop()
		p.window.timer = nil
	}
}
