// Package pool multiplexes an unbounded stream of outbound mail submissions
// over a bounded set of authenticated SMTP connections. Each connection
// serves a limited number of messages before it is rotated out, aggregate
// throughput can be throttled to a per-second rate, and every submission is
// answered exactly once, either with delivery info or with an error.
//
// The pool is a single logical actor: the queue, the resource set and the
// rate window are mutated only under one mutex, and completion callbacks run
// on their own goroutines so user code can call back into the pool freely.
package pool

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/sungwon/smtp-pool/internal/metrics"
	"github.com/sungwon/smtp-pool/mailmsg"
	"github.com/sungwon/smtp-pool/smtpconn"
)

// Name identifies the transport.
const Name = "SMTP (pool)"

const packageVersion = "1.0.0"

// Version combines the package version with the connection layer version.
func Version() string {
	return packageVersion + " [client:" + smtpconn.Version + "]"
}

// reconnectDelay is how long the dispatcher waits after a resource failure
// before it resumes dispatching, so a dead server does not trigger a
// reconnect storm.
const reconnectDelay = 100 * time.Millisecond

// Mail is one sendable message: an SMTP envelope, access to the serialized
// header block, and the wire-format body stream. mailmsg.Message is the
// stock implementation.
type Mail interface {
	Envelope() (mailmsg.Envelope, error)
	Header(name string) string
	Reader() (io.Reader, error)
}

// Info is the success payload delivered to a submission's handler.
type Info struct {
	Envelope  mailmsg.Envelope
	MessageID string
}

// Handler receives the outcome of one submission. It is invoked exactly
// once, on its own goroutine, with either info or a non-nil error.
type Handler func(info *Info, err error)

// submission is one queued send request. finish is the exactly-once guard:
// whichever of normal completion, routed resource error or close-time drain
// happens first wins, later calls are no-ops.
type submission struct {
	mail    Mail
	handler Handler
	once    sync.Once
	start   time.Time
}

func (s *submission) finish(info *Info, err error) {
	s.once.Do(func() {
		if !s.start.IsZero() {
			metrics.PoolSendDuration.Observe(time.Since(s.start).Seconds())
		}
		if s.handler != nil {
			go s.handler(info, err)
		}
	})
}

// Pool is a pooled SMTP sender. Create instances with New or NewURL.
type Pool struct {
	opts *Options
	log  zerolog.Logger

	mu        sync.Mutex
	queue     []*submission
	resources []*resource
	counter   int
	closed    bool
	wasIdle   bool
	window    rateWindow

	idleCh chan struct{}

	// newConn builds the transport for a resource; tests substitute fakes.
	newConn func() Conn
	now     func() time.Time
}

// New creates a Pool from options. The pool opens no connections until the
// first submission arrives.
func New(opts *Options) *Pool {
	normalized := opts.withDefaults()

	p := &Pool{
		opts:   normalized,
		log:    normalized.logger(),
		idleCh: make(chan struct{}, 1),
		now:    time.Now,
	}
	p.newConn = func() Conn {
		return smtpconn.New(normalized.connConfig(), p.log)
	}

	p.log.Info().
		Str("transport", Name).
		Str("version", Version()).
		Int("max_connections", normalized.MaxConnections).
		Int("max_messages", normalized.MaxMessages).
		Msg("pool created")

	p.mu.Lock()
	p.updateIdleLocked()
	p.mu.Unlock()

	return p
}

// NewURL creates a Pool from a connection URL (see ParseURL).
func NewURL(rawurl string) (*Pool, error) {
	opts, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	return New(opts), nil
}

// Send queues mail for delivery. The handler is invoked exactly once: with
// delivery info on success, or with the send error, or with ErrClosed when
// the pool shuts down before the message is dispatched.
func (p *Pool) Send(mail Mail, handler Handler) {
	s := &submission{mail: mail, handler: handler, start: time.Now()}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, s)
	metrics.PoolQueueDepth.Set(float64(len(p.queue)))

	if p.closed {
		// A closed pool accepts the submission but can never dispatch
		// it, so the close-time drain runs again and rejects it.
		p.rejectQueuedLocked()
		return
	}
	p.drainLocked()
}

// SendContext submits mail and blocks until the pool answers or the context
// is done. A context cancellation abandons the wait, not the delivery
// attempt: an already-dispatched message may still reach the server.
func (p *Pool) SendContext(ctx context.Context, mail Mail) (*Info, error) {
	type outcome struct {
		info *Info
		err  error
	}
	ch := make(chan outcome, 1)

	p.Send(mail, func(info *Info, err error) {
		ch <- outcome{info: info, err: err}
	})

	select {
	case out := <-ch:
		return out.info, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Verify opens a one-shot connection, authenticates and tears it down,
// without touching the pool. A nil return means credentials and reachability
// check out.
func (p *Pool) Verify(ctx context.Context) error {
	conn := p.newConn()
	err := conn.Connect(ctx)
	// The connection is closed on the success and failure paths alike.
	conn.Close()
	if err != nil {
		return fmt.Errorf("pool: verify: %w", err)
	}
	return nil
}

// IsIdle reports whether a submission handed to the pool right now would
// dispatch immediately: a resource is available, or there is room to create
// one. A closed pool is never idle.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isIdleLocked()
}

// Idle returns a channel that receives a (coalesced, edge-triggered) signal
// whenever the pool transitions into the idle state.
func (p *Pool) Idle() <-chan struct{} {
	return p.idleCh
}

// Close shuts the pool down: the rate-limit timer is cancelled, available
// connections are closed immediately, in-flight connections close themselves
// when their send completes, and every still-queued submission is answered
// with ErrClosed. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.log.Info().
			Str("type", "close").
			Int("connections", len(p.resources)).
			Int("queued", len(p.queue)).
			Msg("closing pool")
	}

	// Parked re-admissions turn into close requests when they resume.
	p.clearRateLimitLocked()
	p.stopRateLimitTimerLocked()

	for _, r := range append([]*resource(nil), p.resources...) {
		if r.available {
			p.closeResourceLocked(r)
		}
	}

	p.rejectQueuedLocked()
	p.updateIdleLocked()
}

// drainLocked is the dispatcher tick: bind queued submissions to available
// resources, creating resources while there is room. It is idempotent and
// safe to call after any state change.
func (p *Pool) drainLocked() {
	if p.closed {
		return
	}

	for len(p.queue) > 0 {
		r := p.firstAvailableLocked()
		if r == nil && len(p.resources) < p.opts.MaxConnections {
			r = p.createResourceLocked()
		}
		if r == nil {
			break
		}

		s := p.queue[0]
		p.queue = p.queue[1:]

		r.available = false
		r.pending = s
		p.chargeRateLimitLocked()

		go r.run(s)
	}

	metrics.PoolQueueDepth.Set(float64(len(p.queue)))
	p.updateIdleLocked()
}

func (p *Pool) firstAvailableLocked() *resource {
	for _, r := range p.resources {
		if r.available {
			return r
		}
	}
	return nil
}

func (p *Pool) createResourceLocked() *resource {
	p.counter++
	r := &resource{
		pool: p,
		id:   p.counter,
		conn: p.newConn(),
	}
	p.resources = append(p.resources, r)

	metrics.PoolConnectionsActive.Inc()
	p.log.Info().
		Str("type", "created").
		Int("connection", r.id).
		Int("pool_size", len(p.resources)).
		Msg("created new pool resource")

	return r
}

func (p *Pool) removeResourceLocked(r *resource) {
	if r.removed {
		return
	}
	r.removed = true
	r.available = false
	for i, candidate := range p.resources {
		if candidate == r {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			break
		}
	}
	metrics.PoolConnectionsActive.Dec()
}

// closeResourceLocked removes a resource and closes its connection.
func (p *Pool) closeResourceLocked(r *resource) {
	p.removeResourceLocked(r)
	go r.conn.Close()
	metrics.PoolConnectionsTotal.WithLabelValues("closed").Inc()
	p.log.Info().
		Str("type", "close").
		Int("connection", r.id).
		Int("messages", r.messages).
		Msg("closing pool resource")
}

// sendFinished is the completion path for one assignment. The resource's
// error listener is detached before the submission's handler can fire, so a
// teardown error arriving later can never re-answer the same submission.
func (p *Pool) sendFinished(r *resource, s *submission, env mailmsg.Envelope, sendErr error) {
	p.mu.Lock()
	r.messages++
	r.pending = nil

	if sendErr != nil {
		p.failResourceLocked(r, s, sendErr)
		p.mu.Unlock()
		return
	}

	info := &Info{Envelope: env, MessageID: infoMessageID(s.mail)}
	exhausted := r.messages >= p.opts.MaxMessages
	closed := p.closed
	p.mu.Unlock()

	metrics.PoolSendsTotal.WithLabelValues("sent").Inc()
	p.log.Info().
		Str("type", "message").
		Int("connection", r.id).
		Str("message_id", info.MessageID).
		Str("from", env.From).
		Int("recipients", len(env.To)).
		Msg("message sent")

	s.finish(info, nil)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case exhausted:
		// The send itself succeeded; exhaustion only rotates the
		// connection out so a fresh one takes its slot.
		p.removeResourceLocked(r)
		go r.conn.Close()
		metrics.PoolConnectionsTotal.WithLabelValues("exhausted").Inc()
		p.log.Info().
			Str("type", "close").
			Int("connection", r.id).
			Int("messages", r.messages).
			Msg("connection exhausted, rotating")
		p.drainLocked()
	case closed || p.closed:
		p.closeResourceLocked(r)
		p.rejectQueuedLocked()
	default:
		p.checkRateLimitLocked(func() {
			p.resourceAvailableLocked(r)
		})
	}
}

// submissionRejected answers a submission whose mail could not be built.
// The connection never saw the message, so the resource goes straight back
// through re-admission.
func (p *Pool) submissionRejected(r *resource, s *submission, err error) {
	p.mu.Lock()
	r.pending = nil
	p.mu.Unlock()

	metrics.PoolSendsTotal.WithLabelValues("rejected").Inc()
	s.finish(nil, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeResourceLocked(r)
		return
	}
	p.checkRateLimitLocked(func() {
		p.resourceAvailableLocked(r)
	})
}

// resourceError is the terminal error path for a failed connect or login; a
// transport that dies mid-send is handled by sendFinished. The routed listener
// delivers the error to the submission that was in flight, the resource is
// discarded, and dispatch resumes after a short backoff.
func (p *Pool) resourceError(r *resource, err error) {
	p.mu.Lock()
	s := r.pending
	r.pending = nil
	p.failResourceLocked(r, s, err)
	p.mu.Unlock()
}

// failResourceLocked removes the resource, routes err to the detached
// submission (if any) and schedules the next dispatcher tick.
func (p *Pool) failResourceLocked(r *resource, s *submission, err error) {
	p.removeResourceLocked(r)
	go r.conn.Close()

	metrics.PoolConnectionsTotal.WithLabelValues("error").Inc()
	metrics.PoolSendsTotal.WithLabelValues("failed").Inc()
	p.log.Error().
		Str("type", "error").
		Int("connection", r.id).
		Err(err).
		Msg("pool resource failed")

	if s != nil {
		s.finish(nil, err)
	}

	if p.closed {
		p.rejectQueuedLocked()
		return
	}

	// Back off briefly so a dead server does not cause a reconnect storm.
	time.AfterFunc(reconnectDelay, func() {
		p.mu.Lock()
		if !p.closed {
			p.drainLocked()
		}
		p.mu.Unlock()
	})
	p.updateIdleLocked()
}

// resourceAvailableLocked re-admits a resource after rate-limit clearance.
// When the pool closed in the meantime the availability is reinterpreted as
// a close request; a resource retired while parked is skipped.
func (p *Pool) resourceAvailableLocked(r *resource) {
	if p.closed {
		if !r.removed {
			p.closeResourceLocked(r)
		}
		return
	}
	if r.removed {
		return
	}

	r.available = true
	p.log.Debug().
		Str("type", "available").
		Int("connection", r.id).
		Int("messages", r.messages).
		Msg("connection available")

	p.updateIdleLocked()
	p.drainLocked()
}

// rejectQueuedLocked drains the queue and answers every entry with
// ErrClosed. Handlers run on their own goroutines, so this is safe under
// the pool lock.
func (p *Pool) rejectQueuedLocked() {
	if len(p.queue) == 0 {
		return
	}
	pending := p.queue
	p.queue = nil
	metrics.PoolQueueDepth.Set(0)

	for _, s := range pending {
		metrics.PoolSendsTotal.WithLabelValues("rejected").Inc()
		s.finish(nil, ErrClosed)
	}
}

func (p *Pool) isIdleLocked() bool {
	if p.closed {
		return false
	}
	return p.firstAvailableLocked() != nil || len(p.resources) < p.opts.MaxConnections
}

// updateIdleLocked emits the coalesced idle signal on the not-idle to idle
// edge.
func (p *Pool) updateIdleLocked() {
	idle := p.isIdleLocked()
	if idle && !p.wasIdle {
		select {
		case p.idleCh <- struct{}{}:
		default:
		}
	}
	p.wasIdle = idle
}

// infoMessageID extracts the mail's Message-Id header with angle brackets
// and whitespace stripped.
func infoMessageID(m Mail) string {
	return strings.Map(func(c rune) rune {
		if c == '<' || c == '>' || unicode.IsSpace(c) {
			return -1
		}
		return c
	}, m.Header("Message-Id"))
}
