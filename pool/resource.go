package pool

import (
	"context"
	"io"

	"github.com/sungwon/smtp-pool/mailmsg"
)

// Conn is the transport session a resource drives: connect and authenticate,
// then send messages until the session is rotated out or fails. Done is
// closed when the underlying transport ends for any reason; Err carries the
// cause when the ending was not a deliberate Close.
//
// The production implementation is smtpconn.Conn; tests substitute fakes.
type Conn interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, env mailmsg.Envelope, r io.Reader) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

// resource is one pooled slot: at most one in-flight submission, a message
// counter, and the owned connection. All fields except conn are guarded by
// the pool mutex; conn is only used by the goroutine running the current
// assignment (the pool serializes assignments per resource).
type resource struct {
	pool *Pool
	id   int
	conn Conn

	messages  int
	available bool
	connected bool
	removed   bool

	// pending is the in-flight submission. While set it doubles as the
	// one-shot error listener: a resource failure routes to exactly this
	// submission. The dispatcher detaches it before the completion
	// callback fires.
	pending *submission
}

// run drives one assignment to completion: lazy connect on first use, then
// the send, then hand the outcome back to the pool. Runs on its own
// goroutine without the pool lock.
func (r *resource) run(s *submission) {
	p := r.pool
	ctx := context.Background()

	p.mu.Lock()
	connected := r.connected
	p.mu.Unlock()

	if !connected {
		if err := r.conn.Connect(ctx); err != nil {
			p.resourceError(r, err)
			return
		}

		p.mu.Lock()
		if r.removed {
			// The resource was removed from the pool while the dial
			// was in flight.
			p.mu.Unlock()
			r.conn.Close()
			s.finish(nil, ErrClosed)
			return
		}
		r.connected = true
		p.mu.Unlock()

		p.log.Debug().
			Str("type", "created").
			Int("connection", r.id).
			Msg("connection established")

		go r.watch()
	}

	env, err := s.mail.Envelope()
	if err != nil {
		p.submissionRejected(r, s, err)
		return
	}
	body, err := s.mail.Reader()
	if err != nil {
		p.submissionRejected(r, s, err)
		return
	}

	sendErr := r.conn.Send(ctx, env, body)
	p.sendFinished(r, s, env, sendErr)
}

// watch retires the resource when its transport ends while idle. A transport
// that dies mid-send is reported synchronously by Send, and a resource that
// was already removed has nothing left to do; in both cases the watcher
// stands down so the in-flight submission is reported exactly once.
func (r *resource) watch() {
	<-r.conn.Done()

	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.removed || r.pending != nil {
		return
	}

	p.removeResourceLocked(r)
	p.log.Info().
		Str("type", "close").
		Int("connection", r.id).
		Int("messages", r.messages).
		Msg("connection ended, retiring idle resource")
	p.drainLocked()
}
