// Package smtpconn implements the client side of one pooled SMTP session:
// dial, EHLO, optional STARTTLS, SASL authentication, message submission and
// teardown. It is the transport collaborator of the pool package and is built
// on the emersion go-smtp client and go-sasl.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/smtp-pool/mailmsg"
)

// Version identifies the protocol layer. The pool facade combines it with
// its own package version.
const Version = "go-smtp/0.20.2"

// DialFn dials the raw transport. It matches net.Dialer.DialContext and can
// be replaced to supply a custom socket (proxies, test servers).
type DialFn func(ctx context.Context, network, addr string) (net.Conn, error)

// Auth holds SMTP credentials. Pass is used for PLAIN and LOGIN, XOAuth2 for
// the XOAUTH2 bearer scheme.
type Auth struct {
	User    string
	Pass    string
	XOAuth2 string
}

// Config controls a single connection.
type Config struct {
	Host         string
	Port         int
	Secure       bool // implicit TLS on connect
	IgnoreTLS    bool // never upgrade via STARTTLS
	Name         string
	LocalAddress string
	Auth         *Auth
	AuthMethod   string // preferred SASL mechanism; empty selects automatically
	TLS          *tls.Config
	Debug        bool

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	DialFn DialFn
}

const (
	defaultConnectionTimeout = 2 * time.Minute
	defaultGreetingTimeout   = 30 * time.Second
	defaultSocketTimeout     = 10 * time.Minute
)

// Conn is one SMTP client session. The zero value is not usable; create
// connections with New. Connect, Send and Close are not safe for concurrent
// use; the pool serializes access per resource.
type Conn struct {
	cfg Config
	log zerolog.Logger

	client *smtp.Client

	mu       sync.Mutex
	done     chan struct{}
	doneErr  error
	finished bool
}

// New creates an unconnected Conn.
func New(cfg Config, log zerolog.Logger) *Conn {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		if cfg.Secure {
			cfg.Port = 465
		} else {
			cfg.Port = 25
		}
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.GreetingTimeout == 0 {
		cfg.GreetingTimeout = defaultGreetingTimeout
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = defaultSocketTimeout
	}

	return &Conn{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
}

// Addr returns the host:port this connection targets.
func (c *Conn) Addr() string {
	return net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
}

// Connect dials the server, performs EHLO, upgrades to TLS when possible and
// authenticates when credentials are configured. It must be called once
// before Send.
func (c *Conn) Connect(ctx context.Context) error {
	addr := c.Addr()

	raw, err := c.dial(ctx, addr)
	if err != nil {
		cerr := &ConnectError{Addr: addr, Err: err}
		c.terminate(cerr)
		return cerr
	}

	if c.cfg.Secure {
		raw = tls.Client(raw, c.tlsConfig())
	}

	client := smtp.NewClient(raw)
	client.CommandTimeout = c.cfg.GreetingTimeout
	client.SubmissionTimeout = c.cfg.SocketTimeout
	if c.cfg.Debug {
		client.DebugWriter = newWireWriter(c.log)
	}

	// The greeting banner is read as part of the first command, so the
	// greeting timeout governs EHLO.
	if err := client.Hello(c.heloName()); err != nil {
		client.Close()
		cerr := &ConnectError{Addr: addr, Err: fmt.Errorf("ehlo: %w", err)}
		c.terminate(cerr)
		return cerr
	}
	client.CommandTimeout = c.cfg.SocketTimeout

	if !c.cfg.Secure && !c.cfg.IgnoreTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(c.tlsConfig()); err != nil {
				client.Close()
				cerr := &ConnectError{Addr: addr, Err: fmt.Errorf("starttls: %w", err)}
				c.terminate(cerr)
				return cerr
			}
		}
	}

	if c.cfg.Auth != nil {
		mech, saslClient, err := c.saslClient(client)
		if err != nil {
			client.Close()
			aerr := &AuthError{Mechanism: mech, Err: err}
			c.terminate(aerr)
			return aerr
		}
		if err := client.Auth(saslClient); err != nil {
			client.Close()
			aerr := &AuthError{Mechanism: mech, Err: err}
			c.terminate(aerr)
			return aerr
		}
	}

	c.client = client
	return nil
}

// Send submits one message: MAIL FROM, RCPT TO for every recipient, then the
// DATA payload from r. A protocol rejection is returned as a SendError; a
// transport failure additionally marks the connection as ended.
func (c *Conn) Send(ctx context.Context, env mailmsg.Envelope, r io.Reader) error {
	if c.client == nil {
		return errors.New("smtpconn: not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.client.Mail(env.From, nil); err != nil {
		return c.sendError("mail", "", err)
	}
	for _, to := range env.To {
		if err := c.client.Rcpt(to, nil); err != nil {
			return c.sendError("rcpt", to, err)
		}
	}

	w, err := c.client.Data()
	if err != nil {
		return c.sendError("data", "", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return c.sendError("data", "", err)
	}
	if err := w.Close(); err != nil {
		return c.sendError("data", "", err)
	}

	return nil
}

// Close shuts the session down. A healthy session is ended with QUIT; a dead
// one just drops the transport. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()

	if c.client != nil {
		if finished {
			c.client.Close()
		} else if err := c.client.Quit(); err != nil {
			c.client.Close()
		}
	}
	c.terminate(nil)
	return nil
}

// Done is closed when the underlying transport has ended, whether by Close
// or by a transport failure.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the transport error that ended the connection, or nil when it
// was closed deliberately. Only meaningful after Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneErr
}

func (c *Conn) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	if c.cfg.DialFn != nil {
		return c.cfg.DialFn(dialCtx, "tcp", addr)
	}

	dialer := &net.Dialer{}
	if c.cfg.LocalAddress != "" {
		ip := net.ParseIP(c.cfg.LocalAddress)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", c.cfg.LocalAddress)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return dialer.DialContext(dialCtx, "tcp", addr)
}

func (c *Conn) tlsConfig() *tls.Config {
	if c.cfg.TLS != nil {
		cfg := c.cfg.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.cfg.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: c.cfg.Host}
}

func (c *Conn) heloName() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return "localhost"
}

// saslClient selects the SASL mechanism: the configured AuthMethod wins,
// otherwise XOAUTH2 when a token is present, otherwise PLAIN with a LOGIN
// fallback for servers that only advertise LOGIN.
func (c *Conn) saslClient(client *smtp.Client) (string, sasl.Client, error) {
	auth := c.cfg.Auth

	mech := strings.ToUpper(c.cfg.AuthMethod)
	if mech == "" {
		switch {
		case auth.XOAuth2 != "":
			mech = Xoauth2
		case !supportsAuth(client, sasl.Plain) && supportsAuth(client, sasl.Login):
			mech = sasl.Login
		default:
			mech = sasl.Plain
		}
	}

	switch mech {
	case sasl.Plain:
		return mech, sasl.NewPlainClient("", auth.User, auth.Pass), nil
	case sasl.Login:
		return mech, sasl.NewLoginClient(auth.User, auth.Pass), nil
	case Xoauth2:
		return mech, NewXoauth2Client(auth.User, auth.XOAuth2), nil
	default:
		return mech, nil, fmt.Errorf("unsupported auth method %q", mech)
	}
}

// supportsAuth checks whether an authentication mechanism is supported. It
// mirrors (*smtp.Client).SupportsAuth from newer go-smtp releases, which is
// not available on the client version this package is pinned to.
func supportsAuth(client *smtp.Client, mech string) bool {
	ok, params := client.Extension("AUTH")
	if !ok {
		return false
	}
	for _, m := range strings.Split(params, " ") {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// sendError wraps an error from the submission sequence. Protocol rejections
// (SMTP status responses) leave the transport alive; anything else means the
// socket is gone and the connection is marked ended.
func (c *Conn) sendError(stage, recipient string, err error) error {
	serr := &SendError{Stage: stage, Recipient: recipient, Err: err}

	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		c.terminate(serr)
	}
	return serr
}

// terminate marks the connection as ended with the given cause and unblocks
// Done. The first cause wins.
func (c *Conn) terminate(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.doneErr = cause
	close(c.done)
}
