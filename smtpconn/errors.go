package smtpconn

import "fmt"

// ConnectError is a transport or TLS failure before login completed.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("smtpconn: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError is a failed SMTP authentication exchange.
type AuthError struct {
	Mechanism string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("smtpconn: auth %s: %v", e.Mechanism, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SendError is a MAIL, RCPT or DATA failure for one message. The connection
// may have been torn down as a side effect; callers decide whether to retire
// the session.
type SendError struct {
	Stage     string // "mail", "rcpt" or "data"
	Recipient string // set for rcpt failures
	Err       error
}

func (e *SendError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("smtpconn: %s %s: %v", e.Stage, e.Recipient, e.Err)
	}
	return fmt.Sprintf("smtpconn: %s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
