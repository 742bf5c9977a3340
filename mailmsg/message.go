// Package mailmsg builds RFC 5322 messages for submission through the
// connection pool. A Message carries its own envelope, header block and body;
// Reader returns the wire form with CRLF line endings, optionally signed
// with DKIM.
package mailmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the SMTP envelope for a message: the reverse-path and the
// list of recipient forward-paths.
type Envelope struct {
	From string
	To   []string
}

// Header is a single message header field.
type Header struct {
	Key   string
	Value string
}

// Message is a buildable mail message.
type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// Extra headers appended after the generated ones. A header set here
	// overrides the generated value of the same name.
	Headers []Header

	// Body is the raw message body. Line endings are normalized to CRLF
	// when the message is serialized.
	Body []byte

	// SMTPEnvelope overrides the envelope derived from the address headers.
	SMTPEnvelope *Envelope

	// Signer, when set, DKIM-signs the serialized message.
	Signer *Signer

	messageID string
	date      time.Time
}

// Envelope returns the SMTP envelope for the message. An explicitly set
// envelope wins; otherwise the envelope is derived from the From, To, Cc and
// Bcc headers.
func (m *Message) Envelope() (Envelope, error) {
	if m.SMTPEnvelope != nil {
		if m.SMTPEnvelope.From == "" {
			return Envelope{}, errors.New("mailmsg: envelope has no sender")
		}
		if len(m.SMTPEnvelope.To) == 0 {
			return Envelope{}, errors.New("mailmsg: envelope has no recipients")
		}
		return *m.SMTPEnvelope, nil
	}

	from, err := parseAddress(m.From)
	if err != nil {
		return Envelope{}, fmt.Errorf("mailmsg: parse sender: %w", err)
	}

	var to []string
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, raw := range list {
			addr, err := parseAddress(raw)
			if err != nil {
				return Envelope{}, fmt.Errorf("mailmsg: parse recipient: %w", err)
			}
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return Envelope{}, errors.New("mailmsg: no recipients")
	}

	return Envelope{From: from, To: to}, nil
}

// Header returns the value of the named header as it would appear in the
// serialized message. Lookup is case-insensitive. Generated headers
// (Message-Id, Date) are materialized on first access.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, name) {
			return h.Value
		}
	}

	switch {
	case strings.EqualFold(name, "Message-Id"):
		return m.ensureMessageID()
	case strings.EqualFold(name, "Date"):
		return m.ensureDate().Format(time.RFC1123Z)
	case strings.EqualFold(name, "From"):
		return m.From
	case strings.EqualFold(name, "Subject"):
		return m.Subject
	case strings.EqualFold(name, "To"):
		return strings.Join(m.To, ", ")
	case strings.EqualFold(name, "Cc"):
		return strings.Join(m.Cc, ", ")
	case strings.EqualFold(name, "MIME-Version"):
		return "1.0"
	}
	return ""
}

// Reader serializes the message to its on-the-wire form: the header block,
// an empty line, and the body with LF line endings normalized to CRLF.
// When a Signer is configured the returned stream carries a DKIM-Signature
// header.
func (m *Message) Reader() (io.Reader, error) {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
		}
	}

	writeHeader("From", m.From)
	writeHeader("To", strings.Join(m.To, ", "))
	writeHeader("Cc", strings.Join(m.Cc, ", "))
	writeHeader("Subject", m.Subject)
	writeHeader("Message-Id", m.ensureMessageID())
	writeHeader("Date", m.ensureDate().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")

	seen := map[string]bool{}
	for _, h := range m.Headers {
		key := strings.ToLower(h.Key)
		if seen[key] {
			continue
		}
		seen[key] = true
		switch key {
		// Headers the generator already wrote are replaced, not duplicated.
		case "from", "to", "cc", "subject", "message-id", "date", "mime-version":
			replaceHeader(&buf, h.Key, h.Value)
		default:
			writeHeader(h.Key, h.Value)
		}
	}

	buf.WriteString("\r\n")
	buf.Write(NormalizeCRLF(m.Body))

	if m.Signer != nil {
		signed, err := m.Signer.Sign(bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("mailmsg: dkim sign: %w", err)
		}
		return bytes.NewReader(signed), nil
	}

	return bytes.NewReader(buf.Bytes()), nil
}

// ensureMessageID returns the Message-Id header value, generating one from a
// UUID and the sender domain if the message does not carry one yet.
func (m *Message) ensureMessageID() string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, "Message-Id") {
			return h.Value
		}
	}
	if m.messageID == "" {
		domain := "localhost"
		if addr, err := parseAddress(m.From); err == nil {
			if i := strings.LastIndex(addr, "@"); i >= 0 {
				domain = addr[i+1:]
			}
		}
		m.messageID = fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
	}
	return m.messageID
}

func (m *Message) ensureDate() time.Time {
	if m.date.IsZero() {
		m.date = time.Now()
	}
	return m.date
}

// replaceHeader rewrites an already-written header line in buf with a new
// value, or appends the header when the generator left it out. Headers are
// single-line at this point, so a line-wise rewrite is sufficient.
func replaceHeader(buf *bytes.Buffer, key, value string) {
	lines := strings.Split(buf.String(), "\r\n")
	prefix := strings.ToLower(key) + ":"
	found := false
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			lines[i] = fmt.Sprintf("%s: %s", key, value)
			found = true
			break
		}
	}
	buf.Reset()
	buf.WriteString(strings.Join(lines, "\r\n"))
	if !found && value != "" {
		fmt.Fprintf(buf, "%s: %s\r\n", key, value)
	}
}

// NormalizeCRLF converts bare LF and bare CR line endings to CRLF without
// touching line endings that are already CRLF.
func NormalizeCRLF(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/16)
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case '\r':
			out = append(out, '\r', '\n')
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, c)
		}
	}
	return out
}

// parseAddress extracts the bare address from a string that may carry a
// display name, e.g. "John Doe <john@example.com>".
func parseAddress(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty address")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
