package smtpconn

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/smtp-pool/mailmsg"
)

// testServer is a scripted SMTP server good for one session at a time.
type testServer struct {
	listener net.Listener
	port     int

	rejectAuth bool
	rejectRcpt map[string]bool

	mu       sync.Mutex
	commands []string
	authLine string
	data     []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		listener:   ln,
		port:       ln.Addr().(*net.TCPAddr).Port,
		rejectRcpt: map[string]bool{},
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	return s
}

func (s *testServer) serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(line string) {
		conn.Write([]byte(line + "\r\n"))
	}

	write("220 test.local ESMTP ready")

	inData := false
	var data []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				s.mu.Lock()
				s.data = data
				s.mu.Unlock()
				write("250 2.0.0 Ok: queued")
				continue
			}
			data = append(data, line...)
			data = append(data, '\r', '\n')
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250-test.local")
			write("250-AUTH PLAIN LOGIN")
			write("250 8BITMIME")
		case strings.HasPrefix(upper, "AUTH"):
			s.mu.Lock()
			s.authLine = line
			s.mu.Unlock()
			if s.rejectAuth {
				write("535 5.7.8 Authentication credentials invalid")
			} else {
				write("235 2.7.0 Authentication successful")
			}
		case strings.HasPrefix(upper, "MAIL FROM"):
			write("250 2.1.0 Ok")
		case strings.HasPrefix(upper, "RCPT TO"):
			to := line[strings.Index(line, "<")+1 : strings.LastIndex(line, ">")]
			if s.rejectRcpt[to] {
				write("550 5.1.1 User unknown")
			} else {
				write("250 2.1.5 Ok")
			}
		case strings.HasPrefix(upper, "DATA"):
			inData = true
			data = nil
			write("354 End data with <CR><LF>.<CR><LF>")
		case strings.HasPrefix(upper, "QUIT"):
			write("221 2.0.0 Bye")
			return
		case strings.HasPrefix(upper, "RSET"), strings.HasPrefix(upper, "NOOP"):
			write("250 2.0.0 Ok")
		default:
			write("502 5.5.2 Command not implemented")
		}
	}
}

func (s *testServer) commandSent(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.commands {
		if strings.HasPrefix(strings.ToUpper(cmd), strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

func testConfig(s *testServer) Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      s.port,
		IgnoreTLS: true,
		Name:      "client.test",
		Auth:      &Auth{User: "testuser", Pass: "testpass"},

		ConnectionTimeout: 5 * time.Second,
		GreetingTimeout:   5 * time.Second,
		SocketTimeout:     5 * time.Second,
	}
}

func TestConnectAuthAndSend(t *testing.T) {
	server := newTestServer(t)

	c := New(testConfig(server), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	env := mailmsg.Envelope{
		From: "sender@example.com",
		To:   []string{"rcpt@example.com"},
	}
	body := "Subject: hi\r\n\r\nhello there\r\n"
	if err := c.Send(context.Background(), env, strings.NewReader(body)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !server.commandSent("EHLO client.test") {
		t.Error("EHLO with configured name not sent")
	}
	if !server.commandSent("MAIL FROM:<sender@example.com>") {
		t.Error("MAIL FROM not sent")
	}
	if !server.commandSent("RCPT TO:<rcpt@example.com>") {
		t.Error("RCPT TO not sent")
	}

	server.mu.Lock()
	authLine := server.authLine
	data := string(server.data)
	server.mu.Unlock()

	wantCreds := base64.StdEncoding.EncodeToString([]byte("\x00testuser\x00testpass"))
	if !strings.Contains(authLine, "PLAIN") || !strings.Contains(authLine, wantCreds) {
		t.Errorf("unexpected AUTH line: %q", authLine)
	}
	if !strings.Contains(data, "hello there") {
		t.Errorf("server did not receive body: %q", data)
	}
}

func TestConnectAuthFailure(t *testing.T) {
	server := newTestServer(t)
	server.rejectAuth = true

	c := New(testConfig(server), zerolog.Nop())
	err := c.Connect(context.Background())

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if ae.Mechanism != "PLAIN" {
		t.Errorf("mechanism = %q, want PLAIN", ae.Mechanism)
	}

	select {
	case <-c.Done():
	default:
		t.Error("failed connection should be finished")
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(Config{
		Host:              "127.0.0.1",
		Port:              port,
		IgnoreTLS:         true,
		ConnectionTimeout: 2 * time.Second,
		GreetingTimeout:   2 * time.Second,
		SocketTimeout:     2 * time.Second,
	}, zerolog.Nop())

	err = c.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if !strings.Contains(ce.Addr, strconv.Itoa(port)) {
		t.Errorf("error does not carry the address: %v", ce)
	}
}

func TestSendRejectedRecipient(t *testing.T) {
	server := newTestServer(t)
	server.rejectRcpt["nobody@example.com"] = true

	c := New(testConfig(server), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	env := mailmsg.Envelope{From: "sender@example.com", To: []string{"nobody@example.com"}}
	err := c.Send(context.Background(), env, strings.NewReader("data\r\n"))

	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if se.Stage != "rcpt" || se.Recipient != "nobody@example.com" {
		t.Errorf("stage=%q recipient=%q", se.Stage, se.Recipient)
	}

	// A protocol rejection leaves the transport alive.
	select {
	case <-c.Done():
		t.Error("connection ended on a protocol rejection")
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := newTestServer(t)

	c := New(testConfig(server), zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if c.Err() != nil {
		t.Errorf("deliberate close should not carry an error, got %v", c.Err())
	}
}

func TestDefaultsApplied(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	if c.cfg.Host != "localhost" {
		t.Errorf("host = %q", c.cfg.Host)
	}
	if c.cfg.Port != 25 {
		t.Errorf("port = %d", c.cfg.Port)
	}

	c = New(Config{Secure: true}, zerolog.Nop())
	if c.cfg.Port != 465 {
		t.Errorf("secure port = %d", c.cfg.Port)
	}
	if c.Addr() != "localhost:465" {
		t.Errorf("addr = %q", c.Addr())
	}
}

func TestXoauth2InitialResponse(t *testing.T) {
	client := NewXoauth2Client("user@example.com", "token123")

	mech, ir, err := client.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if mech != Xoauth2 {
		t.Errorf("mechanism = %q", mech)
	}
	want := "user=user@example.com\x01auth=Bearer token123\x01\x01"
	if string(ir) != want {
		t.Errorf("initial response = %q, want %q", ir, want)
	}

	resp, err := client.Next([]byte(`{"status":"401"}`))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("challenge response = %q, want empty", resp)
	}
}
