package mailmsg

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"strings"
	"testing"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	signer, err := NewSigner("example.com", "mail", pemKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func TestNewSignerValidation(t *testing.T) {
	if _, err := NewSigner("", "mail", nil); err == nil {
		t.Error("expected error for missing domain")
	}
	if _, err := NewSigner("example.com", "", nil); err == nil {
		t.Error("expected error for missing selector")
	}
	if _, err := NewSigner("example.com", "mail", []byte("not pem")); err == nil {
		t.Error("expected error for bad key material")
	}
}

func TestSignerPKCS8Key(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if _, err := NewSigner("example.com", "mail", pemKey); err != nil {
		t.Errorf("pkcs8 key rejected: %v", err)
	}
}

func TestSignedMessageCarriesSignature(t *testing.T) {
	m := &Message{
		From:    "a@example.com",
		To:      []string{"b@example.com"},
		Subject: "signed",
		Body:    []byte("content\n"),
		Signer:  testSigner(t),
	}

	r, err := m.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	raw, _ := io.ReadAll(r)
	text := string(raw)

	if !strings.Contains(text, "DKIM-Signature:") {
		t.Fatalf("no DKIM-Signature header:\n%s", text)
	}
	for _, tag := range []string{"d=example.com", "s=mail"} {
		if !strings.Contains(text, tag) {
			t.Errorf("signature missing %s", tag)
		}
	}
	// The original message survives intact below the signature.
	if !strings.Contains(text, "Subject: signed\r\n") {
		t.Error("signed output lost the original headers")
	}
	if !strings.Contains(text, "content\r\n") {
		t.Error("signed output lost the body")
	}
}
