package mailmsg

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// Signer applies DKIM signatures to serialized messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// defaultHeaderKeys are the headers covered by the signature.
var defaultHeaderKeys = []string{"From", "To", "Subject", "Date", "Message-Id"}

// NewSigner creates a Signer for the given domain and selector from a PEM
// encoded private key (PKCS#1, PKCS#8 or EC).
func NewSigner(domain, selector string, pemKey []byte) (*Signer, error) {
	if domain == "" {
		return nil, errors.New("mailmsg: dkim domain is required")
	}
	if selector == "" {
		return nil, errors.New("mailmsg: dkim selector is required")
	}

	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("mailmsg: parse dkim key: %w", err)
	}

	return &Signer{
		domain:     domain,
		selector:   selector,
		key:        key,
		headerKeys: defaultHeaderKeys,
	}, nil
}

// Domain returns the signing domain.
func (s *Signer) Domain() string { return s.domain }

// Selector returns the DKIM selector.
func (s *Signer) Selector() string { return s.selector }

// Sign reads a complete message and returns it with a DKIM-Signature header
// prepended.
func (s *Signer) Sign(r io.Reader) ([]byte, error) {
	opts := &msgauthdkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		HeaderKeys: s.headerKeys,
	}

	var buf bytes.Buffer
	if err := msgauthdkim.Sign(&buf, r, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parsePrivateKey decodes a PEM block and parses the contained private key.
func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("key does not implement crypto.Signer")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key format")
}
