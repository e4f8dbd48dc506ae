package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingSecret    = errors.New("webhook secret is not configured")
)

// Signer computes GitHub-style HMAC-SHA256 webhook signatures.
type Signer struct {
	secret []byte
}

// NewSigner constructs a signer with its own copy of the secret.
func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// Sign returns the signature header value for body.
func (s Signer) Sign(body []byte) string {
	return SignaturePrefix + hex.EncodeToString(s.digest(body))
}

// Verify checks header against the signature of body in constant time.
func (s Signer) Verify(body []byte, header string) error {
	if len(s.secret) == 0 {
		return ErrMissingSecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return ErrInvalidSignature
	}
	received, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(received, s.digest(body)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s Signer) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyWebhookSignature validates an X-Hub-Signature-256 header.
func VerifyWebhookSignature(secret string, body []byte, header string) error {
	return NewSigner(secret).Verify(body, header)
}
