package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Hub-Signature-256"
	// EventHeader names the event type.
	EventHeader = "X-GitHub-Event"
	// DeliveryHeader carries the unique delivery id.
	DeliveryHeader = "X-GitHub-Delivery"

	signaturePrefix = "sha256="
)

var (
	// ErrMissingSignature is returned when no signature accompanies the body.
	ErrMissingSignature = errors.New("webhook signature is missing")
	// ErrSignatureMismatch is returned when the signature does not match the body.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// VerifySignature checks an X-Hub-Signature-256 value against body. The
// comparison is constant time.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook secret is empty")
	}
	if signature == "" {
		return ErrMissingSignature
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("decode webhook signature: %w", err)
	}
	if subtle.ConstantTimeCompare(mac(secret, body), decoded) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, body))
}

func mac(secret, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return h.Sum(nil)
}
