// Package webhook receives GitHub webhook deliveries and runs one sync per
// delivery.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrMissingSignature   = errors.New("missing " + SignatureHeader + " header")
	ErrMalformedSignature = errors.New("malformed signature: want sha256=<hex>")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Sign returns the header value GitHub sends for body: "sha256=<hex>".
func Sign(body, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks header against the HMAC of body. An empty secret
// disables verification.
func VerifySignature(body []byte, header string, secret []byte) error {
	if len(secret) == 0 {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrMalformedSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformedSignature
	}
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	if !hmac.Equal(got, h.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}
