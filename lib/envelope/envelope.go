// Package envelope implements the HMAC envelope wrapped around sensitive
// inbound payloads. The envelope binds a payload to a signing window; the
// signature covers a canonical serialization of the payload plus the window
// bounds under a shared secret.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

// canonicalJSON serializes maps with sorted keys so that the signed bytes do
// not depend on the field order of the inbound document.
var canonicalJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// Signature is the envelope signature block.
type Signature struct {
	SignedAt   time.Time `json:"signedAt"`
	ValidUntil time.Time `json:"validUntil"`
	HMAC       string    `json:"hmac"`
}

// Sign computes the signature block for a payload. The payload is
// canonicalized the same way Verify canonicalizes inbound bodies.
func Sign(payload interface{}, secret string, signedAt, validUntil time.Time) (Signature, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return Signature{}, trace.Wrap(err)
	}
	sig := Signature{SignedAt: signedAt.UTC(), ValidUntil: validUntil.UTC()}
	sig.HMAC = computeHMAC(canonical, sig.SignedAt, sig.ValidUntil, secret)
	return sig, nil
}

// Envelope attaches a signature block to a payload for transmission.
func Envelope(payload interface{}, secret string, signedAt, validUntil time.Time) ([]byte, error) {
	sig, err := Sign(payload, secret, signedAt, validUntil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	doc := make(map[string]interface{})
	if err := remarshal(payload, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	doc["signature"] = sig
	return canonicalJSON.Marshal(doc)
}

// Verify checks the envelope of a raw request body against the shared
// secret and the clock. On success it returns the payload bytes with the
// signature block removed, so downstream handlers can unmarshal the typed
// payload. Every failure is an access denial.
func Verify(body []byte, secret string, now time.Time) ([]byte, Signature, error) {
	if len(body) == 0 {
		return nil, Signature{}, trace.AccessDenied("missing request body")
	}

	var doc map[string]interface{}
	if err := canonicalJSON.Unmarshal(body, &doc); err != nil {
		return nil, Signature{}, trace.AccessDenied("malformed request body")
	}

	sig, err := signatureBlock(doc)
	if err != nil {
		return nil, Signature{}, trace.Wrap(err)
	}
	if sig.SignedAt.After(now) {
		return nil, Signature{}, trace.AccessDenied("signature signedAt is in the future")
	}
	if !sig.ValidUntil.After(now) {
		return nil, Signature{}, trace.AccessDenied("signature has expired")
	}

	delete(doc, "signature")
	canonical, err := canonicalJSON.Marshal(doc)
	if err != nil {
		return nil, Signature{}, trace.AccessDenied("malformed payload")
	}

	expected := computeHMAC(canonical, sig.SignedAt, sig.ValidUntil, secret)
	if !hmac.Equal([]byte(expected), []byte(sig.HMAC)) {
		return nil, Signature{}, trace.AccessDenied("signature mismatch")
	}

	return canonical, sig, nil
}

func signatureBlock(doc map[string]interface{}) (Signature, error) {
	raw, ok := doc["signature"].(map[string]interface{})
	if !ok {
		return Signature{}, trace.AccessDenied("missing signature block")
	}
	mac, ok := raw["hmac"].(string)
	if !ok || mac == "" {
		return Signature{}, trace.AccessDenied("missing signature hmac")
	}
	signedAt, err := instant(raw, "signedAt")
	if err != nil {
		return Signature{}, trace.Wrap(err)
	}
	validUntil, err := instant(raw, "validUntil")
	if err != nil {
		return Signature{}, trace.Wrap(err)
	}
	return Signature{SignedAt: signedAt, ValidUntil: validUntil, HMAC: mac}, nil
}

func instant(raw map[string]interface{}, field string) (time.Time, error) {
	s, ok := raw[field].(string)
	if !ok || s == "" {
		return time.Time{}, trace.AccessDenied("missing signature %s", field)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, trace.AccessDenied("unparseable signature %s", field)
	}
	return t.UTC(), nil
}

// canonicalize marshals a payload value as a sorted-key JSON object without
// its signature block.
func canonicalize(payload interface{}) ([]byte, error) {
	doc := make(map[string]interface{})
	if err := remarshal(payload, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	delete(doc, "signature")
	return canonicalJSON.Marshal(doc)
}

func remarshal(in interface{}, out interface{}) error {
	data, err := canonicalJSON.Marshal(in)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(canonicalJSON.Unmarshal(data, out))
}

func computeHMAC(payload []byte, signedAt, validUntil time.Time, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	mac.Write([]byte(signedAt.UTC().Format(time.RFC3339)))
	mac.Write([]byte(validUntil.UTC().Format(time.RFC3339)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
