// Package envelope implements the signed-message frame described in the
// data model: a canonical JSON payload, Ed25519-signed, carried alongside
// the sender's public key and a wall-clock timestamp.
package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/kizuna-net/bridge/internal/identity"
)

// Envelope is the signed frame exchanged between peers. Content is the
// canonical JSON string the inner payload was serialised to; verifiers MUST
// check the signature over this exact string, never a re-serialisation.
type Envelope struct {
	Content   string `json:"content"`
	SenderKey string `json:"senderKey"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Ping is the one unsigned frame shape recognised on the wire.
type Ping struct {
	Type string `json:"type"`
}

// IsPing reports whether a raw frame is the bare heartbeat shape.
func IsPing(raw []byte) bool {
	var p Ping
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Type == "ping" && len(raw) < 64
}

// Sign serialises payload to a canonical JSON string once and signs its
// UTF-8 bytes with id's private key, returning the envelope with that exact
// string embedded verbatim.
func Sign(id *identity.Identity, payload any) (*Envelope, error) {
	canonical, err := canonicaljson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize payload: %w", err)
	}

	sig := ed25519.Sign(id.Private, canonical)

	return &Envelope{
		Content:   string(canonical),
		SenderKey: id.PublicHex,
		Signature: hex.EncodeToString(sig),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Verify checks e.Signature against the UTF-8 bytes of e.Content using
// e.SenderKey as the verification key. It re-signs nothing and never
// re-serialises Content.
func Verify(e *Envelope) bool {
	pub, err := identity.PublicKeyFromHex(e.SenderKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(e.Content), sig)
}

// IsSigned reports whether a raw frame carries both signature and senderKey,
// i.e. is a candidate for verification rather than the bare ping shape.
func IsSigned(raw []byte) (*Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	if e.Signature == "" || e.SenderKey == "" {
		return nil, false
	}
	return &e, true
}

// DecodeContent parses e.Content (a JSON string) into v.
func (e *Envelope) DecodeContent(v any) error {
	return json.Unmarshal([]byte(e.Content), v)
}
