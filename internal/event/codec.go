// Package event builds, identifies and verifies canonical protocol events.
package event

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/Kodylow/Nostrit/pkg/models"
)

var (
	ErrSigningUnavailable = errors.New("no signer is configured")
	ErrInvalidPubKey      = errors.New("invalid public key")
)

// Signer produces a signature over an event's id. Implementations live in
// internal/signer; the codec only depends on this capability.
type Signer interface {
	SignEvent(ctx context.Context, ev *models.Event) error
}

// BuildUnsigned constructs an unsigned event with its deterministic id
// populated. Tag order, outer and inner, is preserved exactly as authored.
func BuildUnsigned(kind int, tags [][]string, content, pubkey string, createdAt int64) (models.Event, error) {
	if len(pubkey) != 64 {
		return models.Event{}, fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidPubKey, len(pubkey))
	}
	if _, err := hex.DecodeString(pubkey); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if tags == nil {
		tags = [][]string{}
	}
	ev := models.Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = ComputeID(ev)
	return ev, nil
}

// Serialize produces the canonical byte form the id is derived from:
// [0, pubkey, created_at, kind, tags, content] without HTML escaping.
func Serialize(ev models.Event) []byte {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding an in-memory array of primitives cannot fail.
	_ = enc.Encode([]any{0, ev.PubKey, ev.CreatedAt, ev.Kind, tags, ev.Content})
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// ComputeID derives the content-addressed id from the canonical serialization.
func ComputeID(ev models.Event) string {
	sum := sha256.Sum256(Serialize(ev))
	return hex.EncodeToString(sum[:])
}

// Sign populates id and sig on the event via the provided signer.
func Sign(ctx context.Context, ev *models.Event, signer Signer) error {
	if signer == nil {
		return ErrSigningUnavailable
	}
	ev.ID = ComputeID(*ev)
	return signer.SignEvent(ctx, ev)
}

// Verify recomputes the id and checks the schnorr signature against the
// event's pubkey. Inbound events failing verification are dropped by the
// subscription engine, never surfaced.
func Verify(ev models.Event) bool {
	if ComputeID(ev) != ev.ID {
		return false
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != 64 {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil || len(idBytes) != 32 {
		return false
	}
	return sig.Verify(idBytes, pub)
}
