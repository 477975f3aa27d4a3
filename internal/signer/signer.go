// Package signer provides the key-custody capability boundary: something
// that can report the active public key and sign events. A local signer
// holds the key in-process; a bunker signer delegates to a remote custodian
// that never exposes key material.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/pkg/models"
)

var (
	ErrSigningDenied      = errors.New("signing request was denied")
	ErrSigningUnavailable = errors.New("signer is not available")
	ErrInvalidPrivateKey  = errors.New("invalid private key")
)

// Signer is the external signing capability contract. Absence of a signer is
// degraded (read-only) mode for the client, never a crash.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, ev *models.Event) error
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	priv *btcec.PrivateKey
}

func NewLocalSigner(privKey []byte) (*LocalSigner, error) {
	if len(privKey) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidPrivateKey, len(privKey))
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	return &LocalSigner{priv: priv}, nil
}

func NewLocalSignerHex(privHex string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return NewLocalSigner(raw)
}

func (s *LocalSigner) PublicKey(_ context.Context) (string, error) {
	return hex.EncodeToString(schnorr.SerializePubKey(s.priv.PubKey())), nil
}

func (s *LocalSigner) SignEvent(_ context.Context, ev *models.Event) error {
	pub := hex.EncodeToString(schnorr.SerializePubKey(s.priv.PubKey()))
	if ev.PubKey == "" {
		ev.PubKey = pub
	} else if ev.PubKey != pub {
		return fmt.Errorf("%w: event pubkey does not match signing key", ErrSigningDenied)
	}
	ev.ID = event.ComputeID(*ev)
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
