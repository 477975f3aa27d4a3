package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoIdentity = "nostrit/identity/signing/v1"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// GeneratePrivateKey returns a fresh 32-byte secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return priv.Serialize(), nil
}

// DerivePublicKey returns the x-only public key hex for a private key.
func DerivePublicKey(privKey []byte) (string, error) {
	if len(privKey) != 32 {
		return "", fmt.Errorf("invalid private key size: %d", len(privKey))
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return "", errors.New("invalid private key")
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// ParsePrivateKey accepts a private key as 64-char hex or in nsec form and
// returns the raw 32 bytes.
func ParsePrivateKey(material string) ([]byte, error) {
	material = strings.TrimSpace(material)
	if strings.HasPrefix(material, hrpPrivateKey) {
		decoded, err := DecodeNsec(material)
		if err != nil {
			return nil, err
		}
		material = decoded
	}
	raw, err := hex.DecodeString(material)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("private key must be 64 hex chars or nsec encoded")
	}
	if priv, _ := btcec.PrivKeyFromBytes(raw); priv == nil {
		return nil, errors.New("invalid private key")
	}
	return raw, nil
}

// EncodeNsecBytes renders raw private key bytes in nsec form.
func EncodeNsecBytes(privKey []byte) (string, error) {
	return EncodeNsec(hex.EncodeToString(privKey))
}

// NewMnemonic produces a 24-word backup phrase for a new identity.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveFromMnemonic deterministically derives the signing key from a backup
// phrase: bip39 seed expanded through HKDF, reduced onto the curve.
func DeriveFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	reader := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfoIdentity))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(out)
	if priv == nil {
		return nil, errors.New("derived key is invalid")
	}
	return priv.Serialize(), nil
}
