package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	hrpPublicKey  = "npub"
	hrpPrivateKey = "nsec"
)

var ErrMalformedEncoding = errors.New("malformed human-readable encoding")

// EncodeNpub renders a 64-char hex public key in its bech32 form.
func EncodeNpub(pubHex string) (string, error) {
	return encodeKey(hrpPublicKey, pubHex)
}

// DecodeNpub recovers the hex public key from its bech32 form. Round-trip
// holds for all valid keys: DecodeNpub(EncodeNpub(k)) == k.
func DecodeNpub(npub string) (string, error) {
	return decodeKey(hrpPublicKey, npub)
}

// EncodeNsec renders a 64-char hex private key in its bech32 form.
func EncodeNsec(privHex string) (string, error) {
	return encodeKey(hrpPrivateKey, privHex)
}

// DecodeNsec recovers the hex private key from its bech32 form.
func DecodeNsec(nsec string) (string, error) {
	return decodeKey(hrpPrivateKey, nsec)
}

func encodeKey(hrp, keyHex string) (string, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: want 32 bytes of hex", ErrMalformedEncoding)
	}
	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	encoded, err := bech32.Encode(hrp, grouped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return encoded, nil
}

func decodeKey(wantHRP, encoded string) (string, error) {
	hrp, grouped, err := bech32.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if hrp != wantHRP {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrMalformedEncoding, hrp)
	}
	raw, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: want 32 bytes, got %d", ErrMalformedEncoding, len(raw))
	}
	return hex.EncodeToString(raw), nil
}
