// Package nip04 implements the shared-secret payload encryption used on the
// signer and wallet transports: an ECDH secret between the two parties'
// secp256k1 keys, AES-256-CBC over the payload, and a base64 "ciphertext?iv="
// wire form.
package nip04

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	ErrMalformedPayload = errors.New("malformed encrypted payload")
	ErrBadPadding       = errors.New("bad message padding")
)

// SharedSecret derives the 32-byte conversation key: the X coordinate of the
// ECDH point between our private key and the peer's x-only public key.
func SharedSecret(privKey []byte, peerPubHex string) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return nil, errors.New("invalid private key")
	}
	peerBytes, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey: %w", err)
	}
	if len(peerBytes) == 32 {
		// x-only form: assume the even-Y candidate per the signing scheme.
		peerBytes = append([]byte{0x02}, peerBytes...)
	}
	peer, err := btcec.ParsePubKey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey: %w", err)
	}

	var point, result btcec.JacobianPoint
	peer.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	shared := result.X.Bytes()
	return shared[:], nil
}

// Encrypt seals plaintext with AES-256-CBC under the shared secret.
func Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt opens a "ciphertext?iv=" payload.
func Decrypt(payload string, sharedSecret []byte) (string, error) {
	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", ErrMalformedPayload
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedPayload
	}
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	out, err := unpadded(plaintext)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func unpadded(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
