// Package securestore seals small state blobs at rest with a passphrase:
// argon2id key derivation and XChaCha20-Poly1305 encryption inside a
// versioned JSON envelope.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	argonTime       = uint32(2)
	argonMemoryKB   = uint32(64 * 1024)
	argonThreads    = uint8(1)
)

var ErrWrongPassphrase = errors.New("cannot open envelope with this passphrase")

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under the passphrase and returns the JSON envelope.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKB, argonThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemoryKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(env)
}

// Open decrypts a JSON envelope produced by Seal.
func Open(passphrase string, raw []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	if env.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported kdf: %s", env.KDF)
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
