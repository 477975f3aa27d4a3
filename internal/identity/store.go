package identity

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Kodylow/Nostrit/internal/securestore"
)

// keyFileName is the fixed storage name for the local key material.
const keyFileName = "identity.key"

var ErrNoStoredKey = errors.New("no local key material is stored")

// keyRecord is what lands on disk, sealed: the raw key hex plus its
// human-readable encodings so external tooling can read the npub without
// opening the envelope twice.
type keyRecord struct {
	PrivateKeyHex string `json:"private_key_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
	Npub          string `json:"npub"`
}

// Store persists local key material under a data directory, sealed with the
// store passphrase. Read at startup, written on generation, replaced on roll.
type Store struct {
	dir        string
	passphrase string
}

func NewStore(dir, passphrase string) *Store {
	return &Store{dir: dir, passphrase: passphrase}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, keyFileName)
}

// Load returns the stored private key bytes, or ErrNoStoredKey.
func (s *Store) Load() ([]byte, error) {
	var rec keyRecord
	if err := securestore.ReadSealedJSON(s.path(), s.passphrase, &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoStoredKey
		}
		return nil, err
	}
	raw, err := hex.DecodeString(rec.PrivateKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("stored key material is corrupted")
	}
	return raw, nil
}

// Save replaces the stored key material.
func (s *Store) Save(privKey []byte) error {
	pubHex, err := DerivePublicKey(privKey)
	if err != nil {
		return err
	}
	npub, err := EncodeNpub(pubHex)
	if err != nil {
		return err
	}
	return securestore.WriteSealedJSON(s.path(), s.passphrase, keyRecord{
		PrivateKeyHex: hex.EncodeToString(privKey),
		PublicKeyHex:  pubHex,
		Npub:          npub,
	})
}

// Clear removes the stored key material; missing files are not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
