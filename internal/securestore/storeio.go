package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteSealedJSON marshals, seals and writes a JSON payload for state
// snapshots. Parent directories are created with owner-only permissions.
func WriteSealedJSON(path, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := Seal(passphrase, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// ReadSealedJSON reads, opens and unmarshals a file written by WriteSealedJSON.
func ReadSealedJSON(path, passphrase string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	payload, err := Open(passphrase, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
