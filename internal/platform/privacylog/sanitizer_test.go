package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerFingerprintsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "pubkey", strings.Repeat("ab", 32), "state", "connected")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["pubkey"]; ok {
		t.Fatal("pubkey should not be present in plain form")
	}
	fp, ok := payload["pubkey_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected pubkey fingerprint, got %v", payload["pubkey_fp"])
	}
	if got, _ := payload["state"].(string); got != "connected" {
		t.Fatalf("expected untouched state attr, got %q", got)
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"wallet_secret", "s3cr3t",
		"mnemonic", "abandon abandon abandon",
		"preimage", "deadbeef",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	for _, key := range []string{"wallet_secret", "mnemonic", "preimage"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
}

func TestFingerprintStableWithinProcess(t *testing.T) {
	a := FingerprintID("npub1example")
	b := FingerprintID("npub1example")
	if a == "" || a != b {
		t.Fatalf("fingerprint should be stable, got %q and %q", a, b)
	}
	if FingerprintID("other") == a {
		t.Fatal("distinct values should not collide")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("npub", "npub1abc"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "npub_fp") {
		t.Fatalf("expected sanitized npub key, got %s", buf.String())
	}
}
