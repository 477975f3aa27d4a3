// Package privacylog keeps key material and user identifiers out of log
// output. Secrets are redacted outright; stable identifiers like public keys
// are replaced with a per-boot fingerprint so log lines still correlate
// without being linkable across restarts.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Keys carrying stable identities are fingerprinted, never logged plain.
	fingerprintedKeys = map[string]struct{}{
		"pubkey": {},
		"npub":   {},
		"author": {},
		"user":   {},
		"remote": {},
		"wallet": {},
	}
	// Any key containing one of these fragments is a secret.
	sensitiveKeyParts = []string{
		"nsec", "mnemonic", "seed", "secret", "passphrase",
		"password", "token", "preimage", "privkey", "private_key",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if isSensitiveKey(lowerKey) {
		return slog.String(key, redactedValue)
	}
	if shouldFingerprintKey(lowerKey) {
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Any(key, sanitizeGroupValue(attr.Value.Group()))
	}
	return attr
}

// FingerprintID maps an identifier to a short tag stable within one process
// lifetime.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func sanitizeGroupValue(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range sanitizeAttrs(attrs) {
		switch attr.Value.Kind() {
		case slog.KindString:
			out[attr.Key] = attr.Value.String()
		case slog.KindInt64:
			out[attr.Key] = attr.Value.Int64()
		case slog.KindBool:
			out[attr.Key] = attr.Value.Bool()
		case slog.KindDuration:
			out[attr.Key] = attr.Value.Duration().String()
		default:
			out[attr.Key] = attr.Value.Any()
		}
	}
	return out
}

func shouldFingerprintKey(key string) bool {
	_, ok := fingerprintedKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
