package signer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/pkg/models"
)

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := NewLocalSigner(priv.Serialize())
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	return s
}

func TestNewLocalSignerRejectsBadKey(t *testing.T) {
	if _, err := NewLocalSigner([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
	if _, err := NewLocalSignerHex("not hex"); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestLocalSignerSignsVerifiableEvents(t *testing.T) {
	s := newTestSigner(t)
	ev := models.Event{Kind: 68005, CreatedAt: 1700000000, Content: "work"}
	if err := s.SignEvent(context.Background(), &ev); err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, _ := s.PublicKey(context.Background())
	if ev.PubKey != pub {
		t.Fatalf("expected pubkey %s, got %s", pub, ev.PubKey)
	}
	if !event.Verify(ev) {
		t.Fatal("signed event must verify")
	}
}

func TestLocalSignerRefusesForeignPubKey(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	otherPub, _ := other.PublicKey(context.Background())
	ev := models.Event{Kind: 1, PubKey: otherPub}
	if err := s.SignEvent(context.Background(), &ev); !errors.Is(err, ErrSigningDenied) {
		t.Fatalf("expected ErrSigningDenied, got %v", err)
	}
}

func TestParseBunkerURL(t *testing.T) {
	remote := strings.Repeat("ab", 32)
	pub, relays, secret, err := ParseBunkerURL("bunker://" + remote + "?relay=wss://a.example&relay=wss://b.example&secret=s3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pub != remote {
		t.Fatalf("unexpected remote pubkey %s", pub)
	}
	if len(relays) != 2 || relays[0] != "wss://a.example" {
		t.Fatalf("unexpected relays %v", relays)
	}
	if secret != "s3" {
		t.Fatalf("unexpected secret %q", secret)
	}
}

func TestParseBunkerURLRejectsMalformed(t *testing.T) {
	cases := []string{
		"https://example.com",
		"bunker://tooshort?relay=wss://a",
		"bunker://" + strings.Repeat("ab", 32),
		"bunker://" + strings.Repeat("zz", 32) + "?relay=wss://a",
	}
	for _, raw := range cases {
		if _, _, _, err := ParseBunkerURL(raw); !errors.Is(err, ErrMalformedBunkerURL) {
			t.Fatalf("expected ErrMalformedBunkerURL for %q, got %v", raw, err)
		}
	}
}

func TestIsDenial(t *testing.T) {
	if !isDenial("request DENIED by user") || !isDenial("rejected") || !isDenial("unauthorized") {
		t.Fatal("denial phrases should be recognized")
	}
	if isDenial("relay busy") {
		t.Fatal("unrelated errors are not denials")
	}
}
