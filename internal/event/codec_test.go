package event_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/internal/identity"
	"github.com/Kodylow/Nostrit/internal/signer"
	"github.com/Kodylow/Nostrit/pkg/models"
)

func newSigner(t *testing.T) (*signer.LocalSigner, string) {
	t.Helper()
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := signer.NewLocalSigner(priv)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	pub, err := s.PublicKey(context.Background())
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return s, pub
}

func TestSerializeDeterministic(t *testing.T) {
	ev := models.Event{
		PubKey:    "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		CreatedAt: 1700000000,
		Kind:      68005,
		Tags:      [][]string{{"j", "code-review"}, {"bid", "10000"}},
		Content:   "review my <html> & json",
	}
	a := event.Serialize(ev)
	b := event.Serialize(ev)
	if !bytes.Equal(a, b) {
		t.Fatal("serialization should be deterministic")
	}
	if bytes.Contains(a, []byte(`<`)) {
		t.Fatalf("serialization must not HTML-escape: %s", a)
	}
	if event.ComputeID(ev) != event.ComputeID(ev) {
		t.Fatal("id should be deterministic")
	}
}

func TestSerializeNilTagsMatchesEmpty(t *testing.T) {
	withNil := models.Event{PubKey: "ab", CreatedAt: 1, Kind: 1, Tags: nil, Content: "x"}
	withEmpty := withNil
	withEmpty.Tags = [][]string{}
	if event.ComputeID(withNil) != event.ComputeID(withEmpty) {
		t.Fatal("nil and empty tags must serialize identically")
	}
}

func TestBuildUnsignedRejectsBadPubKey(t *testing.T) {
	if _, err := event.BuildUnsigned(1, nil, "hi", "short", 1); err == nil {
		t.Fatal("expected error for short pubkey")
	}
	if _, err := event.BuildUnsigned(1, nil, "hi", "zz"+make64()[2:], 1); err == nil {
		t.Fatal("expected error for non-hex pubkey")
	}
}

func make64() string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}

func TestSignThenVerify(t *testing.T) {
	s, pub := newSigner(t)
	ev, err := event.BuildUnsigned(68005, [][]string{{"j", "translation"}}, "translate this", pub, 1700000000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := event.Sign(context.Background(), &ev, s); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if ev.Sig == "" || ev.ID == "" {
		t.Fatal("sign must populate id and sig")
	}
	if !event.Verify(ev) {
		t.Fatal("freshly signed event must verify")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s, pub := newSigner(t)
	ev, err := event.BuildUnsigned(68005, nil, "original", pub, 1700000000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := event.Sign(context.Background(), &ev, s); err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := ev
	tampered.Content = "modified"
	if event.Verify(tampered) {
		t.Fatal("content change must invalidate the event")
	}

	tampered = ev
	tampered.Tags = [][]string{{"j", "other"}}
	if event.Verify(tampered) {
		t.Fatal("tag change must invalidate the event")
	}

	tampered = ev
	flipped := "00"
	if ev.Sig[len(ev.Sig)-2:] == "00" {
		flipped = "11"
	}
	tampered.Sig = ev.Sig[:len(ev.Sig)-2] + flipped
	if event.Verify(tampered) {
		t.Fatal("signature change must invalidate the event")
	}
}

func TestSignWithoutSigner(t *testing.T) {
	ev := models.Event{PubKey: make64(), Kind: 1}
	if err := event.Sign(context.Background(), &ev, nil); err != event.ErrSigningUnavailable {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}
