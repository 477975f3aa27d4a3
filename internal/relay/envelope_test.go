package relay

import (
	"errors"
	"testing"
	"time"
)

func TestParseFrameEvent(t *testing.T) {
	data := []byte(`["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":1,"kind":68006,"tags":[["e","xyz"]],"content":"done","sig":"00"}]`)
	f, err := parseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Label != labelEvent || f.SubscriptionID != "sub1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.Event.Kind != 68006 || f.Event.TagValue("e", 1) != "xyz" {
		t.Fatalf("unexpected event %+v", f.Event)
	}
}

func TestParseFrameOK(t *testing.T) {
	f, err := parseFrame([]byte(`["OK","eventid",false,"blocked: spam"]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.EventID != "eventid" || f.Accepted || f.Message != "blocked: spam" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestParseFrameEOSEAndClosed(t *testing.T) {
	f, err := parseFrame([]byte(`["EOSE","sub9"]`))
	if err != nil || f.SubscriptionID != "sub9" {
		t.Fatalf("unexpected EOSE result %+v err=%v", f, err)
	}
	f, err = parseFrame([]byte(`["CLOSED","sub9","rate limited"]`))
	if err != nil || f.Message != "rate limited" {
		t.Fatalf("unexpected CLOSED result %+v err=%v", f, err)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`[]`),
		[]byte(`[42]`),
		[]byte(`["EVENT","only-sub"]`),
		[]byte(`["OK","id"]`),
		[]byte(`["OK","id","not-bool"]`),
		[]byte(`["EOSE"]`),
	}
	for _, data := range cases {
		if _, err := parseFrame(data); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %s, got %v", data, err)
		}
	}
}

func TestParseFrameUnknownLabelPasses(t *testing.T) {
	f, err := parseFrame([]byte(`["AUTH","challenge"]`))
	if err != nil {
		t.Fatalf("unknown labels should parse: %v", err)
	}
	if f.Label != "AUTH" {
		t.Fatalf("unexpected label %q", f.Label)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{ReconnectInterval: time.Second, ReconnectBackoffMax: 10 * time.Second}
	if got := backoffDelay(cfg, 1); got != time.Second {
		t.Fatalf("first attempt: got %v", got)
	}
	if got := backoffDelay(cfg, 3); got != 4*time.Second {
		t.Fatalf("third attempt: got %v", got)
	}
	if got := backoffDelay(cfg, 20); got != 10*time.Second {
		t.Fatalf("late attempt should cap: got %v", got)
	}
}
