package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kodylow/Nostrit/internal/config"
	"github.com/Kodylow/Nostrit/internal/job"
	"github.com/Kodylow/Nostrit/internal/wallet"
)

func testService(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Passphrase = "test-passphrase"
	svc, err := New(cfg, prometheus.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIdentityIsGeneratedAndStable(t *testing.T) {
	svc := testService(t)
	info, err := svc.Identity(context.Background())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if len(info.PubKey) != 64 || !strings.HasPrefix(info.Npub, "npub") {
		t.Fatalf("unexpected identity %+v", info)
	}
	if info.Custodial {
		t.Fatal("local identity must not report custodial")
	}

	again, err := svc.Identity(context.Background())
	if err != nil {
		t.Fatalf("identity again: %v", err)
	}
	if again.PubKey != info.PubKey {
		t.Fatal("identity should be stable across calls")
	}
	if svc.Degraded(context.Background()) {
		t.Fatal("service with a local key is not degraded")
	}
}

func TestSubmitJobRejectsEmptyInput(t *testing.T) {
	svc := testService(t)
	if _, err := svc.SubmitJob(context.Background(), job.SubmitRequest{Content: "  "}); !errors.Is(err, job.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestSettleWithoutWallet(t *testing.T) {
	svc := testService(t)
	_, err := svc.Settle(context.Background(), "job", "result")
	if !errors.Is(err, wallet.ErrWalletUnavailable) {
		t.Fatalf("expected ErrWalletUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "wallet.connectUri") {
		t.Fatalf("error should point at the setup instruction, got %v", err)
	}
	if err := svc.EnableWallet(context.Background()); !errors.Is(err, wallet.ErrWalletUnavailable) {
		t.Fatalf("expected ErrWalletUnavailable from enable, got %v", err)
	}
}

func TestNewRejectsMalformedWalletURI(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Wallet.ConnectURI = "not-a-wallet-uri"
	if _, err := New(cfg, prometheus.NewRegistry(), nil); !errors.Is(err, wallet.ErrMalformedWalletURI) {
		t.Fatalf("expected ErrMalformedWalletURI, got %v", err)
	}
}

func TestNewRejectsMalformedBunkerURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Signer.BunkerURL = "https://not-a-bunker"
	if _, err := New(cfg, prometheus.NewRegistry(), nil); err == nil {
		t.Fatal("expected error for malformed bunker URL")
	}
}

func TestImportExportKeyRoundTrip(t *testing.T) {
	svc := testService(t)
	nsec, err := svc.ExportKey()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(nsec, "nsec") {
		t.Fatalf("unexpected export %q", nsec)
	}

	other := testService(t)
	info, err := other.ImportKey(nsec)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	orig, _ := svc.Identity(context.Background())
	if info.PubKey != orig.PubKey {
		t.Fatal("imported identity should match the exported key")
	}
}

func TestRollKeyChangesIdentityAndClearsJobs(t *testing.T) {
	svc := testService(t)
	before, err := svc.Identity(context.Background())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	after, err := svc.RollKey()
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	if after.PubKey == before.PubKey {
		t.Fatal("roll must change the identity")
	}
	if got := len(svc.Jobs()); got != 0 {
		t.Fatalf("roll must clear job state, got %d jobs", got)
	}
}

func TestNetworkStatusListsConfiguredRelays(t *testing.T) {
	svc := testService(t)
	status := svc.NetworkStatus()
	if len(status.Relays) != 3 {
		t.Fatalf("expected 3 relays, got %+v", status.Relays)
	}
	if status.ConnectedAny {
		t.Fatal("nothing is connected before Start")
	}
	if status.LastChangedAt.IsZero() {
		t.Fatal("last change timestamp should be set")
	}
}
