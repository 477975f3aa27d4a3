// Package app wires the client together: identity resolution, the relay
// pool, the subscription engine, the job coordinator and the wallet agent,
// behind one Service the command layer drives.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kodylow/Nostrit/internal/config"
	"github.com/Kodylow/Nostrit/internal/identity"
	"github.com/Kodylow/Nostrit/internal/job"
	"github.com/Kodylow/Nostrit/internal/platform/ratelimiter"
	"github.com/Kodylow/Nostrit/internal/relay"
	"github.com/Kodylow/Nostrit/internal/signer"
	"github.com/Kodylow/Nostrit/internal/sub"
	"github.com/Kodylow/Nostrit/internal/wallet"
	"github.com/Kodylow/Nostrit/pkg/models"
)

// IdentityInfo is the presentable identity summary.
type IdentityInfo struct {
	PubKey    string `json:"pubkey"`
	Npub      string `json:"npub"`
	Custodial bool   `json:"custodial"`
}

// Service is the composed client. Construct with New, then Start; all
// methods are safe for concurrent use.
type Service struct {
	cfg      config.Config
	log      *slog.Logger
	pool     *relay.Pool
	engine   *sub.Engine
	coord    *job.Coordinator
	provider *identity.Provider
	metrics  *relay.Metrics

	mu          sync.Mutex
	walletAgent wallet.Agent
	custodial   bool
	lastChange  time.Time
}

// New composes the service from configuration. A bunker URL selects remote
// signing; otherwise the locally stored key signs. Neither being available
// leaves the service in degraded read-only mode rather than failing startup.
func New(cfg config.Config, reg prometheus.Registerer, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	var custodial *signer.BunkerSigner
	if cfg.Signer.BunkerURL != "" {
		bunker, err := signer.NewBunkerSigner(cfg.Signer.BunkerURL, log)
		if err != nil {
			return nil, fmt.Errorf("configuring remote signer: %w", err)
		}
		custodial = bunker
	}

	store := identity.NewStore(cfg.DataDir, cfg.Passphrase)
	var provider *identity.Provider
	if custodial != nil {
		provider = identity.NewProvider(custodial, store)
	} else {
		provider = identity.NewProvider(nil, store)
	}

	metrics := relay.NewMetrics(reg)
	limiter := ratelimiter.New(cfg.Network.PublishRatePerSecond, cfg.Network.PublishBurst, 10*time.Minute)
	pool := relay.NewPool(cfg.Relays, cfg.Network.Config, metrics, limiter, log)

	engine := sub.NewEngine(pool, sub.Options{DedupWindow: cfg.Dedup.WindowSize}, log)
	pool.SetEventHandler(engine.HandleEvent)

	jobStore := job.NewStore(cfg.DataDir, cfg.Passphrase)
	coord := job.NewCoordinator(cfg.Jobs, jobStore, pool, engine, log)

	svc := &Service{
		cfg:        cfg,
		log:        log,
		pool:       pool,
		engine:     engine,
		coord:      coord,
		provider:   provider,
		metrics:    metrics,
		custodial:  custodial != nil,
		lastChange: time.Now(),
	}
	pool.SetStateHandler(svc.onRelayState)

	if custodial != nil {
		coord.SetSigner(custodial)
	} else {
		coord.SetSigner(localSignerAdapter{provider: provider})
	}
	provider.OnRoll(func(oldPubKey string) {
		log.Info("identity rolled, clearing job state")
		coord.Reset()
		coord.SetSigner(localSignerAdapter{provider: provider})
		svc.mu.Lock()
		svc.custodial = false
		svc.mu.Unlock()
	})

	if cfg.Wallet.ConnectURI != "" {
		agent, err := wallet.NewNWCAgent(cfg.Wallet.ConnectURI, log)
		if err != nil {
			return nil, fmt.Errorf("configuring wallet: %w", err)
		}
		svc.walletAgent = agent
		coord.SetWallet(agent)
	}

	return svc, nil
}

// Start restores persisted jobs, connects the relay pool and re-arms result
// streams for jobs still awaiting results.
func (s *Service) Start(ctx context.Context) error {
	if err := s.coord.Store().Restore(); err != nil {
		s.log.Warn("restoring job state failed, starting fresh", "error", err)
	}
	s.pool.Start(ctx)
	s.coord.Rearm()
	return nil
}

// Close shuts the subscription engine and relay pool down.
func (s *Service) Close() {
	s.engine.Close()
	s.pool.Close()
}

// SubmitJob composes, signs and publishes a job request.
func (s *Service) SubmitJob(ctx context.Context, req job.SubmitRequest) (models.JobSnapshot, error) {
	return s.coord.Submit(ctx, req)
}

// Jobs lists all known jobs, newest first.
func (s *Service) Jobs() []models.JobSnapshot {
	return s.coord.Jobs()
}

// Job returns one job record.
func (s *Service) Job(id string) (models.JobSnapshot, error) {
	return s.coord.Job(id)
}

// Settle pays the invoice on the identified result.
func (s *Service) Settle(ctx context.Context, jobID, resultEventID string) (models.ResultSnapshot, error) {
	s.mu.Lock()
	agent := s.walletAgent
	s.mu.Unlock()
	if agent == nil {
		return models.ResultSnapshot{}, fmt.Errorf("%w: %s", wallet.ErrWalletUnavailable, wallet.SetupInstruction)
	}
	return s.coord.Settle(ctx, jobID, resultEventID)
}

// Identity reports the active identity.
func (s *Service) Identity(ctx context.Context) (IdentityInfo, error) {
	pub, err := s.provider.ResolvePublicKey(ctx)
	if err != nil {
		return IdentityInfo{}, err
	}
	npub, err := identity.EncodeNpub(pub)
	if err != nil {
		return IdentityInfo{}, err
	}
	s.mu.Lock()
	custodial := s.custodial
	s.mu.Unlock()
	return IdentityInfo{PubKey: pub, Npub: npub, Custodial: custodial}, nil
}

// RollKey replaces the identity with a fresh local keypair. Job state tied
// to the old key is cleared through the roll listener.
func (s *Service) RollKey() (IdentityInfo, error) {
	pub, err := s.provider.RollKey()
	if err != nil {
		return IdentityInfo{}, err
	}
	npub, err := identity.EncodeNpub(pub)
	if err != nil {
		return IdentityInfo{}, err
	}
	return IdentityInfo{PubKey: pub, Npub: npub}, nil
}

// ImportKey replaces the identity with the given private key material,
// accepting hex, nsec or a mnemonic backup phrase.
func (s *Service) ImportKey(material string) (IdentityInfo, error) {
	pub, err := importKeyMaterial(s.provider, material)
	if err != nil {
		return IdentityInfo{}, err
	}
	npub, err := identity.EncodeNpub(pub)
	if err != nil {
		return IdentityInfo{}, err
	}
	return IdentityInfo{PubKey: pub, Npub: npub}, nil
}

// ExportKey returns the local private key in nsec form.
func (s *Service) ExportKey() (string, error) {
	priv, err := s.provider.LocalPrivateKey()
	if err != nil {
		return "", err
	}
	return identity.EncodeNsecBytes(priv)
}

// EnableWallet verifies the configured wallet connection.
func (s *Service) EnableWallet(ctx context.Context) error {
	s.mu.Lock()
	agent := s.walletAgent
	s.mu.Unlock()
	if agent == nil {
		return fmt.Errorf("%w: %s", wallet.ErrWalletUnavailable, wallet.SetupInstruction)
	}
	return agent.Enable(ctx)
}

// NetworkStatus reports per-relay connection state.
func (s *Service) NetworkStatus() models.NetworkStatus {
	s.mu.Lock()
	lastChange := s.lastChange
	s.mu.Unlock()
	return models.NetworkStatus{
		Relays:        s.pool.Statuses(),
		ConnectedAny:  s.pool.Connected(),
		LastChangedAt: lastChange,
	}
}

// Degraded reports whether the session cannot sign: reads still work, writes
// are out of service.
func (s *Service) Degraded(ctx context.Context) bool {
	_, err := s.provider.ResolvePublicKey(ctx)
	return err != nil
}

func (s *Service) onRelayState(url, state string) {
	s.mu.Lock()
	s.lastChange = time.Now()
	s.mu.Unlock()
	s.log.Info("relay state changed", "relay", url, "state", state)
}

// localSignerAdapter signs with the provider's local key, resolving it per
// call so a rolled key takes effect immediately.
type localSignerAdapter struct {
	provider *identity.Provider
}

func (a localSignerAdapter) PublicKey(ctx context.Context) (string, error) {
	return a.provider.ResolvePublicKey(ctx)
}

func (a localSignerAdapter) SignEvent(ctx context.Context, ev *models.Event) error {
	priv, err := a.provider.LocalPrivateKey()
	if err != nil {
		return err
	}
	local, err := signer.NewLocalSigner(priv)
	if err != nil {
		return err
	}
	return local.SignEvent(ctx, ev)
}

func importKeyMaterial(provider *identity.Provider, material string) (string, error) {
	if looksLikeMnemonic(material) {
		return provider.ImportMnemonic(material)
	}
	priv, err := identity.ParsePrivateKey(material)
	if err != nil {
		return "", err
	}
	return provider.ImportPrivateKey(priv)
}

func looksLikeMnemonic(material string) bool {
	return len(strings.Fields(material)) >= 12
}
