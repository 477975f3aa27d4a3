// Package identity resolves the active public key for the session: a
// custodial signer when one is present, otherwise a locally generated
// keypair persisted through the Store. No custodial private key material is
// ever held in this process.
package identity

import (
	"context"
	"errors"
	"sync"
)

var ErrNoSigner = errors.New("no signer available")

// Custodial is the external key-custody capability: it can report the user's
// public key without revealing the private key.
type Custodial interface {
	PublicKey(ctx context.Context) (string, error)
}

type Provider struct {
	mu        sync.Mutex
	custodial Custodial
	store     *Store

	custodialPub string
	localPriv    []byte
	localPub     string
	listeners    []func(oldPubKey string)
}

// NewProvider builds a provider. Either collaborator may be nil; with both
// nil every resolution fails with ErrNoSigner and the caller runs read-only.
func NewProvider(custodial Custodial, store *Store) *Provider {
	return &Provider{custodial: custodial, store: store}
}

// ResolvePublicKey returns the active public key hex. The custodial answer is
// cached for the session; the local fallback generates and persists a keypair
// on first use.
func (p *Provider) ResolvePublicKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.custodialPub != "" {
		return p.custodialPub, nil
	}
	if p.custodial != nil {
		pub, err := p.custodial.PublicKey(ctx)
		if err == nil && pub != "" {
			p.custodialPub = pub
			return pub, nil
		}
	}
	if err := p.ensureLocalLocked(); err != nil {
		return "", err
	}
	return p.localPub, nil
}

// LocalPrivateKey returns a copy of the local signing key, generating one if
// needed. Callers holding only a custodial identity get ErrNoSigner.
func (p *Provider) LocalPrivateKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLocalLocked(); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.localPriv...), nil
}

// ImportPrivateKey replaces the local key material with the given key and
// persists it. Listeners are notified as for RollKey.
func (p *Provider) ImportPrivateKey(privKey []byte) (string, error) {
	pub, err := DerivePublicKey(privKey)
	if err != nil {
		return "", err
	}
	return pub, p.replaceLocalKey(append([]byte(nil), privKey...), pub)
}

// ImportMnemonic derives the local key from a backup phrase and persists it.
func (p *Provider) ImportMnemonic(mnemonic string) (string, error) {
	priv, err := DeriveFromMnemonic(mnemonic)
	if err != nil {
		return "", err
	}
	return p.ImportPrivateKey(priv)
}

// RollKey discards the current identity material and produces a fresh local
// keypair. Registered listeners observe the old public key so state tied to
// it (jobs, result subscriptions) can be cleared.
func (p *Provider) RollKey() (string, error) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	pub, err := DerivePublicKey(priv)
	if err != nil {
		return "", err
	}
	return pub, p.replaceLocalKey(priv, pub)
}

// OnRoll registers a listener invoked after the identity changes.
func (p *Provider) OnRoll(fn func(oldPubKey string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Provider) replaceLocalKey(priv []byte, pub string) error {
	p.mu.Lock()
	old := p.activePubLocked()
	if p.store != nil {
		if err := p.store.Save(priv); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.localPriv = priv
	p.localPub = pub
	p.custodialPub = ""
	listeners := append([]func(string){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(old)
	}
	return nil
}

func (p *Provider) activePubLocked() string {
	if p.custodialPub != "" {
		return p.custodialPub
	}
	return p.localPub
}

func (p *Provider) ensureLocalLocked() error {
	if p.localPriv != nil {
		return nil
	}
	if p.store == nil {
		return ErrNoSigner
	}
	priv, err := p.store.Load()
	if errors.Is(err, ErrNoStoredKey) {
		priv, err = GeneratePrivateKey()
		if err != nil {
			return err
		}
		if err := p.store.Save(priv); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	pub, err := DerivePublicKey(priv)
	if err != nil {
		return err
	}
	p.localPriv = priv
	p.localPub = pub
	return nil
}
